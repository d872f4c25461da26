// Package config loads the process configuration from the environment once at
// startup. Values are read from ASTMLIS_* variables, optionally seeded from a
// dotenv file, and then treated as immutable.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"astmlis/internal/blob"
	"astmlis/internal/core"
)

// Defaults applied when a variable is unset.
const (
	DefaultListenAddr      = "0.0.0.0:5100"
	DefaultHTTPAddr        = "0.0.0.0:8000"
	DefaultReadTimeout     = 60 * time.Second
	DefaultMessageTimeout  = 5 * time.Minute
	DefaultMaxMessageBytes = 1 << 20
	DefaultSQLitePath      = "astmlis.db"
	DefaultPostgresDSN     = "postgres://localhost/astm_lis?sslmode=disable"
	DefaultArchiveFSRoot   = "./archive"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultCharset         = "utf-8"
)

// Config is the full runtime configuration.
type Config struct {
	ListenAddr      string
	HTTPAddr        string // empty disables the read API
	ReadTimeout     time.Duration
	MessageTimeout  time.Duration
	MaxMessageBytes int64
	MaxConnections  int64
	Charset         string

	Storage core.StorageConfig
	Archive blob.Config

	LogLevel  string
	LogFormat string
}

// LookupFunc mirrors os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadEnvFile seeds the process environment from a dotenv file. Variables that
// are already set win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom reads the configuration through lookup.
func LoadFrom(lookup LookupFunc) (Config, error) {
	r := reader{lookup: lookup}
	cfg := Config{
		ListenAddr:      r.str("ASTMLIS_LISTEN_ADDR", DefaultListenAddr),
		HTTPAddr:        r.str("ASTMLIS_HTTP_ADDR", DefaultHTTPAddr),
		ReadTimeout:     r.duration("ASTMLIS_READ_TIMEOUT", DefaultReadTimeout),
		MessageTimeout:  r.duration("ASTMLIS_MESSAGE_TIMEOUT", DefaultMessageTimeout),
		MaxMessageBytes: r.int64("ASTMLIS_MAX_MESSAGE_BYTES", DefaultMaxMessageBytes),
		MaxConnections:  r.int64("ASTMLIS_MAX_CONNECTIONS", 0),
		Charset:         r.str("ASTMLIS_CHARSET", DefaultCharset),
		Storage: core.StorageConfig{
			Driver:      core.StorageDriver(strings.ToLower(r.str("ASTMLIS_STORAGE_DRIVER", string(core.StorageSQLite)))),
			SQLitePath:  r.str("ASTMLIS_SQLITE_PATH", DefaultSQLitePath),
			PostgresDSN: r.str("ASTMLIS_POSTGRES_DSN", DefaultPostgresDSN),
		},
		Archive: blob.Config{
			Driver: blob.Driver(strings.ToLower(r.str("ASTMLIS_ARCHIVE_DRIVER", string(blob.DriverNone)))),
			FSRoot: r.str("ASTMLIS_ARCHIVE_FS_ROOT", DefaultArchiveFSRoot),
			S3: blob.S3Config{
				Bucket:          r.str("ASTMLIS_ARCHIVE_S3_BUCKET", ""),
				Region:          r.str("ASTMLIS_ARCHIVE_S3_REGION", ""),
				Endpoint:        r.str("ASTMLIS_ARCHIVE_S3_ENDPOINT", ""),
				PathStyle:       r.boolean("ASTMLIS_ARCHIVE_S3_PATH_STYLE", false),
				AccessKeyID:     r.str("ASTMLIS_ARCHIVE_S3_ACCESS_KEY_ID", ""),
				SecretAccessKey: r.str("ASTMLIS_ARCHIVE_S3_SECRET_ACCESS_KEY", ""),
			},
		},
		LogLevel:  r.str("ASTMLIS_LOG_LEVEL", DefaultLogLevel),
		LogFormat: r.str("ASTMLIS_LOG_FORMAT", DefaultLogFormat),
	}
	if len(r.errs) > 0 {
		return Config{}, errors.Join(r.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. Flag overrides call it again.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, errors.New("listen address required"))
	}
	if c.ReadTimeout < 0 {
		errs = append(errs, fmt.Errorf("read timeout %s must not be negative", c.ReadTimeout))
	}
	if c.MessageTimeout < 0 {
		errs = append(errs, fmt.Errorf("message timeout %s must not be negative", c.MessageTimeout))
	}
	if c.MaxMessageBytes < 0 {
		errs = append(errs, fmt.Errorf("max message bytes %d must not be negative", c.MaxMessageBytes))
	}
	if c.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("max connections %d must not be negative", c.MaxConnections))
	}
	switch c.Storage.Driver {
	case core.StorageMemory, core.StorageSQLite, core.StoragePostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	switch c.Archive.Driver {
	case blob.DriverNone, blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Archive.S3.Bucket == "" {
			errs = append(errs, errors.New("ASTMLIS_ARCHIVE_S3_BUCKET required for s3 archive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown archive driver %q", c.Archive.Driver))
	}
	return errors.Join(errs...)
}

type reader struct {
	lookup LookupFunc
	errs   []error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (r *reader) int64(key string, def int64) int64 {
	v, ok := r.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (r *reader) boolean(key string, def bool) bool {
	v, ok := r.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}
