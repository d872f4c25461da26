package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"astmlis/internal/blob"
	"astmlis/internal/core"
)

func mapLookup(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(mapLookup(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:5100" || cfg.HTTPAddr != "0.0.0.0:8000" {
		t.Fatalf("unexpected addresses %+v", cfg)
	}
	if cfg.ReadTimeout != time.Minute || cfg.MessageTimeout != 5*time.Minute || cfg.MaxMessageBytes != 1048576 || cfg.MaxConnections != 0 {
		t.Fatalf("unexpected limits %+v", cfg)
	}
	if cfg.Storage.Driver != core.StorageSQLite || cfg.Storage.SQLitePath != "astmlis.db" {
		t.Fatalf("unexpected storage %+v", cfg.Storage)
	}
	if cfg.Archive.Driver != blob.DriverNone || cfg.Charset != "utf-8" || cfg.LogFormat != "json" || cfg.LogLevel != "info" {
		t.Fatalf("unexpected ambient defaults %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadFrom(mapLookup(map[string]string{
		"ASTMLIS_LISTEN_ADDR":           "127.0.0.1:6000",
		"ASTMLIS_HTTP_ADDR":             "",
		"ASTMLIS_READ_TIMEOUT":          "5s",
		"ASTMLIS_MESSAGE_TIMEOUT":       "30s",
		"ASTMLIS_MAX_MESSAGE_BYTES":     "4096",
		"ASTMLIS_MAX_CONNECTIONS":       "32",
		"ASTMLIS_CHARSET":               "windows-1252",
		"ASTMLIS_STORAGE_DRIVER":        "Postgres",
		"ASTMLIS_POSTGRES_DSN":          "postgres://db/astm",
		"ASTMLIS_ARCHIVE_DRIVER":        "s3",
		"ASTMLIS_ARCHIVE_S3_BUCKET":     "raw-astm",
		"ASTMLIS_ARCHIVE_S3_PATH_STYLE": "true",
		"ASTMLIS_ARCHIVE_S3_ENDPOINT":   "http://minio:9000",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:6000" || cfg.HTTPAddr != "" {
		t.Fatalf("unexpected addresses %+v", cfg)
	}
	if cfg.ReadTimeout != 5*time.Second || cfg.MessageTimeout != 30*time.Second || cfg.MaxMessageBytes != 4096 || cfg.MaxConnections != 32 || cfg.Charset != "windows-1252" {
		t.Fatalf("unexpected limits %+v", cfg)
	}
	if cfg.Storage.Driver != core.StoragePostgres || cfg.Storage.PostgresDSN != "postgres://db/astm" {
		t.Fatalf("unexpected storage %+v", cfg.Storage)
	}
	if cfg.Archive.Driver != blob.DriverS3 || !cfg.Archive.S3.PathStyle || cfg.Archive.S3.Bucket != "raw-astm" || cfg.Archive.S3.Endpoint != "http://minio:9000" {
		t.Fatalf("unexpected archive %+v", cfg.Archive)
	}
}

func TestLoadErrors(t *testing.T) {
	cases := map[string]map[string]string{
		"bad duration":      {"ASTMLIS_READ_TIMEOUT": "soon"},
		"bad int":           {"ASTMLIS_MAX_MESSAGE_BYTES": "1MB"},
		"negative limit":    {"ASTMLIS_MAX_CONNECTIONS": "-1"},
		"negative deadline": {"ASTMLIS_MESSAGE_TIMEOUT": "-1s"},
		"bad bool":          {"ASTMLIS_ARCHIVE_S3_PATH_STYLE": "sometimes"},
		"unknown storage":   {"ASTMLIS_STORAGE_DRIVER": "mongo"},
		"unknown archive":   {"ASTMLIS_ARCHIVE_DRIVER": "ftp"},
		"s3 without bucket": {"ASTMLIS_ARCHIVE_DRIVER": "s3"},
		"empty listen":      {"ASTMLIS_LISTEN_ADDR": " "},
	}
	for name, env := range cases {
		if _, err := LoadFrom(mapLookup(env)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	_, err := LoadFrom(mapLookup(map[string]string{"ASTMLIS_READ_TIMEOUT": "x", "ASTMLIS_MAX_CONNECTIONS": "y"}))
	if err == nil || !strings.Contains(err.Error(), "ASTMLIS_READ_TIMEOUT") || !strings.Contains(err.Error(), "ASTMLIS_MAX_CONNECTIONS") {
		t.Fatalf("expected both errors reported, got %v", err)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("ASTMLIS_TEST_ONLY_KEY=from-file\nASTMLIS_TEST_PRESET=file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("ASTMLIS_TEST_PRESET", "process")
	t.Cleanup(func() { _ = os.Unsetenv("ASTMLIS_TEST_ONLY_KEY") })
	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if os.Getenv("ASTMLIS_TEST_ONLY_KEY") != "from-file" {
		t.Fatalf("expected file value applied")
	}
	if os.Getenv("ASTMLIS_TEST_PRESET") != "process" {
		t.Fatalf("existing environment must win")
	}
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
	if err := LoadEnvFile(""); err != nil {
		t.Fatalf("empty path should be ignored: %v", err)
	}
}

func TestLoadReadsProcessEnvironment(t *testing.T) {
	t.Setenv("ASTMLIS_LISTEN_ADDR", "127.0.0.1:7000")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7000" {
		t.Fatalf("unexpected listen addr %s", cfg.ListenAddr)
	}
}
