package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"astmlis/internal/adapters/results"
	"astmlis/internal/blob"
	"astmlis/internal/config"
	"astmlis/internal/core"
	"astmlis/internal/ingest"
	"astmlis/pkg/astm"
)

// shutdownGrace bounds how long in-flight connections and HTTP requests get
// after a stop signal.
const shutdownGrace = 30 * time.Second

type serveOptions struct {
	trace bool
	out   io.Writer
	// ready, when set, receives the bound addresses once both listeners are up.
	ready func(ingestAddr, httpAddr net.Addr)
}

func serveCmd() *cobra.Command {
	var (
		listen, httpAddr, charset string
		readTimeout, msgTimeout   time.Duration
		maxMessageBytes, maxConns int64
		trace                     bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept instrument connections and store results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.ListenAddr = listen
			}
			if flags.Changed("http") {
				cfg.HTTPAddr = httpAddr
			}
			if flags.Changed("read-timeout") {
				cfg.ReadTimeout = readTimeout
			}
			if flags.Changed("message-timeout") {
				cfg.MessageTimeout = msgTimeout
			}
			if flags.Changed("max-message-bytes") {
				cfg.MaxMessageBytes = maxMessageBytes
			}
			if flags.Changed("max-connections") {
				cfg.MaxConnections = maxConns
			}
			if flags.Changed("charset") {
				cfg.Charset = charset
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, serveOptions{trace: trace, out: cmd.OutOrStdout()})
		},
	}
	f := cmd.Flags()
	f.StringVar(&listen, "listen", config.DefaultListenAddr, "TCP address instruments connect to")
	f.StringVar(&httpAddr, "http", config.DefaultHTTPAddr, "read API address (empty disables)")
	f.DurationVar(&readTimeout, "read-timeout", config.DefaultReadTimeout, "idle read deadline per connection (0 disables)")
	f.DurationVar(&msgTimeout, "message-timeout", config.DefaultMessageTimeout, "overall deadline for one message from accept (0 disables)")
	f.Int64Var(&maxMessageBytes, "max-message-bytes", config.DefaultMaxMessageBytes, "largest accepted message (0 disables)")
	f.Int64Var(&maxConns, "max-connections", 0, "concurrent connection bound (0 is unbounded)")
	f.StringVar(&charset, "charset", config.DefaultCharset, "character set instruments send")
	f.BoolVar(&trace, "trace", false, "write operation spans as JSON lines to stderr")
	return cmd
}

// runServe wires the service from cfg and blocks until ctx is cancelled or a
// listener fails.
func runServe(ctx context.Context, cfg config.Config, opts serveOptions) error {
	logger := core.NewConsoleOrJSONLogger(opts.out, cfg.LogFormat, cfg.LogLevel)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promRecorder, err := core.NewPrometheusMetricsRecorder(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	metrics := core.MultiMetricsRecorder{promRecorder, core.NewExpvarMetricsRecorder("")}
	var tracer core.Tracer = core.NoopTracer()
	if opts.trace {
		tracer = core.NewJSONTracer(os.Stderr, 0)
	}

	decoder, err := astm.NewDecoder(astm.WithCharset(cfg.Charset))
	if err != nil {
		return fmt.Errorf("decoder: %w", err)
	}
	store, err := core.OpenResultStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open result store: %w", err)
	}
	archive, err := blob.Open(ctx, cfg.Archive)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("open raw archive: %w", err)
	}
	gateway := core.NewGateway(store,
		core.WithArchive(archive),
		core.WithLogger(logger),
		core.WithMetricsRecorder(metrics),
		core.WithTracer(tracer),
	)
	defer func() {
		if err := gateway.Close(); err != nil {
			logger.Error("close gateway", "error", err.Error())
		}
	}()

	handler := ingest.NewHandler(decoder, gateway, ingest.HandlerConfig{
		ReadTimeout:     cfg.ReadTimeout,
		MaxMessageBytes: cfg.MaxMessageBytes,
		MessageTimeout:  cfg.MessageTimeout,
	}, ingest.WithLogger(logger), ingest.WithMetricsRecorder(metrics), ingest.WithTracer(tracer))
	listener := ingest.NewListener(ingest.ListenerConfig{Addr: cfg.ListenAddr, MaxConnections: cfg.MaxConnections},
		handler, ingest.WithLogger(logger))
	if err := listener.Listen(); err != nil {
		return err
	}

	var (
		httpSrv *http.Server
		httpLn  net.Listener
	)
	if cfg.HTTPAddr != "" {
		httpSrv = results.NewHTTPServer(cfg.HTTPAddr, results.NewHandler(gateway, logger), reg)
		if httpLn, err = net.Listen("tcp", cfg.HTTPAddr); err != nil {
			_ = listener.Shutdown(context.Background())
			return fmt.Errorf("listen http %s: %w", cfg.HTTPAddr, err)
		}
	}

	logger.Info("astmlis started",
		"listen_addr", listener.Addr().String(),
		"http_addr", cfg.HTTPAddr,
		"storage", string(cfg.Storage.Driver),
		"archive", string(cfg.Archive.Driver),
		"charset", decoder.Charset(),
	)
	if opts.ready != nil {
		var httpBound net.Addr
		if httpLn != nil {
			httpBound = httpLn.Addr()
		}
		opts.ready(listener.Addr(), httpBound)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := listener.Serve(gctx); err != nil && !errors.Is(err, ingest.ErrListenerClosed) {
			return err
		}
		return nil
	})
	if httpSrv != nil {
		g.Go(func() error {
			if err := httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		var errs []error
		if httpSrv != nil {
			errs = append(errs, httpSrv.Shutdown(shutdownCtx))
		}
		errs = append(errs, listener.Shutdown(shutdownCtx))
		return errors.Join(errs...)
	})
	return g.Wait()
}
