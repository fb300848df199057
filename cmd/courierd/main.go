package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"courierchain/config"
	"courierchain/observability/logging"
	telemetry "courierchain/observability/otel"
	"courierchain/storage/sqlstore"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "courierd: %s\n", logging.ScrubText(err.Error()))
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("courierd", flag.ContinueOnError)
	cfgPath := fs.String("config", "courierd.yaml", "path to courierd configuration (.yaml or .toml)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := setupLogging(cfg)

	rest := fs.Args()
	if len(rest) > 0 {
		switch rest[0] {
		case "import-orders":
			if len(rest) != 2 {
				return errors.New("usage: courierd [-config path] import-orders <file.jsonl>")
			}
			return importOrders(context.Background(), cfg, logger, rest[1])
		default:
			return fmt.Errorf("unknown command %q", rest[0])
		}
	}
	return serve(cfg, logger)
}

func setupLogging(cfg *config.Config) *slog.Logger {
	opts := []logging.Option{logging.WithLevel(logging.ParseLevel(cfg.Logging.Level))}
	if path := strings.TrimSpace(cfg.Logging.File); path != "" {
		opts = append(opts, logging.WithFile(logging.FileConfig{
			Path:       path,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		}))
	}
	return logging.Setup("courierd", cfg.Env, opts...)
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "courierd",
		Environment: cfg.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,

		LedgerMode:    cfg.Ledger.Mode,
		LedgerChainID: cfg.Ledger.ChainID,
		StoreDriver:   sqlstore.Driver(cfg.Database.DSN),
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger, os.Getenv)
	if err != nil {
		return err
	}
	defer a.Close()

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           otelhttp.NewHandler(a.handler, "courierd"),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("courierd listening",
			slog.String("addr", cfg.Listen),
			slog.String("ledger", cfg.Ledger.Mode),
			logging.URLField("database", cfg.Database.DSN),
			logging.URLField("rpc_url", cfg.Ledger.RPCURL),
			slog.String("operator", a.operator.Hex()),
		)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
