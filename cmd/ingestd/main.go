// Command ingestd serves the chunked upload API and sweeps abandoned upload
// sessions in the background.
//
//	ingestd -config config.json [-metrics-backend prometheus|datadog|none] [-sweep-once] [-v]
//
// With -metrics-backend prometheus the registry is exposed on GET /metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cobranza/internal/config"
	"cobranza/internal/httpapi"
	"cobranza/internal/metrics"
	"cobranza/internal/metrics/datadog"
	"cobranza/internal/metrics/prom"
	"cobranza/internal/upload"
	"cobranza/internal/validate"
)

const shutdownTimeout = 15 * time.Second

// serveFunc runs srv until ctx is done.
type serveFunc func(ctx context.Context, srv *http.Server) error

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, listenAndServe))
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, serve serveFunc) int {
	fs := flag.NewFlagSet("ingestd", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfgPath := fs.String("config", "", "service config JSON path")
	backend := fs.String("metrics-backend", "", "metrics backend: prometheus, datadog or none (default from config)")
	sweepOnce := fs.Bool("sweep-once", false, "sweep abandoned uploads once and exit")
	verbose := fs.Bool("v", false, "enable verbose logs")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*cfgPath) == "" {
		fmt.Fprintln(stderr, "usage: ingestd -config config.json [-metrics-backend prometheus|datadog|none] [-sweep-once] [-v]")
		return 2
	}

	logger := log.New(io.Discard, "", log.LstdFlags)
	if *verbose {
		logger.SetOutput(stderr)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	issues := config.ValidateConfig(cfg)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		return 1
	}

	ttl := time.Duration(cfg.Uploads.CleanupTTLMinutes) * time.Minute
	sweeper := upload.NewSweeper(cfg.StorageRoot, ttl, logger)
	sweeper.Job = cfg.Job

	if *sweepOnce {
		rep, err := sweeper.Sweep(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "sweep: %v\n", err)
			return 1
		}
		for _, g := range []string{upload.PendingGroup, upload.CompletedGroup} {
			fmt.Fprintf(stdout, "%s scanned=%d removed=%d\n", g, rep.Scanned[g], rep.Removed[g])
		}
		return 0
	}

	name := *backend
	if name == "" {
		name = cfg.Metrics.Backend
	}
	handler, cleanup, err := initMetrics(ctx, cfg, name, logger)
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	chunks := upload.NewChunkStore(cfg.StorageRoot, cfg.Uploads.ChunkSize, cfg.Uploads.MaxFileSize, logger)
	chunks.Job = cfg.Job

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.New(chunks, validate.New(cfg.StorageRoot, cfg.Uploads.MaxFileSize), handler, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sweeper.Run(sweepCtx, time.Duration(cfg.HTTP.SweepIntervalSeconds)*time.Second)
	}()

	logger.Printf("stage=serve addr=%s root=%s", cfg.HTTP.Addr, cfg.StorageRoot)
	err = serve(ctx, srv)
	stopSweep()
	<-done
	if err != nil {
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return 1
	}
	return 0
}

// listenAndServe serves until ctx is cancelled, then drains in-flight
// requests for up to shutdownTimeout.
func listenAndServe(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// initMetrics installs the named backend and returns the /metrics handler
// (nil unless the backend is prometheus). cleanup is never nil.
func initMetrics(ctx context.Context, cfg config.Config, backend string, logger *log.Logger) (http.Handler, func(), error) {
	nop := func() {}

	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "none", "noop":
		return nil, nop, nil

	case "prometheus", "prom":
		b := prom.NewBackend()
		metrics.SetBackend(b)
		return b.Handler(), nop, nil

	case "datadog", "dd":
		flush := time.Duration(cfg.Metrics.FlushSeconds) * time.Second
		b, err := datadog.NewBackend(ctx, datadog.Options{JobName: cfg.Job, Tags: cfg.Metrics.Tags, FlushEvery: flush})
		if err != nil {
			return nil, nop, err
		}
		metrics.SetBackend(b)
		return nil, func() {
			if err := b.Close(); err != nil {
				logger.Printf("metrics: datadog close error: %v", err)
			}
		}, nil

	default:
		logger.Printf("metrics: unknown backend %q; metrics disabled", backend)
		return nil, nop, nil
	}
}
