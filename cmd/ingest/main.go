// Command ingest validates and loads one collection-notice run.
//
// The run file names the notice type, the period and the uploaded files
// (paths relative to the storage root):
//
//	{
//	  "id": 42,
//	  "notice_type": "constitucion_mora_aportantes",
//	  "period": "202508",
//	  "files": [
//	    {"data_source": "BASCAR", "path": "completed/abc/bascar.csv", "original_name": "BASCAR.csv", "size": 1048576, "extension": "csv"}
//	  ]
//	}
//
// On success the run summary is printed to stdout as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cobranza/internal/config"
	"cobranza/internal/metrics"
	"cobranza/internal/metrics/datadog"
	"cobranza/internal/pipeline"

	// register every store backend with the storage factory.
	_ "cobranza/internal/storage/all"
)

// runner executes one run with a validated config.
type runner interface {
	Run(ctx context.Context, cfg config.Config, run *pipeline.Run) error
}

// appDeps are the side-effecting seams of runMain.
type appDeps struct {
	readFile    func(string) ([]byte, error)
	unmarshal   func([]byte, any) error
	getenv      func(string) string
	initMetrics func(ctx context.Context, cfg config.Config, backend string) (func(), error)
	newRunner   func(logger *log.Logger) runner
}

func defaultDeps() appDeps {
	return appDeps{
		readFile:    os.ReadFile,
		unmarshal:   json.Unmarshal,
		getenv:      os.Getenv,
		initMetrics: initMetrics,
		newRunner:   func(logger *log.Logger) runner { return &storeRunner{logger: logger} },
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps()))
}

// runMain is main without process exit. Exit codes: 0 success, 1 failure,
// 2 usage error.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfgPath := fs.String("config", "", "service config JSON path")
	runPath := fs.String("run", "", "run JSON path")
	backend := fs.String("metrics-backend", "", "metrics backend: datadog or none (default from config)")
	validateOnly := fs.Bool("validate", false, "validate the configuration and exit")
	verbose := fs.Bool("v", false, "enable verbose logs")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*cfgPath) == "" {
		fmt.Fprintln(stderr, "usage: ingest -config config.json -run run.json [-validate] [-metrics-backend datadog|none] [-v]")
		return 2
	}

	logger := log.New(io.Discard, "", log.LstdFlags)
	if *verbose {
		logger.SetOutput(stderr)
	}

	cfg, err := loadConfig(*cfgPath, deps)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	issues := config.ValidateConfig(cfg)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		fmt.Fprintf(stderr, "configuration is invalid: %s\n", *cfgPath)
		return 1
	}
	if *validateOnly {
		fmt.Fprintln(stdout, "config ok")
		return 0
	}

	if strings.TrimSpace(*runPath) == "" {
		fmt.Fprintln(stderr, "usage: ingest -config config.json -run run.json")
		return 2
	}
	raw, err := deps.readFile(*runPath)
	if err != nil {
		fmt.Fprintf(stderr, "read run: %v\n", err)
		return 1
	}
	var run pipeline.Run
	if err := deps.unmarshal(raw, &run); err != nil {
		fmt.Fprintf(stderr, "parse run: %v\n", err)
		return 1
	}
	run.Status = pipeline.StatusPending

	name := *backend
	if name == "" {
		name = cfg.Metrics.Backend
	}
	cleanup, err := deps.initMetrics(ctx, cfg, name)
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	start := time.Now()
	if err := deps.newRunner(logger).Run(ctx, cfg, &run); err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}
	logger.Printf("run=%d completed in %s", run.ID, time.Since(start).Truncate(time.Millisecond))

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary{ID: run.ID, Status: run.Status, Results: run.Results}); err != nil {
		fmt.Fprintf(stderr, "write summary: %v\n", err)
		return 1
	}
	return 0
}

type summary struct {
	ID      int64                 `json:"id"`
	Status  pipeline.RunStatus    `json:"status"`
	Results []pipeline.StepResult `json:"results"`
}

func loadConfig(path string, deps appDeps) (config.Config, error) {
	raw, err := deps.readFile(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := config.Default()
	if err := deps.unmarshal(raw, &cfg); err != nil {
		return config.Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.ApplyEnv(deps.getenv); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// metricsBackend is the part of a metrics backend the CLI owns.
type metricsBackend interface {
	Close() error
}

// Seams for initMetrics tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	setMetricsBackend = func(b any) {
		if mb, ok := b.(metrics.Backend); ok {
			metrics.SetBackend(mb)
		}
	}
	logPrintf = log.Printf
)

// initMetrics installs the named backend. The returned cleanup is never nil
// and flushes buffered metrics.
func initMetrics(ctx context.Context, cfg config.Config, backend string) (func(), error) {
	nop := func() {}

	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "none", "noop":
		return nop, nil

	case "datadog", "dd":
		flush := time.Duration(cfg.Metrics.FlushSeconds) * time.Second
		if flush <= 0 {
			flush = 60 * time.Second
		}
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    cfg.Job,
			Tags:       cfg.Metrics.Tags,
			FlushEvery: flush,
		})
		if err != nil {
			return nop, err
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
		}, nil

	case "prometheus", "prom":
		logPrintf("metrics: prometheus is served by ingestd; metrics disabled for this run")
		return nop, nil

	default:
		logPrintf("metrics: unknown backend %q; metrics disabled", backend)
		return nop, nil
	}
}
