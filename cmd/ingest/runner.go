package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"cobranza/internal/config"
	"cobranza/internal/pipeline"
	"cobranza/internal/sheet"
	"cobranza/internal/storage"
)

// storeRunner opens the configured store and runs the notice type's
// pipeline over it.
type storeRunner struct {
	logger *log.Logger

	// newStore defaults to storage.New.
	newStore func(ctx context.Context, cfg storage.Config) (storage.Store, error)
}

func (r *storeRunner) Run(ctx context.Context, cfg config.Config, run *pipeline.Run) error {
	open := r.newStore
	if open == nil {
		open = storage.New
	}
	store, err := open(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if cfg.Storage.AutoMigrate {
		if err := store.EnsureTables(ctx, storage.AllTables()); err != nil {
			return fmt.Errorf("ensure tables: %w", err)
		}
	}

	env, err := buildEnv(cfg, store, r.logger)
	if err != nil {
		return err
	}
	pl, err := pipeline.Lookup(run.NoticeType, env)
	if err != nil {
		return err
	}

	proc := pipeline.NewProcessor(store, r.logger)
	proc.Job = cfg.Job
	return proc.ValidateAndProcess(ctx, pl, run)
}

// buildEnv wires the pipeline collaborators from cfg.
func buildEnv(cfg config.Config, store storage.Store, logger *log.Logger) (pipeline.Env, error) {
	conv, err := sheet.New(cfg.Converter.Mode, cfg.Converter.BinaryPath,
		time.Duration(cfg.Converter.TimeoutSeconds)*time.Second, true, logger)
	if err != nil {
		return pipeline.Env{}, err
	}

	env := pipeline.NewEnv(cfg.StorageRoot, store, conv, cfg.DelimiterRune(), logger)
	env.Validator.MaxFileSize = cfg.Uploads.MaxFileSize
	env.Resilient.BatchSize = cfg.Import.BatchSize
	env.Resilient.ProgressEvery = cfg.Import.ProgressEvery
	env.Resilient.Options = cfg.Import.Options
	env.Resilient.Job = cfg.Job
	env.Sanitizer.Job = cfg.Job
	if env.Copy != nil {
		env.Copy.Job = cfg.Job
	}
	return env, nil
}
