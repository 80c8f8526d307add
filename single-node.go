package main

import (
	"fmt"

	"github.com/jupark12/go-extract-queue/config"
	"github.com/jupark12/go-extract-queue/limiter"
	"github.com/jupark12/go-extract-queue/logger"
	"github.com/jupark12/go-extract-queue/progress"
	"github.com/jupark12/go-extract-queue/store"
)

// Single-node mode keeps everything in one process: jobs are mirrored to JSON
// files under the data directory, progress fans out in memory and owner slots
// are counted locally. Running two processes against the same data directory
// is not supported.

func newSingleNodeStore(cfg *config.Config, lg logger.Logger) (*store.MemoryStore, error) {
	st, err := store.NewMemoryStore(
		store.WithDataDir(cfg.Storage.DataDir),
		store.WithLogger(lg),
	)
	if err != nil {
		return nil, fmt.Errorf("create job store: %w", err)
	}

	// Load existing jobs
	if err := st.LoadJobs(); err != nil {
		lg.Warn("Failed to load existing jobs", logger.Error(err))
	}

	lg.Info("Using file-backed job store", logger.String("data_dir", cfg.Storage.DataDir))
	return st, nil
}

func newSingleNodeMessaging(cfg *config.Config) (*progress.MemoryBus, *limiter.Local) {
	return progress.NewMemoryBus(), limiter.NewLocal(cfg.Policy.MaxConcurrentPerOwner)
}
