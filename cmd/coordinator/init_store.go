package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"a2a-coordinator/internal/adapter/store"
	"a2a-coordinator/internal/domain"
	"a2a-coordinator/internal/infra/config"
)

// initStore opens the configured persistence backend.
func initStore(cfg config.StoreConfig, bus domain.EventBus, log *slog.Logger) (domain.Store, error) {
	switch cfg.Driver {
	case "null":
		log.Warn("store: null driver, nothing is persisted")
		return store.NullStore{}, nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("store dir: %w", err)
		}
		s, err := store.NewSQLiteStore(store.SQLiteOptions{Path: cfg.Path, Bus: bus, Logger: log})
		if err != nil {
			return nil, err
		}
		log.Info("store: sqlite", "path", cfg.Path)
		return s, nil
	case "memory", "":
		if cfg.Dir != "" {
			if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
				return nil, fmt.Errorf("store dir: %w", err)
			}
		}
		s, err := store.NewMemoryStore(store.MemoryOptions{
			Dir:        cfg.Dir,
			MaxRecords: cfg.MaxRecords,
			Bus:        bus,
			Logger:     log,
		})
		if err != nil {
			return nil, err
		}
		log.Info("store: memory", "snapshot_dir", cfg.Dir, "max_records", cfg.MaxRecords)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
