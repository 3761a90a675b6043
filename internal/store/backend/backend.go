// Package backend opens the document store selected by configuration.
package backend

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/golang/glog"

	"github.com/yu-iskw/vibe-team-coding-demo/internal/config"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/store"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/store/bolt"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/store/postgres"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/store/redisstore"
	"github.com/yu-iskw/vibe-team-coding-demo/internal/store/sqlite"
)

// Open returns the store named by cfg.Backend.
func Open(ctx context.Context, cfg config.Store) (store.DocumentStore, error) {
	switch cfg.Backend {
	case "", config.BackendMemory:
		glog.Warningf("Using in-memory document store; documents are lost on restart")
		return store.NewMemory(), nil
	case config.BackendBolt:
		path := filepath.Join(cfg.DataDir, "rooms.db")
		s, err := bolt.Open(path)
		if err != nil {
			return nil, err
		}
		glog.Infof("Using bolt document store at %s", path)
		return s, nil
	case config.BackendSQLite:
		s, err := sqlite.Open(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		glog.Infof("Using sqlite document store at %s", s.Path())
		return s, nil
	case config.BackendPostgres:
		s, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		glog.Infof("Connected to PostgreSQL successfully.")
		return s, nil
	case config.BackendRedis:
		s, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPrefix)
		if err != nil {
			return nil, err
		}
		glog.Infof("Connected to Redis successfully.")
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
