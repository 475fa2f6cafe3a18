package storage

import (
	"context"
	"fmt"
	"strings"

	logx "newsalert/pkg/logx"
)

// Open initializes the configured backend. An empty driver means memory.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.Comp("storage"), logx.String("driver", driver))

	var (
		st  Store
		err error
	)
	switch driver {
	case "", "memory":
		st = NewMemory(cfg.window())
	case "sqlite", "sqlite3":
		st, err = openSQLite(ctx, cfg, log)
	case "postgres", "postgresql":
		st, err = openPostgres(ctx, cfg, log)
	case "redis":
		st, err = openRedis(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	log.Info("store opened", logx.Duration("window", cfg.window()))
	return st, nil
}
