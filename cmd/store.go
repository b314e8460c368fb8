package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/research-orchestrator/internal/checkpoint"
	"github.com/sells-group/research-orchestrator/internal/config"
)

// initStore opens and migrates the configured checkpoint backend.
func initStore(ctx context.Context, sc config.StoreConfig) (checkpoint.Store, error) {
	var (
		st  checkpoint.Store
		err error
	)
	switch sc.Driver {
	case "memory":
		st = checkpoint.NewMemory()
	case "sqlite":
		path := sc.Path
		if path == "" {
			path = "checkpoints.db"
		}
		st, err = checkpoint.NewSQLite(path)
	case "postgres":
		st, err = checkpoint.NewPostgres(ctx, sc.DatabaseURL, &checkpoint.PoolConfig{
			MaxConns: sc.MaxConns,
			MinConns: sc.MinConns,
		})
	case "badger":
		st, err = checkpoint.NewBadger(checkpoint.BadgerConfig{Path: sc.Path})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}
