package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"go.uber.org/multierr"

	"github.com/xraph/delay/store"
	bunstore "github.com/xraph/delay/store/bun"
	"github.com/xraph/delay/store/memory"
	"github.com/xraph/delay/store/postgres"
	redisstore "github.com/xraph/delay/store/redis"
	"github.com/xraph/delay/store/sqlite"
)

// ownedStore closes the client a backend leaves to its caller.
type ownedStore struct {
	store.Store
	closeClient func() error
}

func (s ownedStore) Close() error {
	return multierr.Append(s.Store.Close(), s.closeClient())
}

func openStore(ctx context.Context, cfg StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		logger.Warn("using in-memory pending store; deferred messages do not survive a restart")
		return memory.New(), nil

	case "sqlite":
		s, err := sqlite.Open(cfg.DSN, sqlite.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil

	case "postgres":
		s, err := postgres.New(ctx, cfg.DSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil

	case "bun":
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
		db := bun.NewDB(sqldb, pgdialect.New())
		return ownedStore{Store: bunstore.New(db, bunstore.WithLogger(logger)), closeClient: db.Close}, nil

	case "redis":
		opts, err := goredis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		return ownedStore{Store: redisstore.New(client, redisstore.WithLogger(logger)), closeClient: client.Close}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
