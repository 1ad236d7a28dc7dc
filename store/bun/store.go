package bunstore

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"

	"github.com/xraph/delay/pending"
	"github.com/xraph/delay/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	_ store.Store        = (*Store)(nil)
	_ pending.Transactor = (*Store)(nil)
)

// Store keeps pending entries in PostgreSQL through bun. The *bun.DB
// belongs to the caller and Close leaves it open.
type Store struct {
	db     *bun.DB
	idb    bun.IDB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New wraps db.
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		idb:    db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) DB() *bun.DB {
	return s.db
}

// Migrate applies the embedded migrations with bun's migrator. The
// bookkeeping tables are separate from the goose-managed postgres backend
// so both can target one database.
func (s *Store) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("delay/bun: open migrations: %w", err)
	}
	migrations := migrate.NewMigrations()
	if err := migrations.Discover(sub); err != nil {
		return fmt.Errorf("delay/bun: discover migrations: %w", err)
	}

	m := migrate.NewMigrator(s.db, migrations,
		migrate.WithTableName("delay_bun_migrations"),
		migrate.WithLocksTableName("delay_bun_migration_locks"),
	)
	if err := m.Init(ctx); err != nil {
		return fmt.Errorf("delay/bun: init migrator: %w", err)
	}
	if err := m.Lock(ctx); err != nil {
		return fmt.Errorf("delay/bun: lock migrations: %w", err)
	}
	defer func() { _ = m.Unlock(ctx) }()

	group, err := m.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("delay/bun: migrate: %w", err)
	}
	if !group.IsZero() {
		s.logger.Info("applied migrations", slog.String("group", group.String()))
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close does nothing; see New.
func (s *Store) Close() error {
	return nil
}

// WithinTx runs fn inside a bun transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx pending.Store) error) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &Store{db: s.db, idb: tx, logger: s.logger})
	})
}
