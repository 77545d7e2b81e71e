package storage

import (
	"context"
	"embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/zeusync/ecsnet/internal/core/failure"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresConfig configures the postgres blob store.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	ConnMaxLifetime time.Duration
}

// PostgresStore keeps blobs in the blobs table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger log.Log
}

// NewPostgresStore connects, verifies the connection and applies pending
// migrations.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger log.Log) (*PostgresStore, error) {
	const op = "storage.postgres.connect"
	if logger == nil {
		logger = log.Provide()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, failure.Wrap(failure.KindInvalidInput, op, err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, failure.Wrap(failure.KindGeneric, op, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, failure.Wrap(failure.KindGeneric, op, err)
	}

	if err = runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("Postgres blob store ready", log.Int("max_conns", int(poolCfg.MaxConns)))
	return &PostgresStore{pool: pool, logger: logger.With(log.String("component", "storage"))}, nil
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	const op = "storage.postgres.migrate"
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return failure.Wrap(failure.KindGeneric, op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return failure.Wrap(failure.KindGeneric, op, err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, kind, name string, data []byte) error {
	if name == "" {
		return failure.New(failure.KindInvalidInput, "storage.save", "empty name")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO blobs (kind, name, data, created_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (kind, name) DO UPDATE SET data = EXCLUDED.data, created_at = EXCLUDED.created_at`,
		kind, name, data,
	)
	if err != nil {
		s.logger.Error("Failed to save blob", log.String("kind", kind), log.String("name", name), log.Error(err))
		return failure.Wrap(failure.KindSerialization, "storage.save", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, kind, name string) (Blob, error) {
	b := Blob{Kind: kind, Name: name}
	err := s.pool.QueryRow(ctx,
		`SELECT data, created_at FROM blobs WHERE kind = $1 AND name = $2`, kind, name,
	).Scan(&b.Data, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Blob{}, failure.Newf(failure.KindNotFound, "storage.load", "%s %q", kind, name)
	}
	if err != nil {
		return Blob{}, failure.Wrap(failure.KindDeserialization, "storage.load", err)
	}
	return b, nil
}

func (s *PostgresStore) List(ctx context.Context, kind string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM blobs WHERE kind = $1 ORDER BY name`, kind)
	if err != nil {
		return nil, failure.Wrap(failure.KindGeneric, "storage.list", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, failure.Wrap(failure.KindDeserialization, "storage.list", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, kind, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM blobs WHERE kind = $1 AND name = $2`, kind, name)
	if err != nil {
		return failure.Wrap(failure.KindGeneric, "storage.delete", err)
	}
	if tag.RowsAffected() == 0 {
		return failure.Newf(failure.KindNotFound, "storage.delete", "%s %q", kind, name)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
