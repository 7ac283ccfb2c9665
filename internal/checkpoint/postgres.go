package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Registers the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Iron-Ham/paperrepro/internal/errors"
)

// PostgresConfig configures the checkpoint_blobs table backend.
type PostgresConfig struct {
	URL             string        `mapstructure:"url"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Validate checks the pool settings.
func (c PostgresConfig) Validate() error {
	switch {
	case c.URL == "":
		return errors.NewValidationError("postgres url is required").WithField("checkpoint.postgres.url")
	case c.PingTimeout <= 0:
		return errors.NewValidationError("ping timeout must be positive").WithField("checkpoint.postgres.ping_timeout")
	case c.MaxOpenConns < 1:
		return errors.NewValidationError("max open conns must be >= 1").WithField("checkpoint.postgres.max_open_conns")
	case c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns:
		return errors.NewValidationError("max idle conns must be between 0 and max open conns").
			WithField("checkpoint.postgres.max_idle_conns")
	}
	return nil
}

const createBlobsTable = `
CREATE TABLE IF NOT EXISTS checkpoint_blobs (
	key        TEXT PRIMARY KEY,
	data       BYTEA NOT NULL,
	size       BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresBackend stores checkpoints as rows of checkpoint_blobs.
type PostgresBackend struct {
	db *sql.DB
}

// OpenPostgres opens a pool through the pgx stdlib driver, pings it, and
// creates the blobs table.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	b, err := NewPostgresBackend(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// NewPostgresBackend wraps an existing pool and ensures the schema exists.
func NewPostgresBackend(ctx context.Context, db *sql.DB) (*PostgresBackend, error) {
	if _, err := db.ExecContext(ctx, createBlobsTable); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint_blobs: %w", err)
	}
	return &PostgresBackend{db: db}, nil
}

// Put upserts data under key.
func (b *PostgresBackend) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO checkpoint_blobs (key, data, size, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, size = EXCLUDED.size, updated_at = now()`,
		key, data, len(data))
	if err != nil {
		return fmt.Errorf("failed to put checkpoint %s: %w", key, err)
	}
	return nil
}

// PutIfNotExists inserts data only when key is absent.
func (b *PostgresBackend) PutIfNotExists(ctx context.Context, key string, data []byte) error {
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO checkpoint_blobs (key, data, size, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO NOTHING`,
		key, data, len(data))
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", errors.ErrCheckpointExists, key)
	}
	return nil
}

// Get returns the blob stored under key.
func (b *PostgresBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM checkpoint_blobs WHERE key = $1`, key).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", errors.ErrCheckpointNotFound, key)
		}
		return nil, fmt.Errorf("failed to get checkpoint %s: %w", key, err)
	}
	return data, nil
}

// List returns the rows whose key starts with prefix.
func (b *PostgresBackend) List(ctx context.Context, prefix string) ([]Object, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT key, size, updated_at FROM checkpoint_blobs
		WHERE left(key, length($1)) = $1
		ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var objects []Object
	for rows.Next() {
		var o Object
		if err := rows.Scan(&o.Key, &o.Size, &o.ModTime); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		objects = append(objects, o)
	}
	return objects, rows.Err()
}

// Close closes the pool.
func (b *PostgresBackend) Close() error {
	return b.db.Close()
}
