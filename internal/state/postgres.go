package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS calnotify_state (
	key        TEXT PRIMARY KEY,
	record     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// PostgresStore keeps records in the calnotify_state table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and creates the table if missing.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the state table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("creating state table: %w", err)
	}
	return nil
}

// Load reads the record for key.
func (s *PostgresStore) Load(ctx context.Context, key string) (Record, error) {
	if err := validKey(key); err != nil {
		return Record{}, err
	}

	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM calnotify_state WHERE key = $1`, key).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return emptyRecord(), nil
		}
		return Record{}, fmt.Errorf("querying state: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("parsing state: %w", err)
	}
	return fixup(rec), nil
}

// Save upserts the record for key.
func (s *PostgresStore) Save(ctx context.Context, key string, rec Record) error {
	if err := validKey(key); err != nil {
		return err
	}
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(fixup(rec))
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO calnotify_state (key, record, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET record = EXCLUDED.record, updated_at = EXCLUDED.updated_at
	`, key, data, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving state: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
