package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/kalambet/curio/internal/config"
)

const pgDriver = "pgx"

// Postgres keeps one row per record in curio_records.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens dsn, pings it, and ensures the records table exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	db, err := sql.Open(pgDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureRecordsTable(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func ensureRecordsTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS curio_records (
		namespace  TEXT NOT NULL,
		id         TEXT NOT NULL,
		payload    JSONB NOT NULL,
		synced_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (namespace, id)
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure records table: %w", err)
	}
	return nil
}

func (p *Postgres) Name() string { return config.DriverPostgres }

// DB exposes the underlying pool for tests.
func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Upsert(ctx context.Context, namespace, id string, payload json.RawMessage) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO curio_records (namespace, id, payload, synced_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (namespace, id) DO UPDATE
		SET payload = EXCLUDED.payload, synced_at = EXCLUDED.synced_at`,
		namespace, id, string(payload))
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", namespace, id, err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, namespace, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM curio_records WHERE namespace = $1 AND id = $2`, namespace, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, id, err)
	}
	return nil
}

// Get returns the stored payload for a record, for tests and diagnostics.
func (p *Postgres) Get(ctx context.Context, namespace, id string) (json.RawMessage, error) {
	var payload string
	err := p.db.QueryRowContext(ctx, `SELECT payload::text FROM curio_records WHERE namespace = $1 AND id = $2`, namespace, id).Scan(&payload)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}
