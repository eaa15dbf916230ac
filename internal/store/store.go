// Package store is the Postgres bookkeeping layer: the endpoint registry
// fan-out tasks are expanded from, plus an append-only log of delivery
// attempts and exhausted deliveries.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaypoint/relaypoint/internal/endpoint"
	"github.com/relaypoint/relaypoint/internal/fanout"
	"github.com/relaypoint/relaypoint/internal/logging"
)

// Connect establishes a connection pool and verifies it with a bounded ping
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE SCHEMA IF NOT EXISTS relaypoint;

CREATE TABLE IF NOT EXISTS relaypoint.endpoints (
	id          BIGSERIAL PRIMARY KEY,
	class       TEXT NOT NULL DEFAULT 'default',
	url         TEXT NOT NULL,
	headers     JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (class, url)
);

CREATE TABLE IF NOT EXISTS relaypoint.deliveries (
	id          BIGSERIAL PRIMARY KEY,
	action      TEXT NOT NULL,
	class       TEXT NOT NULL,
	url         TEXT NOT NULL,
	attempt     INT NOT NULL,
	success     BOOLEAN NOT NULL,
	http_status INT,
	last_error  TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS relaypoint.exhausted (
	id          BIGSERIAL PRIMARY KEY,
	action      TEXT NOT NULL,
	class       TEXT NOT NULL,
	url         TEXT NOT NULL,
	attempt     INT NOT NULL,
	http_status INT,
	last_error  TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS deliveries_action_idx ON relaypoint.deliveries (action, created_at DESC);
`

// Migrate applies the schema. Idempotent; the worker runs it at boot.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Store wraps a pool with the relaypoint queries
type Store struct {
	pool *pgxpool.Pool
	log  *logging.Logger
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, log: logging.New("relaypoint-store")}
}

// Endpoints loads the registered endpoint set for a delivery class. Header
// rows are stored as JSONB in either accepted external shape and
// canonicalized on the way out.
func (s *Store) Endpoints(ctx context.Context, class string) ([]endpoint.Endpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT url, headers FROM relaypoint.endpoints
		WHERE class = $1
		ORDER BY id`, class)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endpoints []endpoint.Endpoint
	for rows.Next() {
		var url string
		var rawHeaders []byte
		if err := rows.Scan(&url, &rawHeaders); err != nil {
			return nil, err
		}
		endpoints = append(endpoints, endpoint.New(url, s.decodeHeaderSpec(url, rawHeaders)))
	}
	return endpoints, rows.Err()
}

// decodeHeaderSpec parses a stored JSONB header spec. A malformed row
// degrades to no headers with a warning rather than failing the lookup.
func (s *Store) decodeHeaderSpec(url string, raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var spec any
	if err := json.Unmarshal(raw, &spec); err != nil {
		s.log.Plain().WithEndpoint(url).WithError(err).Warn("malformed endpoint headers, using none")
		return nil
	}
	return spec
}

// AddEndpoint registers (or updates) an endpoint for a class
func (s *Store) AddEndpoint(ctx context.Context, class string, ep endpoint.Endpoint) error {
	headers, err := json.Marshal(ep.Headers)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO relaypoint.endpoints (class, url, headers)
		VALUES ($1, $2, $3)
		ON CONFLICT (class, url) DO UPDATE SET headers = EXCLUDED.headers`,
		class, ep.URL, headers)
	return err
}

// RecordBatch appends every result of one attempt to the delivery log
func (s *Store) RecordBatch(ctx context.Context, action, class string, batch fanout.Batch) error {
	if len(batch) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, r := range batch {
		b.Queue(`
			INSERT INTO relaypoint.deliveries (action, class, url, attempt, success, http_status, last_error)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, 0), NULLIF($7, ''))`,
			action, class, r.URL, r.Attempt, r.Success, r.Status, r.Error)
	}
	br := s.pool.SendBatch(ctx, b)
	defer br.Close()
	for range batch {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("record delivery batch: %w", err)
		}
	}
	return nil
}

// RecordExhausted appends the residual failures of a dead delivery
func (s *Store) RecordExhausted(ctx context.Context, action, class string, failed fanout.Batch) error {
	if len(failed) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, r := range failed {
		b.Queue(`
			INSERT INTO relaypoint.exhausted (action, class, url, attempt, http_status, last_error)
			VALUES ($1, $2, $3, $4, NULLIF($5, 0), NULLIF($6, ''))`,
			action, class, r.URL, r.Attempt, r.Status, r.Error)
	}
	br := s.pool.SendBatch(ctx, b)
	defer br.Close()
	for range failed {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("record exhausted batch: %w", err)
		}
	}
	return nil
}

// DeliveryRow is one row of the delivery log as surfaced to the CLI
type DeliveryRow struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Class     string    `json:"class"`
	URL       string    `json:"url"`
	Attempt   int       `json:"attempt"`
	Success   bool      `json:"success"`
	Status    int       `json:"status,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RecentDeliveries returns the newest rows of the delivery log, optionally
// filtered by action.
func (s *Store) RecentDeliveries(ctx context.Context, action string, limit int) ([]DeliveryRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, action, class, url, attempt, success, COALESCE(http_status, 0), COALESCE(last_error, ''), created_at
		FROM relaypoint.deliveries
		WHERE $1 = '' OR action = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, action, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryRow
	for rows.Next() {
		var d DeliveryRow
		if err := rows.Scan(&d.ID, &d.Action, &d.Class, &d.URL, &d.Attempt, &d.Success, &d.Status, &d.LastError, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
