package usage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink persists usage events in Postgres. Idempotency is enforced
// by the primary key on the idempotency key column.
type PostgresSink struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS tts_usage (
	idempotency_key TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL,
	segment_id      TEXT NOT NULL,
	provider        TEXT NOT NULL,
	tier            TEXT NOT NULL,
	lang            TEXT NOT NULL,
	characters      INT  NOT NULL,
	occurred_at     TIMESTAMPTZ NOT NULL
)`

const insertEventSQL = `
INSERT INTO tts_usage
	(idempotency_key, session_id, segment_id, provider, tier, lang, characters, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (idempotency_key) DO NOTHING`

// NewPostgresSink connects to dsn and ensures the usage table exists.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("usage: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("usage: create table: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

// Record inserts the event; a duplicate key is silently a no-op.
func (p *PostgresSink) Record(ctx context.Context, ev Event) error {
	_, err := p.pool.Exec(ctx, insertEventSQL,
		ev.Key, ev.SessionID, ev.SegmentID, ev.Provider, ev.Tier, ev.Lang,
		ev.Characters, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("usage: insert event: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (p *PostgresSink) Close() {
	p.pool.Close()
}
