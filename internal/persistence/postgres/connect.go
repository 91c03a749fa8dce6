package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// schema is applied idempotently at startup. Measures are JSONB so new
// measure names need no migration.
const schema = `
CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	dedupe_key  TEXT NOT NULL UNIQUE,
	tenant_id   TEXT NOT NULL,
	kind        TEXT NOT NULL,
	dimension   TEXT NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	measures    JSONB NOT NULL DEFAULT '{}',
	parent_id   TEXT,
	entity_id   TEXT,
	error_kind  TEXT
);
CREATE INDEX IF NOT EXISTS events_tenant_ts ON events (tenant_id, ts);
CREATE INDEX IF NOT EXISTS events_tenant_kind_ts ON events (tenant_id, kind, ts);

CREATE TABLE IF NOT EXISTS rollup_buckets (
	tenant_id    TEXT NOT NULL,
	dimension    TEXT NOT NULL,
	granularity  TEXT NOT NULL,
	bucket_start TIMESTAMPTZ NOT NULL,
	events       BIGINT NOT NULL,
	measures     JSONB NOT NULL DEFAULT '{}',
	version      BIGINT NOT NULL,
	dirty        BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, dimension, granularity, bucket_start)
);
CREATE INDEX IF NOT EXISTS rollup_buckets_tenant_gran ON rollup_buckets (tenant_id, granularity, bucket_start);
`

// Connect opens and tunes a PostgreSQL pool.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// EnsureSchema applies the schema.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
