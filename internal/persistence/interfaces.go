package persistence

import (
	"context"
	"time"

	"github.com/opspulse/opspulse/internal/event"
	"github.com/opspulse/opspulse/internal/rollup"
)

// TimeRange is a half-open [From, To) query interval.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// EventsRepo durably stores raw events for the bounded retention window.
// Raw events back cascade traversal and audit queries; the serving path
// reads rollups and snapshots, never this table.
type EventsRepo interface {
	// Insert stores one event. A duplicate dedupe key is reported as an
	// error the caller treats as already-ingested.
	Insert(ctx context.Context, ev event.Event) error

	// ListErrors returns error-kind events for a tenant in the range,
	// time-ascending.
	ListErrors(ctx context.Context, tenantID string, tr TimeRange, limit int) ([]event.Event, error)

	// PurgeOlderThan deletes events past retention and reports how many
	// rows went.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RollupsRepo is the durable mirror of the in-process bucket store, so a
// restarted node serves from the last committed rollups instead of
// replaying the raw stream.
type RollupsRepo interface {
	// Upsert writes a bucket row, replacing the stored accumulators with
	// the bucket's current state.
	Upsert(ctx context.Context, b *rollup.Bucket) error

	// Range loads buckets for a tenant and granularity in the range. An
	// empty dimension matches all dimensions.
	Range(ctx context.Context, tenantID, dimension string, g rollup.Granularity, tr TimeRange) ([]*rollup.Bucket, error)

	// Tenants lists tenant IDs with at least one committed bucket, used by
	// the startup reload to know whose rollups to restore.
	Tenants(ctx context.Context) ([]string, error)
}
