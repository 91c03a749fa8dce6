package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/opspulse/opspulse/internal/event"
	"github.com/opspulse/opspulse/internal/persistence"
)

// eventsRepo implements EventsRepo for PostgreSQL.
type eventsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewEventsRepo creates a PostgreSQL events repository.
func NewEventsRepo(db *sqlx.DB, timeout time.Duration) persistence.EventsRepo {
	return &eventsRepo{db: db, timeout: timeout}
}

type eventRow struct {
	ID        string    `db:"id"`
	DedupeKey string    `db:"dedupe_key"`
	TenantID  string    `db:"tenant_id"`
	Kind      string    `db:"kind"`
	Dimension string    `db:"dimension"`
	Timestamp time.Time `db:"ts"`
	Measures  []byte    `db:"measures"`
	ParentID  *string   `db:"parent_id"`
	EntityID  *string   `db:"entity_id"`
	ErrorKind *string   `db:"error_kind"`
}

// Insert implements EventsRepo.
func (r *eventsRepo) Insert(ctx context.Context, ev event.Event) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	measuresJSON, err := json.Marshal(ev.Measures)
	if err != nil {
		return fmt.Errorf("marshal measures for event %s: %w", ev.ID, err)
	}

	query := `
		INSERT INTO events (id, dedupe_key, tenant_id, kind, dimension, ts, measures, parent_id, entity_id, error_kind)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''))`

	_, err = r.db.ExecContext(ctx, query,
		ev.ID, ev.DedupeKey, ev.TenantID, string(ev.Kind), ev.Dimension,
		ev.Timestamp.UTC(), measuresJSON, ev.ParentID, ev.EntityID, ev.ErrorKind)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate event %s: %w", ev.DedupeKey, err)
		}
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return nil
}

// ListErrors implements EventsRepo.
func (r *eventsRepo) ListErrors(ctx context.Context, tenantID string, tr persistence.TimeRange, limit int) ([]event.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, dedupe_key, tenant_id, kind, dimension, ts, measures, parent_id, entity_id, error_kind
		FROM events
		WHERE tenant_id = $1 AND kind = $2 AND ts >= $3 AND ts < $4
		ORDER BY ts ASC
		LIMIT $5`

	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows, query, tenantID, string(event.KindError), tr.From, tr.To, limit); err != nil {
		return nil, fmt.Errorf("list error events for tenant %s: %w", tenantID, err)
	}

	out := make([]event.Event, 0, len(rows))
	for _, row := range rows {
		ev, err := row.toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// PurgeOlderThan implements EventsRepo.
func (r *eventsRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE ts < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge events before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	return n, nil
}

func (row eventRow) toEvent() (event.Event, error) {
	ev := event.Event{
		ID:        row.ID,
		DedupeKey: row.DedupeKey,
		TenantID:  row.TenantID,
		Kind:      event.Kind(row.Kind),
		Dimension: row.Dimension,
		Timestamp: row.Timestamp,
	}
	if len(row.Measures) > 0 {
		if err := json.Unmarshal(row.Measures, &ev.Measures); err != nil {
			return event.Event{}, fmt.Errorf("decode measures for event %s: %w", row.ID, err)
		}
	}
	if row.ParentID != nil {
		ev.ParentID = *row.ParentID
	}
	if row.EntityID != nil {
		ev.EntityID = *row.EntityID
	}
	if row.ErrorKind != nil {
		ev.ErrorKind = *row.ErrorKind
	}
	return ev, nil
}
