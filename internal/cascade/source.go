package cascade

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opspulse/opspulse/internal/event"
)

// MemorySource is an in-process Source fed by the ingest path. It retains
// error events for a bounded window and prunes on write.
type MemorySource struct {
	mu        sync.RWMutex
	events    map[string]ErrorEvent
	retention time.Duration
	now       func() time.Time
}

// NewMemorySource creates a source retaining error events for the window.
func NewMemorySource(retention time.Duration) *MemorySource {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &MemorySource{
		events:    make(map[string]ErrorEvent),
		retention: retention,
		now:       time.Now,
	}
}

// Record stores an error event from the ingest pipeline. Non-error events
// are ignored so the caller can feed every merged event through.
func (s *MemorySource) Record(ev event.Event) {
	if ev.Kind != event.KindError {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[ev.ID] = ErrorEvent{
		ID:        ev.ID,
		TenantID:  ev.TenantID,
		Kind:      ev.ErrorKind,
		EntityID:  ev.EntityID,
		ParentID:  ev.ParentID,
		Timestamp: ev.Timestamp.UTC(),
	}

	cutoff := s.now().Add(-s.retention)
	for id, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			delete(s.events, id)
		}
	}
}

// Get implements Source.
func (s *MemorySource) Get(ctx context.Context, id string) (ErrorEvent, error) {
	if err := ctx.Err(); err != nil {
		return ErrorEvent{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return ErrorEvent{}, fmt.Errorf("error event %s not found", id)
	}
	return ev, nil
}

// Children implements Source.
func (s *MemorySource) Children(ctx context.Context, parentID string) ([]ErrorEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ErrorEvent
	for _, ev := range s.events {
		if ev.ParentID == parentID {
			out = append(out, ev)
		}
	}
	sortByTime(out)
	return out, nil
}

// TenantWindow implements Source.
func (s *MemorySource) TenantWindow(ctx context.Context, tenantID string, from, to time.Time) ([]ErrorEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ErrorEvent
	for _, ev := range s.events {
		if ev.TenantID != tenantID {
			continue
		}
		if ev.Timestamp.Before(from) || !ev.Timestamp.Before(to) {
			continue
		}
		out = append(out, ev)
	}
	sortByTime(out)
	return out, nil
}

// Window implements Source.
func (s *MemorySource) Window(ctx context.Context, from, to time.Time) ([]ErrorEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ErrorEvent
	for _, ev := range s.events {
		if ev.Timestamp.Before(from) || !ev.Timestamp.Before(to) {
			continue
		}
		out = append(out, ev)
	}
	sortByTime(out)
	return out, nil
}

func sortByTime(evs []ErrorEvent) {
	sort.Slice(evs, func(i, j int) bool {
		if !evs[i].Timestamp.Equal(evs[j].Timestamp) {
			return evs[i].Timestamp.Before(evs[j].Timestamp)
		}
		return evs[i].ID < evs[j].ID
	})
}
