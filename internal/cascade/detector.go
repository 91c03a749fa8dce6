package cascade

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// Severity classifies a cascade by how many distinct entities it touched.
type Severity string

const (
	SeverityIsolated Severity = "isolated"
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// ErrorEvent is the slice of an event the detector traverses: identity,
// tenant, error kind, affected entity and the optional explicit parent
// link.
type ErrorEvent struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Kind      string    `json:"kind"`
	EntityID  string    `json:"entity_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Source is where the detector reads error events from.
type Source interface {
	// Get returns one event by ID.
	Get(ctx context.Context, id string) (ErrorEvent, error)

	// Children returns events explicitly linked to the given parent.
	Children(ctx context.Context, parentID string) ([]ErrorEvent, error)

	// TenantWindow returns a tenant's error events with timestamps in
	// [from, to), time-ascending.
	TenantWindow(ctx context.Context, tenantID string, from, to time.Time) ([]ErrorEvent, error)

	// Window returns all error events in [from, to) across tenants,
	// time-ascending. Used by the offline correlation matrix.
	Window(ctx context.Context, from, to time.Time) ([]ErrorEvent, error)
}

// Cascade is a time-ordered chain of correlated failures traced from a
// root. It is a point-in-time result; once its window closes the caller
// discards it rather than updating it.
type Cascade struct {
	RootID           string       `json:"root_id"`
	TenantID         string       `json:"tenant_id"`
	Events           []ErrorEvent `json:"events"`
	RootCause        ErrorEvent   `json:"root_cause"`
	Severity         Severity     `json:"severity"`
	AffectedEntities int          `json:"affected_entities"`
	DetectedAt       time.Time    `json:"detected_at"`
}

// TimeoutError reports a detection job cancelled by its wall-clock
// budget. The partial result is discarded and the job re-queued.
type TimeoutError struct {
	RootID string
	Err    error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("cascade detection for root %s cancelled: %v", e.RootID, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Config bounds traversal and maps entity counts to severities.
type Config struct {
	// MaxDepth bounds link-following from the root; MaxNodes bounds the
	// whole chain. Both guard against pathological correlation loops
	// together with the visited set.
	MaxDepth int `yaml:"max_depth"`
	MaxNodes int `yaml:"max_nodes"`

	// Proximity is the temporal-correlation fallback window applied after
	// a node when it carries no explicit child links.
	Proximity time.Duration `yaml:"proximity"`

	// Severity thresholds: minimum distinct entities for each class.
	MinorEntities    int `yaml:"minor_entities"`
	ModerateEntities int `yaml:"moderate_entities"`
	MajorEntities    int `yaml:"major_entities"`
	CriticalEntities int `yaml:"critical_entities"`
}

func (c *Config) withDefaults() {
	if c.MaxDepth <= 0 {
		c.MaxDepth = 16
	}
	if c.MaxNodes <= 0 {
		c.MaxNodes = 500
	}
	if c.Proximity <= 0 {
		c.Proximity = 2 * time.Minute
	}
	if c.MinorEntities <= 0 {
		c.MinorEntities = 2
	}
	if c.ModerateEntities <= 0 {
		c.ModerateEntities = 4
	}
	if c.MajorEntities <= 0 {
		c.MajorEntities = 8
	}
	if c.CriticalEntities <= 0 {
		c.CriticalEntities = 16
	}
}

// Detector builds failure cascades by bounded graph traversal.
type Detector struct {
	source Source
	cfg    Config
	now    func() time.Time
}

// NewDetector builds a detector over the error event source.
func NewDetector(source Source, cfg Config) *Detector {
	cfg.withDefaults()
	return &Detector{source: source, cfg: cfg, now: time.Now}
}

type queued struct {
	ev    ErrorEvent
	depth int
}

// DetectCascade traces the failure chain rooted at rootID. Traversal is an
// iterative breadth-first walk: explicit parent/child links are followed
// when present; a node without explicit children falls back to
// temporal-proximity correlation (same tenant, within the proximity window
// after the node). A visited set and the depth/node bounds guard against
// cycles in correlation links.
func (d *Detector) DetectCascade(ctx context.Context, rootID string, window time.Duration) (*Cascade, error) {
	root, err := d.source.Get(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("load root error %s: %w", rootID, err)
	}
	windowEnd := root.Timestamp.Add(window)

	visited := map[string]struct{}{root.ID: {}}
	chain := []ErrorEvent{root}
	queue := []queued{{ev: root, depth: 0}}

	for len(queue) > 0 && len(chain) < d.cfg.MaxNodes {
		if err := ctx.Err(); err != nil {
			// Budget exceeded: the partial chain is discarded, never
			// partially installed.
			return nil, &TimeoutError{RootID: rootID, Err: err}
		}

		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= d.cfg.MaxDepth {
			continue
		}

		next, err := d.successors(ctx, cur.ev, windowEnd)
		if err != nil {
			return nil, err
		}
		for _, ev := range next {
			if _, seen := visited[ev.ID]; seen {
				continue
			}
			if !ev.Timestamp.Before(windowEnd) {
				continue
			}
			visited[ev.ID] = struct{}{}
			chain = append(chain, ev)
			queue = append(queue, queued{ev: ev, depth: cur.depth + 1})
			if len(chain) >= d.cfg.MaxNodes {
				break
			}
		}
	}

	sort.Slice(chain, func(i, j int) bool {
		if !chain[i].Timestamp.Equal(chain[j].Timestamp) {
			return chain[i].Timestamp.Before(chain[j].Timestamp)
		}
		return chain[i].ID < chain[j].ID
	})

	entities := make(map[string]struct{})
	for _, ev := range chain {
		if ev.EntityID != "" {
			entities[ev.EntityID] = struct{}{}
		}
	}

	cascade := &Cascade{
		RootID:           rootID,
		TenantID:         root.TenantID,
		Events:           chain,
		RootCause:        chain[0],
		AffectedEntities: len(entities),
		Severity:         d.classify(len(entities)),
		DetectedAt:       d.now().UTC(),
	}
	log.Debug().
		Str("root", rootID).
		Int("chain", len(chain)).
		Int("entities", len(entities)).
		Str("severity", string(cascade.Severity)).
		Msg("cascade detected")
	return cascade, nil
}

// successors returns the next hop from one node: explicit children when
// present, otherwise temporally-proximate errors of the same tenant.
func (d *Detector) successors(ctx context.Context, ev ErrorEvent, windowEnd time.Time) ([]ErrorEvent, error) {
	children, err := d.source.Children(ctx, ev.ID)
	if err != nil {
		return nil, fmt.Errorf("load children of %s: %w", ev.ID, err)
	}
	if len(children) > 0 {
		return children, nil
	}

	to := ev.Timestamp.Add(d.cfg.Proximity)
	if to.After(windowEnd) {
		to = windowEnd
	}
	near, err := d.source.TenantWindow(ctx, ev.TenantID, ev.Timestamp, to)
	if err != nil {
		return nil, fmt.Errorf("temporal correlation for %s: %w", ev.ID, err)
	}
	// Events with an explicit parent elsewhere are reached through that
	// link, not through proximity.
	out := near[:0]
	for _, n := range near {
		if n.ParentID == "" || n.ParentID == ev.ID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (d *Detector) classify(entities int) Severity {
	switch {
	case entities >= d.cfg.CriticalEntities:
		return SeverityCritical
	case entities >= d.cfg.MajorEntities:
		return SeverityMajor
	case entities >= d.cfg.ModerateEntities:
		return SeverityModerate
	case entities >= d.cfg.MinorEntities:
		return SeverityMinor
	default:
		return SeverityIsolated
	}
}
