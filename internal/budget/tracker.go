package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opspulse/opspulse/internal/alert"
)

// State is the threshold state of one budget window. States only escalate
// within a window; the only downward move is back to normal, and only once
// the rolling total has fallen under the hysteresis margin.
type State int

const (
	StateNormal State = iota
	StateWarning
	StateCritical
	StateExceeded
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateWarning:
		return "warning"
	case StateCritical:
		return "critical"
	case StateExceeded:
		return "exceeded"
	default:
		return "unknown"
	}
}

// WindowKind selects the rolling window shape. Each kind slides over fixed
// sub-buckets so Accumulate stays O(1) amortized.
type WindowKind string

const (
	Daily   WindowKind = "daily"
	Weekly  WindowKind = "weekly"
	Monthly WindowKind = "monthly"
)

// Span returns the window length.
func (k WindowKind) Span() time.Duration {
	switch k {
	case Daily:
		return 24 * time.Hour
	case Weekly:
		return 7 * 24 * time.Hour
	case Monthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// SubBucket returns the fixed sub-bucket width for the kind.
func (k WindowKind) SubBucket() time.Duration {
	switch k {
	case Daily:
		return time.Hour
	case Weekly:
		return 6 * time.Hour
	case Monthly:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// Limit is the configured budget for one scope.
type Limit struct {
	Limit            float64 `yaml:"limit"`
	WarnFraction     float64 `yaml:"warn_fraction"`
	CriticalFraction float64 `yaml:"critical_fraction"`
	// Hysteresis is the margin (as a fraction of the limit) the total must
	// fall below warn by before the state re-enters normal, preventing
	// alert flapping from near-threshold oscillation.
	Hysteresis float64 `yaml:"hysteresis"`
}

func (l *Limit) withDefaults() {
	if l.WarnFraction <= 0 {
		l.WarnFraction = 0.8
	}
	if l.CriticalFraction <= 0 {
		l.CriticalFraction = 0.95
	}
	if l.Hysteresis <= 0 {
		l.Hysteresis = 0.02
	}
}

// Resolver maps a scope to its configured limit.
type Resolver interface {
	Resolve(scope string, kind WindowKind) (Limit, error)
}

// StaticResolver resolves limits from a fixed map, keyed scope or "*" for
// the default.
type StaticResolver map[string]Limit

// Resolve implements Resolver.
func (r StaticResolver) Resolve(scope string, _ WindowKind) (Limit, error) {
	if l, ok := r[scope]; ok {
		return l, nil
	}
	if l, ok := r["*"]; ok {
		return l, nil
	}
	return Limit{}, fmt.Errorf("no budget limit configured for scope %q", scope)
}

// ComputeError reports that a scope's limit could not be resolved. The
// tracker reports the state as normal with an observability warning rather
// than silently escalating.
type ComputeError struct {
	Scope string
	Err   error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("budget compute for scope %s: %v", e.Scope, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

// BudgetState is the observable state of one scope's rolling window.
type BudgetState struct {
	Scope       string     `json:"scope"`
	Kind        WindowKind `json:"kind"`
	Total       float64    `json:"total"`
	Limit       float64    `json:"limit"`
	State       State      `json:"-"`
	StateName   string     `json:"state"`
	WindowStart time.Time  `json:"window_start"`
}

type window struct {
	buckets     []float64
	head        int       // index of the current sub-bucket
	headStart   time.Time // start of the current sub-bucket
	total       float64
	state       State
	windowStart time.Time
}

// Tracker maintains rolling sums per scope against configured limits and
// emits exactly one alert per threshold transition.
type Tracker struct {
	kind     WindowKind
	resolver Resolver
	emit     func(context.Context, alert.Alert)
	now      func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// NewTracker builds a tracker for one window kind. emit may be nil when no
// alerting is wired (tests).
func NewTracker(kind WindowKind, resolver Resolver, emit func(context.Context, alert.Alert)) *Tracker {
	return &Tracker{
		kind:     kind,
		resolver: resolver,
		emit:     emit,
		now:      time.Now,
		windows:  make(map[string]*window),
	}
}

// WithClock pins the tracker's clock, used in tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Accumulate folds amount into the scope's rolling window and returns the
// resulting state. A resolver failure returns a ComputeError alongside a
// normal-state BudgetState; it is never escalated.
func (t *Tracker) Accumulate(ctx context.Context, scope string, amount float64) (BudgetState, error) {
	limit, err := t.resolver.Resolve(scope, t.kind)
	if err != nil {
		cerr := &ComputeError{Scope: scope, Err: err}
		log.Warn().Err(cerr).Str("scope", scope).Msg("budget limit unresolved, reporting normal")
		return BudgetState{
			Scope:     scope,
			Kind:      t.kind,
			State:     StateNormal,
			StateName: StateNormal.String(),
		}, cerr
	}
	limit.withDefaults()

	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.ensureWindow(scope)
	t.advance(w)
	w.buckets[w.head] += amount
	w.total += amount

	prev := w.state
	next := t.transition(w, limit)
	w.state = next

	if next != prev && t.emit != nil {
		t.emit(ctx, transitionAlert(scope, t.kind, prev, next, w.total, limit))
	}

	return BudgetState{
		Scope:       scope,
		Kind:        t.kind,
		Total:       w.total,
		Limit:       limit.Limit,
		State:       w.state,
		StateName:   w.state.String(),
		WindowStart: w.windowStart,
	}, nil
}

// State returns the current state for a scope without accumulating.
func (t *Tracker) State(scope string) (BudgetState, bool) {
	limit, err := t.resolver.Resolve(scope, t.kind)
	if err != nil {
		return BudgetState{}, false
	}
	limit.withDefaults()

	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[scope]
	if !ok {
		return BudgetState{}, false
	}
	t.advance(w)
	return BudgetState{
		Scope:       scope,
		Kind:        t.kind,
		Total:       w.total,
		Limit:       limit.Limit,
		State:       w.state,
		StateName:   w.state.String(),
		WindowStart: w.windowStart,
	}, true
}

func (t *Tracker) ensureWindow(scope string) *window {
	w, ok := t.windows[scope]
	if !ok {
		n := int(t.kind.Span() / t.kind.SubBucket())
		now := t.now().UTC()
		w = &window{
			buckets:     make([]float64, n),
			headStart:   now.Truncate(t.kind.SubBucket()),
			windowStart: now.Truncate(t.kind.SubBucket()),
		}
		t.windows[scope] = w
	}
	return w
}

// advance slides the ring forward to the current sub-bucket, dropping the
// expired ones from the total. Sliding the full ring is the window
// rollover: the state machine resets there and only there.
func (t *Tracker) advance(w *window) {
	width := t.kind.SubBucket()
	now := t.now().UTC()
	cur := now.Truncate(width)

	steps := int(cur.Sub(w.headStart) / width)
	if steps <= 0 {
		return
	}
	if steps >= len(w.buckets) {
		// Entire window expired.
		for i := range w.buckets {
			w.buckets[i] = 0
		}
		w.total = 0
		w.state = StateNormal
		w.head = 0
		w.headStart = cur
		w.windowStart = cur
		return
	}
	for i := 0; i < steps; i++ {
		w.head = (w.head + 1) % len(w.buckets)
		w.total -= w.buckets[w.head]
		w.buckets[w.head] = 0
	}
	w.headStart = cur
	w.windowStart = cur.Add(-time.Duration(len(w.buckets)-1) * width)
}

// transition computes the next state. Escalations are immediate and
// monotone; the only de-escalation is to normal, gated by the hysteresis
// margin below the warning threshold.
func (t *Tracker) transition(w *window, limit Limit) State {
	warnAt := limit.WarnFraction * limit.Limit
	critAt := limit.CriticalFraction * limit.Limit

	var target State
	switch {
	case w.total >= limit.Limit:
		target = StateExceeded
	case w.total >= critAt:
		target = StateCritical
	case w.total >= warnAt:
		target = StateWarning
	default:
		target = StateNormal
	}

	if target > w.state {
		return target
	}
	if target < w.state {
		// De-escalation is one step at a time, so exceeded never reaches
		// normal in a single transition; only a full window rollover does
		// that. Re-entering normal additionally requires clearing the
		// warning threshold by the hysteresis margin.
		next := w.state - 1
		if next == StateNormal && w.total >= warnAt-limit.Hysteresis*limit.Limit {
			return StateWarning
		}
		return next
	}
	return w.state
}

func transitionAlert(scope string, kind WindowKind, from, to State, total float64, limit Limit) alert.Alert {
	sev := alert.SeverityInfo
	threshold := limit.WarnFraction * limit.Limit
	switch to {
	case StateWarning:
		sev = alert.SeverityWarning
	case StateCritical:
		sev = alert.SeverityWarning
		threshold = limit.CriticalFraction * limit.Limit
	case StateExceeded:
		sev = alert.SeverityCritical
		threshold = limit.Limit
	case StateNormal:
		// Recovery notification.
		sev = alert.SeverityInfo
	}
	log.Info().
		Str("scope", scope).
		Str("window", string(kind)).
		Str("from", from.String()).
		Str("to", to.String()).
		Float64("total", total).
		Msg("budget state transition")
	return alert.Alert{
		Scope:          scope,
		Kind:           fmt.Sprintf("budget_%s_%s", kind, to),
		Severity:       sev,
		MetricValue:    total,
		ThresholdValue: threshold,
	}
}
