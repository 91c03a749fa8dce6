package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the class of operational fact an event records.
type Kind string

const (
	KindTaskRun        Kind = "task_run"
	KindAPICall        Kind = "api_call"
	KindError          Kind = "error"
	KindResourceSample Kind = "resource_sample"
)

// RejectReason explains why an event was refused at the ingest boundary.
type RejectReason string

const (
	ReasonMalformed     RejectReason = "malformed"
	ReasonLate          RejectReason = "late"
	ReasonOverRetention RejectReason = "over_retention"
	ReasonBackpressure  RejectReason = "backpressure"
)

// Event is an immutable, tenant-scoped, timestamped fact. Producers create
// events; nothing in this system mutates one after submission.
type Event struct {
	ID        string    `json:"id"`
	DedupeKey string    `json:"dedupe_key"`
	TenantID  string    `json:"tenant_id"`
	Kind      Kind      `json:"kind"`
	Dimension string    `json:"dimension"`
	Timestamp time.Time `json:"timestamp"`

	// Measures are named numeric samples (duration_ms, bytes, cpu_pct ...).
	Measures map[string]float64 `json:"measures"`

	// Correlation metadata, present on error events only.
	ParentID  string `json:"parent_id,omitempty"`
	EntityID  string `json:"entity_id,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// RejectError is a non-fatal ingest rejection: logged and counted by the
// caller, never escalated.
type RejectError struct {
	Reason  RejectReason
	EventID string
	Detail  string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("event %s rejected (%s): %s", e.EventID, e.Reason, e.Detail)
}

// Retriable reports whether the producer may usefully resubmit the event.
// Only backpressure rejections are retriable.
func (e *RejectError) Retriable() bool {
	return e.Reason == ReasonBackpressure
}

// New constructs an event with a generated ID and a dedupe key derived from
// it. Callers that need at-least-once semantics should set DedupeKey to a
// producer-stable value instead.
func New(tenantID string, kind Kind, dimension string, ts time.Time) Event {
	id := uuid.New().String()
	return Event{
		ID:        id,
		DedupeKey: id,
		TenantID:  tenantID,
		Kind:      kind,
		Dimension: dimension,
		Timestamp: ts,
		Measures:  make(map[string]float64),
	}
}

// Validate checks structural invariants. A failure here maps to a
// "malformed" rejection at the ingest boundary.
func (e Event) Validate() error {
	if e.TenantID == "" {
		return &RejectError{Reason: ReasonMalformed, EventID: e.ID, Detail: "missing tenant id"}
	}
	if e.Kind == "" {
		return &RejectError{Reason: ReasonMalformed, EventID: e.ID, Detail: "missing kind"}
	}
	if e.Dimension == "" {
		return &RejectError{Reason: ReasonMalformed, EventID: e.ID, Detail: "missing dimension"}
	}
	if e.Timestamp.IsZero() {
		return &RejectError{Reason: ReasonMalformed, EventID: e.ID, Detail: "zero timestamp"}
	}
	if e.DedupeKey == "" {
		return &RejectError{Reason: ReasonMalformed, EventID: e.ID, Detail: "missing dedupe key"}
	}
	return nil
}
