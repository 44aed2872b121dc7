package queue

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Queue phase names, emitted through the router under
// "queue:<name>:<phase>".
const (
	PhaseAdded       = "added"
	PhaseStart       = "start"
	PhaseStarted     = "started"
	PhaseStopped     = "stopped"
	PhaseProcessing  = "processing"
	PhaseSuccess     = "success"
	PhaseError       = "error"
	PhaseTimeout     = "timeout"
	PhaseRateLimited = "rate-limited"
	PhaseEmpty       = "empty"
	PhaseIdle        = "idle"
	PhaseRejected    = "rejected"
	PhaseDrain       = "drain"
	PhaseDrained     = "drained"
	PhaseFlush       = "flush"
	PhaseFlushed     = "flushed"
	PhasePaused      = "paused"
	PhaseResumed     = "resumed"
	PhaseCleanup     = "cleanup"
	PhasePurged      = "purged"
	PhaseShutdown    = "shutdown"
)

// Rejection reasons carried by RejectedEvent.
const (
	RejectedFull       = "full"
	RejectedNotRunning = "notRunning"
)

// Envelope wraps every payload the queue emits through its router so
// that the admission listener and pattern-matching subscribers can
// tell queue lifecycle traffic from user payloads and skip
// self-admission. External subscribers unwrap via the Data field.
type Envelope struct {
	// Queue is the emitting queue's name.
	Queue string `json:"queue"`

	// Phase is the lifecycle phase the payload belongs to.
	Phase string `json:"phase"`

	// Data is the phase payload.
	Data any `json:"data"`
}

// IsEnvelope reports whether a payload is a queue-emitted envelope.
func IsEnvelope(v any) bool {
	_, ok := v.(*Envelope)
	return ok
}

// AddedEvent is the payload of the "added" phase.
type AddedEvent struct {
	Item Item `json:"item"`
}

// StartedEvent is the payload of the "started" phase.
type StartedEvent struct {
	Concurrency int    `json:"concurrency"`
	Generation  uint64 `json:"generation"`
}

// ProcessingEvent is the payload of the "processing" phase.
type ProcessingEvent struct {
	Item        Item      `json:"item"`
	StartedAt   time.Time `json:"startedAt"`
	RateLimited bool      `json:"rateLimited"`
}

// SuccessEvent is the payload of the "success" phase.
type SuccessEvent struct {
	Item        Item          `json:"item"`
	StartedAt   time.Time     `json:"startedAt"`
	Elapsed     time.Duration `json:"elapsed"`
	RateLimited bool          `json:"rateLimited"`
}

// ErrorEvent is the payload of the "error" phase.
type ErrorEvent struct {
	Item        Item  `json:"item"`
	Err         error `json:"-"`
	RateLimited bool  `json:"rateLimited"`
}

// TimeoutEvent is the payload of the "timeout" phase, emitted before
// the error path runs.
type TimeoutEvent struct {
	Item  Item          `json:"item"`
	Limit time.Duration `json:"limit"`
}

// RateLimitedEvent is the payload of the "rate-limited" phase, emitted
// exactly once per throttled item.
type RateLimitedEvent struct {
	Item Item `json:"item"`
}

// RejectedEvent is the payload of the "rejected" phase.
type RejectedEvent struct {
	Reason string `json:"reason"`
	Data   any    `json:"data"`
}

// CountEvent is the payload of the phases that report a count: drained,
// flushed, purged and shutdown carry an item count; flush carries the
// requested limit (<= 0 meaning everything).
type CountEvent struct {
	Count int `json:"count"`
}

// EventEmitter receives queue lifecycle events as CloudEvents for
// export to external systems. Emission failures are logged, never
// fatal.
type EventEmitter interface {
	EmitEvent(ctx context.Context, event cloudevents.Event) error
}

// CloudEvents type constants for queue events, following reverse
// domain notation. The full set is "com.relay.queue." + phase.
const (
	EventTypeProcessing = "com.relay.queue.processing"
	EventTypeSuccess    = "com.relay.queue.success"
	EventTypeError      = "com.relay.queue.error"
	EventTypeRejected   = "com.relay.queue.rejected"
	EventTypeShutdown   = "com.relay.queue.shutdown"
)

// eventType maps a phase to its CloudEvents type.
func eventType(phase string) string {
	return "com.relay.queue." + phase
}
