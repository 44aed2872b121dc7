// Package queue provides an event-driven work queue on top of the
// relay router: admissions arrive as emissions of a bound selector,
// are buffered by priority, and are processed by a generation-guarded
// worker pool under rate limiting, timeouts and a four-state
// lifecycle. Every queue phase is emitted back through the router
// under "queue:<name>:<phase>".
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/relay"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ProcessFunc is the user-supplied processing function. The context
// carries the task timeout when one is configured; implementations
// should respect its cancellation.
type ProcessFunc func(ctx context.Context, item Item) error

// Option configures a Queue at construction.
type Option func(*Queue)

// WithLogger sets the logger for phase and failure output.
func WithLogger(l relay.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithEventEmitter exports every queue phase as a CloudEvent through
// the given emitter.
func WithEventEmitter(e EventEmitter) Option {
	return func(q *Queue) {
		q.emitter = e
	}
}

// WithClock injects the clock used for elapsed time and token refill.
func WithClock(c Clock) Option {
	return func(q *Queue) {
		if c != nil {
			q.clock = c
		}
	}
}

// WithIDs injects the task identifier source.
func WithIDs(fn func() string) Option {
	return func(q *Queue) {
		if fn != nil {
			q.newID = fn
		}
	}
}

// admissionIntent carries the priority recorded by Add to the
// admission listener, and the admission verdict back. Published and
// consumed atomically; the verdict is atomic because an emission of
// the bound selector from another goroutine may consume the intent.
type admissionIntent struct {
	priority int
	admitted atomic.Bool
}

// Queue binds a router, a selector and a processing function into a
// controlled background work queue.
type Queue struct {
	name    string
	router  *relay.Router
	sel     relay.Selector
	process ProcessFunc
	cfg     Config

	logger  relay.Logger
	emitter EventEmitter
	clock   Clock
	newID   func() string

	machine *machine
	buffer  *priorityBuffer
	limiter *tokenBucket
	stats   *statsCollector

	mu        sync.Mutex // lifecycle operations, admission listener, cron
	admission *relay.Subscription
	cron      *cron.Cron
	closed    bool

	addMu  sync.Mutex // serialises Add calls
	intent atomic.Pointer[admissionIntent]

	generation atomic.Uint64
	active     atomic.Int64
	idle       atomic.Bool
	wg         sync.WaitGroup
}

// New constructs a queue. The configuration is validated after
// defaults are applied; any violation aborts construction. With
// cfg.AutoStart the queue is started before New returns.
func New(router *relay.Router, sel relay.Selector, process ProcessFunc, cfg Config, opts ...Option) (*Queue, error) {
	if router == nil {
		return nil, ErrRouterNil
	}
	if process == nil {
		return nil, ErrProcessFuncNil
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	q := &Queue{
		name:    cfg.Name,
		router:  router,
		sel:     sel,
		process: process,
		cfg:     cfg,
		clock:   systemClock{},
		newID:   newTaskID,
		machine: newMachine(),
		buffer:  newPriorityBuffer(cfg.Type == TypeLIFO),
	}
	for _, opt := range opts {
		opt(q)
	}

	if cfg.RateLimitCapacity > 0 {
		q.limiter = newTokenBucket(
			cfg.RateLimitCapacity,
			time.Duration(cfg.RateLimitIntervalMs)*time.Millisecond,
			q.clock,
		)
	}

	stats, err := newStatsCollector(router, q.name)
	if err != nil {
		return nil, err
	}
	q.stats = stats

	if cfg.AutoStart {
		if err := q.Start(); err != nil {
			q.stats.detach()
			return nil, err
		}
	}
	return q, nil
}

func newTaskID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

func (q *Queue) log() relay.Logger {
	if q.logger != nil {
		return q.logger
	}
	return relay.NewSlogLogger(nil)
}

// Name returns the queue's identifier.
func (q *Queue) Name() string {
	return q.name
}

// State returns the current lifecycle state.
func (q *Queue) State() State {
	return q.machine.state()
}

// Pending returns the number of buffered items.
func (q *Queue) Pending() int {
	return q.buffer.size()
}

// Stats returns a copy of the event-derived counters.
func (q *Queue) Stats() Stats {
	return q.stats.snapshot()
}

// Snapshot is a composite read-only view of the queue.
type Snapshot struct {
	Name          string             `json:"name"`
	State         State              `json:"state"`
	Pending       int                `json:"pending"`
	ActiveRunners int                `json:"activeRunners"`
	Stats         Stats              `json:"stats"`
	RateLimit     *RateLimitSnapshot `json:"rateLimit,omitempty"`
}

// Snapshot returns the composite view.
func (q *Queue) Snapshot() Snapshot {
	snap := Snapshot{
		Name:          q.name,
		State:         q.machine.state(),
		Pending:       q.buffer.size(),
		ActiveRunners: int(q.active.Load()),
		Stats:         q.stats.snapshot(),
	}
	if q.limiter != nil {
		rl := q.limiter.snapshot()
		snap.RateLimit = &rl
	}
	return snap
}

// topic returns the namespaced router event name for a phase.
func (q *Queue) topic(phase string) string {
	return "queue:" + q.name + ":" + phase
}

// Subscribe registers a handler for one of the queue's phases.
func (q *Queue) Subscribe(phase string, h relay.Handler) (*relay.Subscription, error) {
	return q.router.Subscribe(relay.On(q.topic(phase)), h)
}

// SubscribeOnce registers a one-shot handler for a phase.
func (q *Queue) SubscribeOnce(phase string, h relay.Handler) (*relay.Subscription, error) {
	return q.router.SubscribeOnce(relay.On(q.topic(phase)), h)
}

// Unsubscribe removes a phase handler.
func (q *Queue) Unsubscribe(phase string, h relay.Handler) error {
	return q.router.Unsubscribe(relay.On(q.topic(phase)), h)
}

// emitPhase emits a phase through the router wrapped in the sentinel
// envelope, mirrors it to the CloudEvents emitter when one is set, and
// honours the debug option.
func (q *Queue) emitPhase(phase string, data any) {
	env := &Envelope{Queue: q.name, Phase: phase, Data: data}
	if err := q.router.Emit(relay.On(q.topic(phase)), env); err != nil {
		q.log().Error("queue phase emission failed", "queue", q.name, "phase", phase, "error", err)
	}
	q.logPhase(phase, data)
	if q.emitter != nil {
		ev := relay.NewCloudEvent(eventType(phase), "queue-"+q.name, data, nil)
		if err := q.emitter.EmitEvent(context.Background(), ev); err != nil {
			q.log().Debug("failed to emit cloud event", "queue", q.name, "phase", phase, "error", err)
		}
	}
}

// logPhase prints phase events per the debug option: "info" logs
// lifecycle phases, "verbose" logs every phase with its payload.
func (q *Queue) logPhase(phase string, data any) {
	switch q.cfg.Debug {
	case DebugInfo:
		switch phase {
		case PhaseAdded, PhaseProcessing, PhaseSuccess, PhaseError,
			PhaseIdle, PhaseEmpty, PhaseRateLimited:
			return
		}
		q.log().Info("queue phase", "queue", q.name, "phase", phase)
	case DebugVerbose:
		q.log().Debug("queue phase", "queue", q.name, "phase", phase, "data", data)
	}
}

// installListener subscribes the admission listener on the bound
// selector. Callers hold q.mu.
func (q *Queue) installListener() error {
	if q.admission != nil {
		return nil
	}
	sub, err := q.router.Subscribe(q.sel, q.onAdmission)
	if err != nil {
		return err
	}
	q.admission = sub
	return nil
}

// detachListener removes the admission listener. Callers hold q.mu.
func (q *Queue) detachListener() {
	if q.admission != nil {
		q.admission.Cancel()
		q.admission = nil
	}
}

// onAdmission intercepts emissions of the bound selector and enqueues
// them. Queue-emitted envelopes are skipped so the queue's own
// lifecycle traffic can never self-admit.
func (q *Queue) onAdmission(ev relay.Event) {
	if IsEnvelope(ev.Data) {
		return
	}

	priority := 0
	intent := q.intent.Swap(nil)
	if intent != nil {
		priority = intent.priority
	}

	if !q.machine.is(StateRunning, StatePaused) {
		q.emitPhase(PhaseRejected, RejectedEvent{Reason: RejectedNotRunning, Data: ev.Data})
		return
	}
	if q.cfg.MaxQueueSize > 0 && q.buffer.size() >= q.cfg.MaxQueueSize {
		q.emitPhase(PhaseRejected, RejectedEvent{Reason: RejectedFull, Data: ev.Data})
		return
	}

	item := Item{ID: q.newID(), Data: ev.Data, Priority: priority}
	q.buffer.push(item)
	q.idle.Store(false)
	if intent != nil {
		intent.admitted.Store(true)
	}
	q.emitPhase(PhaseAdded, AddedEvent{Item: item})
}

// Add records the priority for the payload and emits the bound
// selector; the admission listener enqueues it. It reports whether the
// payload was admitted — a refusal is signalled by a "rejected" phase
// event, never an error.
//
// When the queue is bound to a pattern selector the payload is handed
// to the admission path directly, since emitting a pattern cannot
// reach the pattern-subscribed listener.
func (q *Queue) Add(data any, priority int) bool {
	q.addMu.Lock()
	defer q.addMu.Unlock()

	intent := &admissionIntent{priority: priority}
	q.intent.Store(intent)

	if q.sel.IsPattern() {
		q.onAdmission(relay.Event{Name: q.sel.Key(), Data: data})
	} else {
		if err := q.router.Emit(q.sel, data); err != nil {
			q.intent.CompareAndSwap(intent, nil)
			q.log().Error("queue admission emit failed", "queue", q.name, "error", err)
			return false
		}
	}

	q.intent.CompareAndSwap(intent, nil)
	return intent.admitted.Load()
}

// Start transitions stopped -> running, installs the admission
// listener and launches a new worker generation. A no-op when already
// running.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.machine.state() == StateRunning {
		return nil
	}
	if err := q.machine.to(StateRunning); err != nil {
		return err
	}
	if err := q.installListener(); err != nil {
		return err
	}
	q.emitPhase(PhaseStart, nil)
	gen := q.launchWorkers()
	q.emitPhase(PhaseStarted, StartedEvent{Concurrency: q.cfg.Concurrency, Generation: gen})
	return nil
}

// Pause transitions to paused. Workers finish their current task but
// pull no new ones; no new generation is issued.
func (q *Queue) Pause() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.machine.to(StatePaused); err != nil {
		return err
	}
	q.emitPhase(PhasePaused, nil)
	return nil
}

// Resume re-installs the admission listener if necessary, transitions
// back to running and launches a new worker generation.
func (q *Queue) Resume() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.machine.to(StateRunning); err != nil {
		return err
	}
	if err := q.installListener(); err != nil {
		return err
	}
	q.launchWorkers()
	q.emitPhase(PhaseResumed, nil)
	return nil
}

// Stop removes the admission listener, transitions to stopped and
// advances the generation so active workers exit after their current
// task.
func (q *Queue) Stop() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopLocked()
}

func (q *Queue) stopLocked() error {
	if err := q.machine.to(StateStopped); err != nil {
		return err
	}
	q.detachListener()
	q.generation.Add(1)
	q.stopCron()
	q.emitPhase(PhaseStopped, nil)
	return nil
}

// Shutdown winds the queue down. With force=false it drains: admission
// closes, every buffered item is processed sequentially under the
// draining state, and the queue stops; the number of items processed
// is returned. With force=true the buffer is purged instead and the
// pending count returned. Returns 0 when already draining or stopped.
func (q *Queue) Shutdown(force bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.machine.is(StateDraining, StateStopped) {
		return 0
	}

	if force {
		count := q.buffer.clear()
		if err := q.machine.to(StateStopped); err != nil {
			q.log().Error("queue shutdown transition failed", "queue", q.name, "error", err)
		}
		q.detachListener()
		q.generation.Add(1)
		q.stopCron()
		q.emitPhase(PhaseShutdown, CountEvent{Count: count})
		return count
	}

	if q.machine.state() == StateRunning {
		if err := q.machine.to(StatePaused); err != nil {
			q.log().Error("queue shutdown transition failed", "queue", q.name, "error", err)
			return 0
		}
	}
	if err := q.machine.to(StateDraining); err != nil {
		q.log().Error("queue shutdown transition failed", "queue", q.name, "error", err)
		return 0
	}
	q.detachListener()
	q.generation.Add(1)
	q.emitPhase(PhaseDrain, nil)

	count := 0
	for {
		item, ok := q.buffer.pop()
		if !ok {
			break
		}
		q.processItem(item, false)
		count++
	}
	q.emitPhase(PhaseDrained, CountEvent{Count: count})

	if err := q.machine.to(StateStopped); err != nil {
		q.log().Error("queue shutdown transition failed", "queue", q.name, "error", err)
	}
	q.stopCron()
	q.emitPhase(PhaseShutdown, CountEvent{Count: count})
	return count
}

// Flush pops up to limit items (limit <= 0 drains everything) and
// processes them sequentially on the caller's goroutine, bypassing
// rate limiting the way the draining state does.
func (q *Queue) Flush(limit int) int {
	q.emitPhase(PhaseFlush, CountEvent{Count: limit})
	items := q.buffer.popMany(limit)
	for _, item := range items {
		q.processItem(item, false)
	}
	q.emitPhase(PhaseFlushed, CountEvent{Count: len(items)})
	return len(items)
}

// Purge clears the buffer without processing and reports how many
// items were dropped.
func (q *Queue) Purge() int {
	count := q.buffer.clear()
	q.emitPhase(PhasePurged, CountEvent{Count: count})
	return count
}

// Close stops the queue if needed, detaches the statistics collector
// and the cron entries, and emits the "cleanup" phase. The queue is
// unusable afterwards.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if !q.machine.is(StateStopped) {
		if err := q.stopLocked(); err != nil {
			q.log().Error("queue close stop failed", "queue", q.name, "error", err)
		}
	}
	q.stopCron()
	q.stats.detach()
	q.emitPhase(PhaseCleanup, nil)
}
