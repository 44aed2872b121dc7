package relay

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Handler is a callback invoked synchronously for each matching
// emission. Payloads are erased to any at the router boundary; handlers
// branch or assert at the edges.
type Handler func(ev Event)

// Event is the value delivered to handlers: the resolved literal event
// name and the emitted payload.
type Event struct {
	Name string
	Data any
}

// Subscription kinds as reported by Internals.
const (
	KindPersistent = "persistent"
	KindOnce       = "once"
	KindIterator   = "iterator"
)

// Subscription is the cleanup handle returned by Subscribe and
// SubscribeOnce. Invoking Cancel removes exactly this (selector,
// handler) pair from the registry.
type Subscription struct {
	id     string
	router *Router
	sel    Selector
	kind   string

	// invoke is what emission calls; for once subscriptions it is the
	// self-removing trampoline, for iterator subscriptions the mailbox
	// delivery.
	invoke Handler

	// key is the identity of the caller's handler, used for idempotent
	// re-subscription and handler-based unsubscription.
	key uintptr

	fired     atomic.Bool // once subscriptions only
	cancelled atomic.Bool
}

// ID returns the unique identifier of this subscription.
func (s *Subscription) ID() string {
	return s.id
}

// Selector returns the selector this subscription was registered under.
func (s *Subscription) Selector() Selector {
	return s.sel
}

// Kind returns the subscription kind: persistent, once or iterator.
func (s *Subscription) Kind() string {
	return s.kind
}

// Cancel removes the subscription from its router and dispatches an
// "off" side-channel notice. It is idempotent and safe to call from
// any goroutine, including from inside a handler.
func (s *Subscription) Cancel() {
	if s.cancelled.Swap(true) {
		return
	}
	s.router.remove(s, SpyOpCleanup)
}

// handlerKey derives a stable identity for a handler value. Go
// function values are not comparable, so the registry keys handler
// identity on the code pointer. Closures created from the same
// function literal share an identity; callers that need to tell such
// handlers apart hold on to the returned Subscription instead.
func handlerKey(h Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}

func newSubscriptionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// Pending is the future-like value returned by Once when no handler is
// supplied: it resolves with the next matching event. It bundles the
// future and its cleanup rather than attaching fields to the future.
type Pending struct {
	mu   sync.Mutex
	sub  *Subscription
	done chan struct{}
	ev   Event
	err  error
}

// Wait blocks until the next matching event is emitted, the Pending is
// cancelled, or the context is done.
func (p *Pending) Wait(ctx context.Context) (Event, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.ev, p.err
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Cancel detaches the internal subscription and fails any Wait with
// ErrPendingCancelled. Idempotent.
func (p *Pending) Cancel() {
	p.sub.Cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	p.err = ErrPendingCancelled
	close(p.done)
}

func (p *Pending) resolve(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	p.ev = ev
	close(p.done)
}
