package relay

import (
	"context"
	"sync"
)

// Iterator turns a push subscription into a lazy pull sequence. It
// buffers one pending resolution at a time: each matching emission
// resolves the current cell and rotates in a fresh one. Multiple
// concurrent consumers observe the same sequence of values.
type Iterator struct {
	router *Router
	sel    Selector
	sub    *Subscription

	mu      sync.Mutex
	cell    *iterCell
	last    Event
	hasLast bool
	done    bool

	cancelOnce sync.Once
	stopped    chan struct{}
}

// iterCell is the one-slot mailbox: ready closes when the cell is
// resolved, either by a delivery (ok) or by cancellation.
type iterCell struct {
	ready chan struct{}
	ev    Event
	ok    bool
}

func newIterCell() *iterCell {
	return &iterCell{ready: make(chan struct{})}
}

// Iterate returns a pull iterator over the selector. The iterator owns
// a live subscription until cancelled.
func (r *Router) Iterate(sel Selector) (*Iterator, error) {
	if err := sel.validate(); err != nil {
		return nil, &ValidationError{Op: "iterate", Event: sel.String(), Err: err}
	}
	it := &Iterator{
		router:  r,
		sel:     sel,
		cell:    newIterCell(),
		stopped: make(chan struct{}),
	}
	sub := &Subscription{
		id:     newSubscriptionID(),
		router: r,
		sel:    sel,
		kind:   KindIterator,
		invoke: it.deliver,
	}
	sub.key = handlerKey(sub.invoke)
	r.insert(sub, false)
	it.sub = sub
	r.spyDispatch(SpyAction{Op: SpyOpSubscribe, Event: sel.Key(), Context: KindIterator})
	return it, nil
}

// IterateContext is like Iterate, with the iterator bound to ctx:
// when ctx is done the iterator is cancelled exactly once. The trip is
// processed on a separate goroutine, so emissions already dispatched
// complete first.
func (r *Router) IterateContext(ctx context.Context, sel Selector) (*Iterator, error) {
	it, err := r.Iterate(sel)
	if err != nil {
		return nil, err
	}
	go func() {
		select {
		case <-ctx.Done():
			it.Cancel()
		case <-it.stopped:
		}
	}()
	return it, nil
}

// deliver resolves the current cell with the event and rotates a fresh
// one. Runs synchronously on the emitter's goroutine.
func (it *Iterator) deliver(ev Event) {
	it.mu.Lock()
	if it.done {
		it.mu.Unlock()
		return
	}
	cell := it.cell
	cell.ev = ev
	cell.ok = true
	it.last = ev
	it.hasLast = true
	it.cell = newIterCell()
	close(cell.ready)
	it.mu.Unlock()
}

// Next blocks until the next matching emission and returns its data.
// After cancellation, calls that were already waiting return the last
// observed value (nil if none was ever observed); subsequent calls
// fail with a DestroyedIteratorError. Done distinguishes the two.
func (it *Iterator) Next(ctx context.Context) (any, error) {
	it.mu.Lock()
	if it.done {
		it.mu.Unlock()
		return nil, &DestroyedIteratorError{Event: it.sel.String()}
	}
	cell := it.cell
	it.mu.Unlock()

	select {
	case <-cell.ready:
		if !cell.ok {
			// Resolved by cancellation with no value ever observed.
			return nil, nil
		}
		return cell.ev.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Emit emits data through the owning router on the iterator's
// selector. Fails with a DestroyedIteratorError after cancellation.
func (it *Iterator) Emit(data any) error {
	it.mu.Lock()
	done := it.done
	it.mu.Unlock()
	if done {
		return &DestroyedIteratorError{Event: it.sel.String()}
	}
	return it.router.Emit(it.sel, data)
}

// Done reports whether the iterator has been cancelled.
func (it *Iterator) Done() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.done
}

// Selector returns the selector the iterator was created over.
func (it *Iterator) Selector() Selector {
	return it.sel
}

// Cancel releases the underlying subscription, marks the iterator
// done, and resolves every outstanding Next with the last observed
// value. Idempotent.
func (it *Iterator) Cancel() {
	it.cancelOnce.Do(func() {
		it.sub.Cancel()
		it.mu.Lock()
		it.done = true
		cell := it.cell
		cell.ev = it.last
		cell.ok = it.hasLast
		close(cell.ready)
		it.mu.Unlock()
		close(it.stopped)
	})
}
