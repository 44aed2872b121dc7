package relay

import "sync"

// Observer is a scoped bundle of subscriptions against a parent
// router: every subscription made through it is tracked so that a
// single Cleanup call detaches them all. The parent's side-channel
// notices keep the local index symmetric with external removals, so a
// subscription cancelled elsewhere never leaves a dangling record.
//
// Embed an Observer in a component to give it router access with
// automatic teardown.
type Observer struct {
	router *Router

	mu     sync.Mutex
	owned  map[string][]*Subscription // selector key -> owned subscriptions
	closed bool

	sideToken int
}

// Observe binds a new child observer to the router.
func (r *Router) Observe() *Observer {
	o := &Observer{
		router: r,
		owned:  make(map[string][]*Subscription),
	}
	o.sideToken = r.sideAttach(o.onSideNotice)
	return o
}

// Router returns the parent router.
func (o *Observer) Router() *Router {
	return o.router
}

// Subscribe registers a handler through the parent router and tracks
// the subscription in the observer's index.
func (o *Observer) Subscribe(sel Selector, h Handler) (*Subscription, error) {
	sub, err := o.router.Subscribe(sel, h)
	if err != nil {
		return nil, err
	}
	if err := o.track(sub); err != nil {
		sub.Cancel()
		return nil, err
	}
	return sub, nil
}

// SubscribeOnce registers a one-shot handler through the parent router
// and tracks it until it fires or is removed.
func (o *Observer) SubscribeOnce(sel Selector, h Handler) (*Subscription, error) {
	sub, err := o.router.SubscribeOnce(sel, h)
	if err != nil {
		return nil, err
	}
	if err := o.track(sub); err != nil {
		sub.Cancel()
		return nil, err
	}
	return sub, nil
}

// Emit emits through the parent router.
func (o *Observer) Emit(sel Selector, data any) error {
	return o.router.Emit(sel, data)
}

// Unsubscribe removes owned subscriptions. With the wildcard selector
// and nil handler the whole local index is emptied, issuing per-entry
// unsubscribes against the parent. Otherwise removal targets owned
// entries under the selector's key, filtered by handler when given.
func (o *Observer) Unsubscribe(sel Selector, h Handler) error {
	if err := sel.validate(); err != nil {
		return &ValidationError{Op: "unsubscribe", Event: sel.String(), Err: err}
	}

	var victims []*Subscription
	o.mu.Lock()
	if sel.IsWildcard() && h == nil {
		for _, subs := range o.owned {
			victims = append(victims, subs...)
		}
		o.owned = make(map[string][]*Subscription)
	} else {
		key := sel.Key()
		var hkey uintptr
		if h != nil {
			hkey = handlerKey(h)
		}
		kept := o.owned[key][:0:0]
		for _, sub := range o.owned[key] {
			if h != nil && sub.key != hkey {
				kept = append(kept, sub)
				continue
			}
			victims = append(victims, sub)
		}
		if len(kept) == 0 {
			delete(o.owned, key)
		} else {
			o.owned[key] = kept
		}
	}
	o.mu.Unlock()

	for _, sub := range victims {
		sub.Cancel()
	}
	return nil
}

// Cleanup detaches the side-channel subscription and unsubscribes
// every owned subscription. The observer is unusable afterwards.
func (o *Observer) Cleanup() {
	o.router.sideDetach(o.sideToken)

	var victims []*Subscription
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	for _, subs := range o.owned {
		victims = append(victims, subs...)
	}
	o.owned = make(map[string][]*Subscription)
	o.mu.Unlock()

	for _, sub := range victims {
		sub.Cancel()
	}
}

// Owned returns the number of tracked subscriptions.
func (o *Observer) Owned() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, subs := range o.owned {
		n += len(subs)
	}
	return n
}

func (o *Observer) track(sub *Subscription) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrObserverClosed
	}
	key := sub.sel.Key()
	o.owned[key] = append(o.owned[key], sub)
	return nil
}

// onSideNotice prunes the local index when the parent reports removals.
// Runs under the parent's registry lock; touches only o.mu.
func (o *Observer) onSideNotice(n sideNotice) {
	switch n.phase {
	case sideOff:
		o.mu.Lock()
		subs := o.owned[n.event]
		for i, sub := range subs {
			if sub == n.sub {
				o.owned[n.event] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(o.owned[n.event]) == 0 {
			delete(o.owned, n.event)
		}
		o.mu.Unlock()
	case sideClear:
		o.mu.Lock()
		o.owned = make(map[string][]*Subscription)
		o.mu.Unlock()
	}
}
