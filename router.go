// Package relay provides an in-process event router with exact-name
// and pattern-matched subscriptions, one-shot delivery, lazy pull
// iteration and scoped child observers. The relay/queue package builds
// an event-driven work queue on top of it.
package relay

import (
	"fmt"
	"sort"
	"sync"
)

// Router delivers typed events to interested subscribers. Literal and
// pattern subscriptions live in two disjoint registries; cross-matching
// between them is computed at emit time.
//
// The router is safe for concurrent use. Subscribe, emit and
// unsubscribe run to completion without internal suspension; emission
// snapshots the matching callback set under the registry lock and
// invokes user code outside it.
type Router struct {
	mu           sync.Mutex
	listeners    map[string][]*Subscription // literal name -> insertion order
	rgxListeners map[string][]*Subscription // pattern key -> insertion order

	side    map[int]sideFunc
	sideSeq int

	spy       SpyFunc
	prevSpy   SpyFunc
	debugging bool

	validator func(Event) error
	logger    Logger
}

// Option configures a Router.
type Option func(*Router)

// WithValidator installs a hook invoked before every emission. A
// non-nil error aborts the emission and is returned to the caller.
func WithValidator(fn func(Event) error) Option {
	return func(r *Router) {
		r.validator = fn
	}
}

// WithLogger sets the logger used for spy failures and debug output.
func WithLogger(l Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates an empty router.
func New(opts ...Option) *Router {
	r := &Router{
		listeners:    make(map[string][]*Subscription),
		rgxListeners: make(map[string][]*Subscription),
		side:         make(map[int]sideFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) log() Logger {
	if r.logger != nil {
		return r.logger
	}
	return NewSlogLogger(nil)
}

// mapFor returns the registry a selector's subscriptions live in.
// Callers must hold r.mu.
func (r *Router) mapFor(sel Selector) map[string][]*Subscription {
	if sel.IsPattern() {
		return r.rgxListeners
	}
	return r.listeners
}

// Subscribe registers a handler for the selector and returns its
// cleanup handle. Re-adding the same handler under the same selector
// is a no-op returning the existing subscription.
func (r *Router) Subscribe(sel Selector, h Handler) (*Subscription, error) {
	if err := sel.validate(); err != nil {
		return nil, &ValidationError{Op: "subscribe", Event: sel.String(), Err: err}
	}
	if h == nil {
		return nil, &ValidationError{Op: "subscribe", Event: sel.String(), Err: ErrNilHandler}
	}
	sub := &Subscription{
		id:     newSubscriptionID(),
		router: r,
		sel:    sel,
		kind:   KindPersistent,
		invoke: h,
		key:    handlerKey(h),
	}
	if existing := r.insert(sub, true); existing != nil {
		return existing, nil
	}
	r.spyDispatch(SpyAction{Op: SpyOpSubscribe, Event: sel.Key(), Callback: h, Context: KindPersistent})
	return sub, nil
}

// SubscribeOnce registers a handler that is removed before its first
// and only invocation. Once subscriptions never deduplicate.
func (r *Router) SubscribeOnce(sel Selector, h Handler) (*Subscription, error) {
	if err := sel.validate(); err != nil {
		return nil, &ValidationError{Op: "subscribe", Event: sel.String(), Err: err}
	}
	if h == nil {
		return nil, &ValidationError{Op: "subscribe", Event: sel.String(), Err: ErrNilHandler}
	}
	sub := &Subscription{
		id:     newSubscriptionID(),
		router: r,
		sel:    sel,
		kind:   KindOnce,
		key:    handlerKey(h),
	}
	sub.invoke = func(ev Event) {
		if sub.fired.Swap(true) {
			return
		}
		sub.Cancel()
		h(ev)
	}
	r.insert(sub, false)
	r.spyDispatch(SpyAction{Op: SpyOpSubscribe, Event: sel.Key(), Callback: h, Context: KindOnce})
	return sub, nil
}

// Once returns a Pending that resolves with the next event matching
// the selector. Cancelling the Pending detaches the internal
// subscription.
func (r *Router) Once(sel Selector) (*Pending, error) {
	p := &Pending{done: make(chan struct{})}
	sub, err := r.SubscribeOnce(sel, p.resolve)
	if err != nil {
		return nil, err
	}
	p.sub = sub
	return p, nil
}

// insert adds a subscription under the registry lock, returning an
// existing subscription instead when dedup applies.
func (r *Router) insert(sub *Subscription, dedup bool) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.mapFor(sub.sel)
	key := sub.sel.Key()
	if dedup {
		for _, ex := range m[key] {
			if ex.kind == KindPersistent && ex.key == sub.key {
				return ex
			}
		}
	}
	m[key] = append(m[key], sub)
	r.notifySide(sideNotice{phase: sideOn, event: key, sub: sub})
	return nil
}

// remove detaches a single subscription. Called via Subscription.Cancel
// which already claimed the cancelled flag.
func (r *Router) remove(sub *Subscription, op SpyOp) {
	r.mu.Lock()
	m := r.mapFor(sub.sel)
	key := sub.sel.Key()
	subs := m[key]
	for i, ex := range subs {
		if ex == sub {
			m[key] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(m[key]) == 0 {
		delete(m, key)
	}
	r.notifySide(sideNotice{phase: sideOff, event: key, sub: sub})
	r.mu.Unlock()
	r.spyDispatch(SpyAction{Op: op, Event: key, Callback: sub.invoke, Context: sub.kind})
}

// Unsubscribe removes subscriptions by selector and handler.
//
// With the wildcard selector and a nil handler, both registries are
// emptied and a "clear" side-channel notice is dispatched. With a
// pattern selector, the handler is removed from every literal selector
// whose name the pattern matches (every handler when h is nil), and
// from the pattern's own registry entry under the same canonical key.
// With a literal selector, that selector only.
func (r *Router) Unsubscribe(sel Selector, h Handler) error {
	if err := sel.validate(); err != nil {
		return &ValidationError{Op: "unsubscribe", Event: sel.String(), Err: err}
	}

	if sel.IsWildcard() && h == nil {
		r.clear()
		r.spyDispatch(SpyAction{Op: SpyOpUnsubscribe, Event: WildcardName})
		return nil
	}

	var key uintptr
	if h != nil {
		key = handlerKey(h)
	}

	r.mu.Lock()
	if sel.IsPattern() {
		for name := range r.listeners {
			if sel.matches(name) {
				r.filterLocked(r.listeners, name, h, key)
			}
		}
		r.filterLocked(r.rgxListeners, sel.Key(), h, key)
	} else {
		r.filterLocked(r.listeners, sel.Key(), h, key)
	}
	r.mu.Unlock()

	r.spyDispatch(SpyAction{Op: SpyOpUnsubscribe, Event: sel.Key(), Callback: h})
	return nil
}

// filterLocked removes matching subscriptions from one registry
// bucket, dispatching an "off" notice per removal. Callers hold r.mu.
func (r *Router) filterLocked(m map[string][]*Subscription, bucket string, h Handler, key uintptr) {
	subs, ok := m[bucket]
	if !ok {
		return
	}
	kept := subs[:0:0]
	for _, sub := range subs {
		if h != nil && sub.key != key {
			kept = append(kept, sub)
			continue
		}
		sub.cancelled.Store(true)
		r.notifySide(sideNotice{phase: sideOff, event: bucket, sub: sub})
	}
	if len(kept) == 0 {
		delete(m, bucket)
	} else {
		m[bucket] = kept
	}
}

// clear empties both registries and dispatches the "clear" notice.
func (r *Router) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, subs := range r.listeners {
		for _, sub := range subs {
			sub.cancelled.Store(true)
		}
	}
	for _, subs := range r.rgxListeners {
		for _, sub := range subs {
			sub.cancelled.Store(true)
		}
	}
	r.listeners = make(map[string][]*Subscription)
	r.rgxListeners = make(map[string][]*Subscription)
	r.notifySide(sideNotice{phase: sideClear, event: WildcardName})
}

// Emit delivers data to subscribers matching the selector.
//
// For a literal selector, every handler registered under that literal
// fires in insertion order, then every pattern subscriber whose
// pattern matches the name. For a pattern selector, every literal name
// currently registered that the pattern matches is resolved and its
// handlers invoked. A configured validator runs first and aborts the
// emission on error.
func (r *Router) Emit(sel Selector, data any) error {
	if err := sel.validate(); err != nil {
		return &ValidationError{Op: "emit", Event: sel.String(), Data: data, Err: err}
	}
	if r.validator != nil {
		if err := r.validator(Event{Name: sel.Key(), Data: data}); err != nil {
			return fmt.Errorf("relay: emit %q rejected by validator: %w", sel.String(), err)
		}
	}

	r.spyDispatch(SpyAction{Op: SpyOpEmit, Event: sel.Key(), Data: data})

	if !sel.IsPattern() {
		r.emitLiteral(sel.Name(), data)
		return nil
	}

	r.mu.Lock()
	names := make([]string, 0, len(r.listeners))
	for name := range r.listeners {
		if sel.matches(name) {
			names = append(names, name)
		}
	}
	r.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		r.emitResolved(name, data)
	}
	return nil
}

// emitLiteral fires literal subscribers for name in insertion order,
// then matching pattern subscribers.
func (r *Router) emitLiteral(name string, data any) {
	r.mu.Lock()
	lits := append([]*Subscription(nil), r.listeners[name]...)
	patKeys := make([]string, 0, len(r.rgxListeners))
	for pk, subs := range r.rgxListeners {
		if len(subs) > 0 && subs[0].sel.matches(name) {
			patKeys = append(patKeys, pk)
		}
	}
	sort.Strings(patKeys)
	var pats []*Subscription
	for _, pk := range patKeys {
		pats = append(pats, r.rgxListeners[pk]...)
	}
	r.notifySide(sideNotice{phase: sideEmit, event: name})
	r.mu.Unlock()

	ev := Event{Name: name, Data: data}
	for _, sub := range lits {
		if !sub.cancelled.Load() {
			sub.invoke(ev)
		}
	}
	for _, sub := range pats {
		if !sub.cancelled.Load() {
			sub.invoke(ev)
		}
	}
}

// emitResolved fires only the literal subscribers of a name resolved
// from a pattern emission.
func (r *Router) emitResolved(name string, data any) {
	r.mu.Lock()
	lits := append([]*Subscription(nil), r.listeners[name]...)
	r.notifySide(sideNotice{phase: sideEmit, event: name})
	r.mu.Unlock()

	ev := Event{Name: name, Data: data}
	for _, sub := range lits {
		if !sub.cancelled.Load() {
			sub.invoke(ev)
		}
	}
}

// Has reports whether the selector is registered. The wildcard is
// always true. A pattern tests its canonical key; a literal tests both
// registries.
func (r *Router) Has(sel Selector) bool {
	if sel.IsWildcard() {
		return true
	}
	if sel.validate() != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sel.IsPattern() {
		_, ok := r.rgxListeners[sel.Key()]
		return ok
	}
	if _, ok := r.listeners[sel.Name()]; ok {
		return true
	}
	_, ok := r.rgxListeners[sel.Name()]
	return ok
}

// Facts summarises listener counts and spy presence.
type Facts struct {
	// Listeners holds the registered literal event names, sorted.
	Listeners []string `json:"listeners"`

	// RgxListeners holds the registered pattern keys, sorted.
	RgxListeners []string `json:"rgxListeners"`

	// HasSpy reports whether a spy is installed.
	HasSpy bool `json:"hasSpy"`
}

// Facts returns the current registry summary.
func (r *Router) Facts() Facts {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := Facts{
		Listeners:    make([]string, 0, len(r.listeners)),
		RgxListeners: make([]string, 0, len(r.rgxListeners)),
		HasSpy:       r.spy != nil,
	}
	for name := range r.listeners {
		f.Listeners = append(f.Listeners, name)
	}
	for key := range r.rgxListeners {
		f.RgxListeners = append(f.RgxListeners, key)
	}
	sort.Strings(f.Listeners)
	sort.Strings(f.RgxListeners)
	return f
}

// SubscriptionInfo describes one registered subscription for
// diagnostics.
type SubscriptionInfo struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// Internals is a deep snapshot of the registry for diagnostics only.
type Internals struct {
	Listeners    map[string][]SubscriptionInfo `json:"listeners"`
	RgxListeners map[string][]SubscriptionInfo `json:"rgxListeners"`
	SideChannels int                           `json:"sideChannels"`
	Debugging    bool                          `json:"debugging"`
}

// Internals returns a deep snapshot of the registry.
func (r *Router) Internals() Internals {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Internals{
		Listeners:    make(map[string][]SubscriptionInfo, len(r.listeners)),
		RgxListeners: make(map[string][]SubscriptionInfo, len(r.rgxListeners)),
		SideChannels: len(r.side),
		Debugging:    r.debugging,
	}
	for name, subs := range r.listeners {
		infos := make([]SubscriptionInfo, len(subs))
		for i, sub := range subs {
			infos[i] = SubscriptionInfo{ID: sub.id, Kind: sub.kind}
		}
		snap.Listeners[name] = infos
	}
	for key, subs := range r.rgxListeners {
		infos := make([]SubscriptionInfo, len(subs))
		for i, sub := range subs {
			infos[i] = SubscriptionInfo{ID: sub.id, Kind: sub.kind}
		}
		snap.RgxListeners[key] = infos
	}
	return snap
}
