package relay

import (
	"runtime/debug"
	"strings"
)

// SpyOp identifies the router operation a spy action describes.
type SpyOp string

const (
	SpyOpSubscribe   SpyOp = "subscribe"
	SpyOpUnsubscribe SpyOp = "unsubscribe"
	SpyOpEmit        SpyOp = "emit"
	SpyOpCleanup     SpyOp = "cleanup"
)

// SpyAction describes one router operation as seen by an installed spy.
type SpyAction struct {
	// Op is the operation kind.
	Op SpyOp

	// Event is the canonical selector key the operation targeted.
	Event string

	// Data is the emitted payload for emit actions.
	Data any

	// Callback is the handler involved, when the operation had one.
	Callback Handler

	// Context carries the subscription kind for subscribe/cleanup
	// actions.
	Context string
}

// SpyFunc observes router operations. A spy that panics is recovered
// and the panic logged through the router's logger; it never crashes
// the router.
type SpyFunc func(SpyAction)

// InstallSpy installs fn as the router's spy, replacing any previous
// one. A nil fn removes the spy.
func (r *Router) InstallSpy(fn SpyFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spy = fn
}

// DebugOn wraps the currently installed spy with one that logs every
// action together with a filtered stack trace. The previous spy keeps
// receiving actions.
func (r *Router) DebugOn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.debugging {
		return
	}
	r.debugging = true
	r.prevSpy = r.spy
	prev := r.spy
	logger := r.log()
	r.spy = func(a SpyAction) {
		logger.Debug("relay action",
			"op", string(a.Op),
			"event", a.Event,
			"stack", filteredStack(),
		)
		if prev != nil {
			prev(a)
		}
	}
}

// DebugOff restores the spy that was installed before DebugOn.
func (r *Router) DebugOff() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.debugging {
		return
	}
	r.debugging = false
	r.spy = r.prevSpy
	r.prevSpy = nil
}

// spyDispatch invokes the installed spy outside the registry lock,
// recovering panics so user spies cannot crash the router.
func (r *Router) spyDispatch(a SpyAction) {
	r.mu.Lock()
	spy := r.spy
	r.mu.Unlock()
	if spy == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log().Error("relay spy panicked", "op", string(a.Op), "event", a.Event, "panic", rec)
		}
	}()
	spy(a)
}

// filteredStack returns the current stack trace with runtime and relay
// frames stripped, leaving the caller's frames.
func filteredStack() string {
	lines := strings.Split(string(debug.Stack()), "\n")
	kept := make([]string, 0, len(lines))
	skipNext := false
	for _, line := range lines {
		if skipNext {
			skipNext = false
			continue
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "runtime.") ||
			strings.HasPrefix(trimmed, "runtime/debug.") ||
			strings.Contains(trimmed, "GoCodeAlone/relay.") {
			skipNext = true
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
