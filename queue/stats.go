package queue

import (
	"sync"

	"github.com/GoCodeAlone/relay"
)

// Stats holds the queue's monotonic counters. Counters are derived
// solely from queue event notifications, never from direct queue
// mutation, so any router subscriber observing the same events can
// reproduce them.
type Stats struct {
	// Processed counts completed tasks, success or error.
	Processed uint64 `json:"processed"`

	// Processing counts tasks currently in flight.
	Processing uint64 `json:"processing"`

	// Success and Errors partition Processed.
	Success uint64 `json:"success"`
	Errors  uint64 `json:"errors"`

	// Rejected counts refused admissions.
	Rejected uint64 `json:"rejected"`

	// AvgElapsedMs is a running average of elapsed milliseconds over
	// successful processings, updated in router-event order. Under
	// concurrent successes it is an event-order approximation, not a
	// true mean of wall-clock completion order.
	AvgElapsedMs float64 `json:"avgElapsedMs"`
}

// statsCollector subscribes to the queue's processing, success, error
// and rejected phases and maintains the counters.
type statsCollector struct {
	mu    sync.Mutex
	stats Stats
	subs  []*relay.Subscription
}

func newStatsCollector(router *relay.Router, name string) (*statsCollector, error) {
	c := &statsCollector{}
	phases := map[string]relay.Handler{
		PhaseProcessing: c.onProcessing,
		PhaseSuccess:    c.onSuccess,
		PhaseError:      c.onError,
		PhaseRejected:   c.onRejected,
	}
	for phase, handler := range phases {
		sub, err := router.Subscribe(relay.On("queue:"+name+":"+phase), handler)
		if err != nil {
			c.detach()
			return nil, err
		}
		c.subs = append(c.subs, sub)
	}
	return c, nil
}

func (c *statsCollector) onProcessing(relay.Event) {
	c.mu.Lock()
	c.stats.Processing++
	c.mu.Unlock()
}

func (c *statsCollector) onSuccess(ev relay.Event) {
	env, ok := ev.Data.(*Envelope)
	if !ok {
		return
	}
	payload, ok := env.Data.(SuccessEvent)
	if !ok {
		return
	}
	c.mu.Lock()
	if c.stats.Processing > 0 {
		c.stats.Processing--
	}
	c.stats.Processed++
	c.stats.Success++
	elapsed := float64(payload.Elapsed.Milliseconds())
	n := float64(c.stats.Success)
	c.stats.AvgElapsedMs = (c.stats.AvgElapsedMs*(n-1) + elapsed) / n
	c.mu.Unlock()
}

func (c *statsCollector) onError(relay.Event) {
	c.mu.Lock()
	if c.stats.Processing > 0 {
		c.stats.Processing--
	}
	c.stats.Processed++
	c.stats.Errors++
	c.mu.Unlock()
}

func (c *statsCollector) onRejected(relay.Event) {
	c.mu.Lock()
	c.stats.Rejected++
	c.mu.Unlock()
}

// snapshot returns a copy so callers cannot mutate the live counters.
func (c *statsCollector) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *statsCollector) detach() {
	for _, sub := range c.subs {
		sub.Cancel()
	}
	c.subs = nil
}
