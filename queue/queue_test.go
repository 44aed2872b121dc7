package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/GoCodeAlone/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// phaseRecorder captures queue phase envelopes for assertions.
type phaseRecorder struct {
	mu     sync.Mutex
	byName map[string][]*Envelope
}

func recordPhases(t *testing.T, router *relay.Router, queueName string, phases ...string) *phaseRecorder {
	t.Helper()
	rec := &phaseRecorder{byName: make(map[string][]*Envelope)}
	for _, phase := range phases {
		phase := phase
		_, err := router.Subscribe(relay.On("queue:"+queueName+":"+phase), func(ev relay.Event) {
			env, ok := ev.Data.(*Envelope)
			if !ok {
				return
			}
			rec.mu.Lock()
			rec.byName[phase] = append(rec.byName[phase], env)
			rec.mu.Unlock()
		})
		require.NoError(t, err)
	}
	return rec
}

func (r *phaseRecorder) count(phase string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName[phase])
}

func (r *phaseRecorder) envelopes(phase string) []*Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Envelope(nil), r.byName[phase]...)
}

// waitFor polls until the condition holds; inside a synctest bubble
// virtual time advances while every goroutine is blocked.
func waitFor(cond func() bool) {
	for !cond() {
		time.Sleep(time.Millisecond)
	}
}

func noopProcess(ctx context.Context, item Item) error { return nil }

func TestNewValidation(t *testing.T) {
	router := relay.New()

	_, err := New(nil, relay.On("work"), noopProcess, Config{Name: "q"})
	assert.ErrorIs(t, err, ErrRouterNil)

	_, err = New(router, relay.On("work"), nil, Config{Name: "q"})
	assert.ErrorIs(t, err, ErrProcessFuncNil)

	_, err = New(router, relay.On("work"), noopProcess, Config{})
	assert.ErrorIs(t, err, ErrConfigNameRequired)

	_, err = New(router, relay.On("work"), noopProcess, Config{Name: "q", JitterFactor: 2})
	assert.ErrorIs(t, err, ErrConfigInvalidJitter)
}

func TestQueueProcessesAdmittedPayloads(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		router := relay.New()

		var processed []any
		var mu sync.Mutex
		process := func(ctx context.Context, item Item) error {
			mu.Lock()
			processed = append(processed, item.Data)
			mu.Unlock()
			return nil
		}

		q, err := New(router, relay.On("work"), process, Config{Name: "jobs", PollIntervalMs: 5})
		require.NoError(t, err)
		rec := recordPhases(t, router, "jobs", PhaseAdded, PhaseProcessing, PhaseSuccess)

		require.NoError(t, q.Start())
		assert.Equal(t, StateRunning, q.State())

		assert.True(t, q.Add("payload", 0))
		waitFor(func() bool { return rec.count(PhaseSuccess) == 1 })

		mu.Lock()
		assert.Equal(t, []any{"payload"}, processed)
		mu.Unlock()
		assert.Equal(t, 1, rec.count(PhaseAdded))
		assert.Equal(t, 1, rec.count(PhaseProcessing))

		stats := q.Stats()
		assert.EqualValues(t, 1, stats.Processed)
		assert.EqualValues(t, 1, stats.Success)

		require.NoError(t, q.Stop())
	})
}

func TestQueueExternalEmissionAdmits(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		router := relay.New()
		q, err := New(router, relay.On("work"), noopProcess, Config{Name: "ext", PollIntervalMs: 5})
		require.NoError(t, err)
		rec := recordPhases(t, router, "ext", PhaseSuccess)

		require.NoError(t, q.Start())

		// An emission of the bound selector from outside Add is
		// admitted at default priority.
		require.NoError(t, router.Emit(relay.On("work"), "direct"))
		waitFor(func() bool { return rec.count(PhaseSuccess) == 1 })

		require.NoError(t, q.Stop())
	})
}

func TestQueuePriorityOrderFIFO(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		router := relay.New()

		var order []any
		var mu sync.Mutex
		process := func(ctx context.Context, item Item) error {
			mu.Lock()
			order = append(order, item.Data)
			mu.Unlock()
			return nil
		}

		q, err := New(router, relay.On("work"), process, Config{Name: "prio", PollIntervalMs: 5})
		require.NoError(t, err)

		require.NoError(t, q.Start())
		require.NoError(t, q.Pause())

		// Admission stays open while paused.
		assert.True(t, q.Add("P1", 0))
		assert.True(t, q.Add("P2", 0))
		assert.True(t, q.Add("P3", 5))
		assert.True(t, q.Add("P4", 0))
		assert.Equal(t, 4, q.Pending())

		require.NoError(t, q.Resume())
		waitFor(func() bool { return q.Stats().Processed == 4 })

		mu.Lock()
		assert.Equal(t, []any{"P3", "P1", "P2", "P4"}, order)
		mu.Unlock()

		require.NoError(t, q.Stop())
	})
}

func TestQueueMaxSizeRejectsUntilDrained(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		router := relay.New()
		q, err := New(router, relay.On("work"), noopProcess, Config{
			Name: "bounded", PollIntervalMs: 5, MaxQueueSize: 1,
		})
		require.NoError(t, err)
		rec := recordPhases(t, router, "bounded", PhaseRejected, PhaseSuccess)

		require.NoError(t, q.Start())
		require.NoError(t, q.Pause())

		assert.True(t, q.Add("first", 0))
		assert.False(t, q.Add("second", 0), "buffer at capacity")

		rejected := rec.envelopes(PhaseRejected)
		require.Len(t, rejected, 1)
		payload, ok := rejected[0].Data.(RejectedEvent)
		require.True(t, ok)
		assert.Equal(t, RejectedFull, payload.Reason)
		assert.Equal(t, "second", payload.Data)

		require.NoError(t, q.Resume())
		waitFor(func() bool { return rec.count(PhaseSuccess) == 1 })

		assert.True(t, q.Add("third", 0), "capacity freed after processing")

		waitFor(func() bool { return rec.count(PhaseSuccess) == 2 })
		require.NoError(t, q.Stop())
	})
}

func TestQueueRejectsWhenNotAccepting(t *testing.T) {
	router := relay.New()
	q, err := New(router, relay.On("work"), noopProcess, Config{Name: "idleq"})
	require.NoError(t, err)

	// Never started: the admission listener is absent, so Add's
	// emission reaches no listener and the payload is refused.
	assert.False(t, q.Add("early", 0))
	assert.Zero(t, q.Pending())
}

func TestQueueRejectsWhileDraining(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		router := relay.New()

		release := make(chan struct{})
		process := func(ctx context.Context, item Item) error {
			<-release
			return nil
		}
		q, err := New(router, relay.On("work"), process, Config{Name: "drainq", PollIntervalMs: 5})
		require.NoError(t, err)

		require.NoError(t, q.Start())
		require.NoError(t, q.Pause())
		assert.True(t, q.Add("x", 0))

		done := make(chan int, 1)
		go func() { done <- q.Shutdown(false) }()
		synctest.Wait()

		assert.Equal(t, StateDraining, q.State())
		assert.False(t, q.Add("late", 0), "admission closed while draining")

		close(release)
		assert.Equal(t, 1, <-done)
		assert.Equal(t, StateStopped, q.State())
	})
}

func TestQueueTaskTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		router := relay.New()

		process := func(ctx context.Context, item Item) error {
			time.Sleep(100 * time.Millisecond)
			return nil
		}
		q, err := New(router, relay.On("work"), process, Config{
			Name: "slow", PollIntervalMs: 5, TaskTimeoutMs: 20,
		})
		require.NoError(t, err)
		rec := recordPhases(t, router, "slow", PhaseTimeout, PhaseError, PhaseSuccess)

		require.NoError(t, q.Start())
		assert.True(t, q.Add("sleepy", 0))

		waitFor(func() bool { return rec.count(PhaseError) == 1 })

		assert.Equal(t, 1, rec.count(PhaseTimeout), "timeout emitted before the error path")
		assert.Zero(t, rec.count(PhaseSuccess))
		assert.Equal(t, StateRunning, q.State(), "queue keeps running after a timeout")

		errs := rec.envelopes(PhaseError)
		payload, ok := errs[0].Data.(ErrorEvent)
		require.True(t, ok)
		assert.ErrorIs(t, payload.Err, ErrTaskTimeout)

		stats := q.Stats()
		assert.EqualValues(t, 1, stats.Errors)
		assert.EqualValues(t, 1, stats.Processed)

		require.NoError(t, q.Stop())
	})
}

func TestQueueProcessingErrorsAreNotRetried(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		router := relay.New()

		boom := errors.New("processing failed")
		attempts := 0
		var mu sync.Mutex
		process := func(ctx context.Context, item Item) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return boom
		}
		q, err := New(router, relay.On("work"), process, Config{Name: "failing", PollIntervalMs: 5})
		require.NoError(t, err)
		rec := recordPhases(t, router, "failing", PhaseError)

		require.NoError(t, q.Start())
		assert.True(t, q.Add("x", 0))
		waitFor(func() bool { return rec.count(PhaseError) == 1 })

		// Give the worker time to (incorrectly) retry before checking.
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		assert.Equal(t, 1, attempts)
		mu.Unlock()

		payload, ok := rec.envelopes(PhaseError)[0].Data.(ErrorEvent)
		require.True(t, ok)
		assert.ErrorIs(t, payload.Err, boom)

		require.NoError(t, q.Stop())
	})
}

func TestQueueRateLimiting(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		router := relay.New()
		q, err := New(router, relay.On("work"), noopProcess, Config{
			Name: "limited", PollIntervalMs: 5, Concurrency: 2,
			RateLimitCapacity: 1, RateLimitIntervalMs: 50,
		})
		require.NoError(t, err)
		rec := recordPhases(t, router, "limited", PhaseProcessing, PhaseSuccess, PhaseRateLimited)

		require.NoError(t, q.Start())
		require.NoError(t, q.Pause())
		for _, p := range []string{"a", "b", "c"} {
			assert.True(t, q.Add(p, 0))
		}
		require.NoError(t, q.Resume())

		waitFor(func() bool { return rec.count(PhaseSuccess) == 3 })

		assert.GreaterOrEqual(t, rec.count(PhaseRateLimited), 1)

		// Consecutive processing starts are separated by at least the
		// refill interval.
		procs := rec.envelopes(PhaseProcessing)
		require.Len(t, procs, 3)
		var starts []time.Time
		for _, env := range procs {
			payload, ok := env.Data.(ProcessingEvent)
			require.True(t, ok)
			starts = append(starts, payload.StartedAt)
		}
		for i := 1; i < len(starts); i++ {
			gap := starts[i].Sub(starts[i-1])
			assert.GreaterOrEqual(t, gap, 45*time.Millisecond, "gap %d", i)
		}

		require.NoError(t, q.Stop())
	})
}

func TestQueueShutdownDrains(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		router := relay.New()
		q, err := New(router, relay.On("work"), noopProcess, Config{Name: "winding", PollIntervalMs: 5})
		require.NoError(t, err)
		rec := recordPhases(t, router, "winding", PhaseDrain, PhaseDrained, PhaseShutdown, PhaseStopped)

		require.NoError(t, q.Start())
		require.NoError(t, q.Pause())
		for _, p := range []string{"a", "b", "c"} {
			assert.True(t, q.Add(p, 0))
		}

		before := q.Stats().Processed
		count := q.Shutdown(false)

		assert.Equal(t, 3, count)
		assert.Equal(t, StateStopped, q.State())
		assert.Zero(t, q.Pending())
		assert.EqualValues(t, 3, q.Stats().Processed-before)
		assert.Equal(t, 1, rec.count(PhaseDrain))
		assert.Equal(t, 1, rec.count(PhaseDrained))
		assert.Equal(t, 1, rec.count(PhaseShutdown))

		// Shutting down again is a no-op.
		assert.Zero(t, q.Shutdown(false))
	})
}

func TestQueueShutdownForcePurges(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		router := relay.New()

		processed := 0
		var mu sync.Mutex
		process := func(ctx context.Context, item Item) error {
			mu.Lock()
			processed++
			mu.Unlock()
			return nil
		}
		q, err := New(router, relay.On("work"), process, Config{Name: "killed", PollIntervalMs: 5})
		require.NoError(t, err)
		rec := recordPhases(t, router, "killed", PhaseShutdown)

		require.NoError(t, q.Start())
		require.NoError(t, q.Pause())
		for _, p := range []string{"a", "b"} {
			assert.True(t, q.Add(p, 0))
		}

		count := q.Shutdown(true)
		assert.Equal(t, 2, count)
		assert.Equal(t, StateStopped, q.State())

		mu.Lock()
		assert.Zero(t, processed, "forced shutdown processes nothing")
		mu.Unlock()

		payload, ok := rec.envelopes(PhaseShutdown)[0].Data.(CountEvent)
		require.True(t, ok)
		assert.Equal(t, 2, payload.Count)
	})
}

func TestQueueFlush(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		router := relay.New()

		var order []any
		var mu sync.Mutex
		process := func(ctx context.Context, item Item) error {
			mu.Lock()
			order = append(order, item.Data)
			mu.Unlock()
			return nil
		}
		q, err := New(router, relay.On("work"), process, Config{Name: "flushq", PollIntervalMs: 5})
		require.NoError(t, err)
		rec := recordPhases(t, router, "flushq", PhaseFlush, PhaseFlushed)

		require.NoError(t, q.Start())
		require.NoError(t, q.Pause())
		for _, p := range []string{"a", "b", "c"} {
			assert.True(t, q.Add(p, 0))
		}

		assert.Equal(t, 2, q.Flush(2))
		mu.Lock()
		assert.Equal(t, []any{"a", "b"}, order)
		mu.Unlock()
		assert.Equal(t, 1, q.Pending())

		payload, ok := rec.envelopes(PhaseFlushed)[0].Data.(CountEvent)
		require.True(t, ok)
		assert.Equal(t, 2, payload.Count)

		require.NoError(t, q.Stop())
	})
}

func TestQueuePurge(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		router := relay.New()
		q, err := New(router, relay.On("work"), noopProcess, Config{Name: "purgeq", PollIntervalMs: 5})
		require.NoError(t, err)
		rec := recordPhases(t, router, "purgeq", PhasePurged)

		require.NoError(t, q.Start())
		require.NoError(t, q.Pause())
		assert.True(t, q.Add("a", 0))
		assert.True(t, q.Add("b", 0))

		assert.Equal(t, 2, q.Purge())
		assert.Zero(t, q.Pending())
		assert.Equal(t, 1, rec.count(PhasePurged))

		require.NoError(t, q.Stop())
	})
}

func TestQueueLifecycleEventsAndGenerations(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		router := relay.New()
		q, err := New(router, relay.On("work"), noopProcess, Config{Name: "cycle", PollIntervalMs: 5})
		require.NoError(t, err)
		rec := recordPhases(t, router, "cycle",
			PhaseStart, PhaseStarted, PhasePaused, PhaseResumed, PhaseStopped)

		require.NoError(t, q.Start())
		require.NoError(t, q.Start(), "start is a no-op when running")
		require.NoError(t, q.Pause())
		require.NoError(t, q.Resume())
		require.NoError(t, q.Stop())

		assert.Equal(t, 1, rec.count(PhaseStart))
		assert.Equal(t, 1, rec.count(PhaseStarted))
		assert.Equal(t, 1, rec.count(PhasePaused))
		assert.Equal(t, 1, rec.count(PhaseResumed))
		assert.Equal(t, 1, rec.count(PhaseStopped))

		started, ok := rec.envelopes(PhaseStarted)[0].Data.(StartedEvent)
		require.True(t, ok)
		assert.Equal(t, 1, started.Concurrency)
		assert.EqualValues(t, 1, started.Generation)

		// Illegal transition: pause a stopped queue.
		err = q.Pause()
		var terr *InvalidTransitionError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, StateStopped, q.State())
	})
}

func TestQueueIdleAndEmptyEvents(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		router := relay.New()
		q, err := New(router, relay.On("work"), noopProcess, Config{Name: "idler", PollIntervalMs: 5})
		require.NoError(t, err)
		rec := recordPhases(t, router, "idler", PhaseIdle, PhaseEmpty, PhaseSuccess)

		require.NoError(t, q.Start())
		waitFor(func() bool { return rec.count(PhaseIdle) == 1 })

		assert.True(t, q.Add("x", 0))
		waitFor(func() bool { return rec.count(PhaseEmpty) >= 1 })
		assert.Equal(t, 1, rec.count(PhaseSuccess))

		require.NoError(t, q.Stop())
	})
}

func TestQueueStatsInvariant(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		router := relay.New()

		process := func(ctx context.Context, item Item) error {
			if item.Data == "bad" {
				return errors.New("nope")
			}
			return nil
		}
		q, err := New(router, relay.On("work"), process, Config{Name: "counted", PollIntervalMs: 5})
		require.NoError(t, err)

		require.NoError(t, q.Start())
		require.NoError(t, q.Pause())
		for _, p := range []any{"ok", "bad", "ok"} {
			assert.True(t, q.Add(p, 0))
		}
		require.NoError(t, q.Resume())

		waitFor(func() bool { return q.Stats().Processed == 3 })

		stats := q.Stats()
		assert.Equal(t, stats.Processed, stats.Success+stats.Errors)
		assert.EqualValues(t, 2, stats.Success)
		assert.EqualValues(t, 1, stats.Errors)
		assert.Zero(t, stats.Processing)

		require.NoError(t, q.Stop())
	})
}

func TestQueuePatternBoundSkipsSelfAdmission(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		router := relay.New()

		// A pattern that matches the queue's own lifecycle topics; the
		// envelope sentinel must prevent self-admission feedback.
		sel := relay.MustMatchExpr("^queue:loop:.*$")
		q, err := New(router, sel, noopProcess, Config{Name: "loop", PollIntervalMs: 5})
		require.NoError(t, err)
		rec := recordPhases(t, router, "loop", PhaseSuccess, PhaseAdded)

		require.NoError(t, q.Start())
		assert.True(t, q.Add("only", 0))

		waitFor(func() bool { return rec.count(PhaseSuccess) == 1 })
		time.Sleep(100 * time.Millisecond)

		assert.Equal(t, 1, rec.count(PhaseAdded), "lifecycle emissions never re-admit")
		assert.EqualValues(t, 1, q.Stats().Processed)

		require.NoError(t, q.Stop())
	})
}

func TestQueueSnapshot(t *testing.T) {
	router := relay.New()
	q, err := New(router, relay.On("work"), noopProcess, Config{
		Name: "snap", RateLimitCapacity: 3, RateLimitIntervalMs: 100,
	})
	require.NoError(t, err)

	snap := q.Snapshot()
	assert.Equal(t, "snap", snap.Name)
	assert.Equal(t, StateStopped, snap.State)
	assert.Zero(t, snap.Pending)
	assert.Zero(t, snap.ActiveRunners)
	require.NotNil(t, snap.RateLimit)
	assert.Equal(t, 3, snap.RateLimit.Capacity)
	assert.Equal(t, 3, snap.RateLimit.Available)
}

func TestQueueAutoStart(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		router := relay.New()
		q, err := New(router, relay.On("work"), noopProcess, Config{
			Name: "auto", PollIntervalMs: 5, AutoStart: true,
		})
		require.NoError(t, err)
		assert.Equal(t, StateRunning, q.State())
		require.NoError(t, q.Stop())
	})
}

func TestQueueCloseEmitsCleanup(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		router := relay.New()
		q, err := New(router, relay.On("work"), noopProcess, Config{Name: "done", PollIntervalMs: 5})
		require.NoError(t, err)
		rec := recordPhases(t, router, "done", PhaseCleanup, PhaseStopped)

		require.NoError(t, q.Start())
		q.Close()
		q.Close()

		assert.Equal(t, 1, rec.count(PhaseCleanup))
		assert.Equal(t, 1, rec.count(PhaseStopped))
		assert.ErrorIs(t, q.Start(), ErrQueueClosed)
	})
}
