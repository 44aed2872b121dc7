package queue

import (
	"context"
	"math/rand"
	"time"
)

// workerID identifies one worker: the generation it was launched under
// and its instance index. Workers exit as soon as they observe that
// the generation has advanced or the state has left running.
type workerID struct {
	Generation uint64
	Index      int
}

// launchWorkers issues a new generation and starts the configured
// number of workers under it. Callers hold q.mu.
func (q *Queue) launchWorkers() uint64 {
	gen := q.generation.Add(1)
	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.runWorker(workerID{Generation: gen, Index: i})
	}
	return gen
}

// runWorker is the per-worker processing loop.
func (q *Queue) runWorker(id workerID) {
	defer q.wg.Done()

	for q.machine.state() == StateRunning && q.generation.Load() == id.Generation {
		item, ok := q.buffer.pop()
		if !ok {
			if q.idle.CompareAndSwap(false, true) {
				q.emitPhase(PhaseIdle, nil)
			}
			time.Sleep(q.pollWait())
			continue
		}
		q.idle.Store(false)

		// The state may have moved between the loop head and the pop;
		// return the item to the front of its priority level.
		if !q.machine.is(StateRunning, StateDraining) {
			q.buffer.requeue(item)
			continue
		}

		rateLimited := false
		if q.limiter != nil && q.machine.state() != StateDraining {
			err := q.limiter.acquire(context.Background(), func() {
				rateLimited = true
				q.emitPhase(PhaseRateLimited, RateLimitedEvent{Item: item})
			})
			if err != nil {
				q.buffer.requeue(item)
				continue
			}
		}

		q.processItem(item, rateLimited)

		if q.buffer.size() == 0 && q.machine.state() == StateRunning {
			q.emitPhase(PhaseEmpty, nil)
		}
		if q.cfg.ProcessIntervalMs > 0 {
			time.Sleep(time.Duration(q.cfg.ProcessIntervalMs) * time.Millisecond)
		}
	}
}

// pollWait is the empty-queue wait, jittered multiplicatively by the
// configured factor.
func (q *Queue) pollWait() time.Duration {
	wait := time.Duration(q.cfg.PollIntervalMs) * time.Millisecond
	if q.cfg.JitterFactor > 0 {
		wait = time.Duration(float64(wait) * (1 + rand.Float64()*q.cfg.JitterFactor))
	}
	return wait
}

// processItem runs one item through the processing function,
// bracketing it with the processing/success/error phases. Timeouts
// emit their own phase before flowing through the error path. Nothing
// is retried; recovery belongs to subscribers of error and timeout.
func (q *Queue) processItem(item Item, rateLimited bool) {
	started := q.clock.Now()
	q.active.Add(1)
	defer q.active.Add(-1)

	q.emitPhase(PhaseProcessing, ProcessingEvent{
		Item:        item,
		StartedAt:   started,
		RateLimited: rateLimited,
	})

	err := q.invoke(item)
	if err != nil {
		q.emitPhase(PhaseError, ErrorEvent{Item: item, Err: err, RateLimited: rateLimited})
		return
	}

	q.emitPhase(PhaseSuccess, SuccessEvent{
		Item:        item,
		StartedAt:   started,
		Elapsed:     q.clock.Now().Sub(started),
		RateLimited: rateLimited,
	})
}

// invoke calls the processing function, racing it against the task
// timeout when one is configured.
func (q *Queue) invoke(item Item) error {
	if q.cfg.TaskTimeoutMs <= 0 {
		return q.process(context.Background(), item)
	}

	limit := time.Duration(q.cfg.TaskTimeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- q.process(ctx, item)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		q.emitPhase(PhaseTimeout, TimeoutEvent{Item: item, Limit: limit})
		return &TimeoutError{TaskID: item.ID, Limit: limit}
	}
}
