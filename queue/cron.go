package queue

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// Schedule registers a recurring admission: on every tick of the cron
// expression the payload is added at the given priority. The returned
// entry id cancels it via Unschedule. Entries stop with the queue.
func (q *Queue) Schedule(cronExpr string, data any, priority int) (cron.EntryID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrQueueClosed
	}
	if q.cron == nil {
		q.cron = cron.New()
		q.cron.Start()
	}
	id, err := q.cron.AddFunc(cronExpr, func() {
		if !q.Add(data, priority) {
			q.log().Warn("scheduled admission refused", "queue", q.name, "schedule", cronExpr)
		}
	})
	if err != nil {
		return 0, fmt.Errorf("queue: invalid cron expression %q: %w", cronExpr, err)
	}
	return id, nil
}

// Unschedule removes a recurring admission.
func (q *Queue) Unschedule(id cron.EntryID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cron != nil {
		q.cron.Remove(id)
	}
}

// ScheduledEntries returns the number of registered recurring
// admissions.
func (q *Queue) ScheduledEntries() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cron == nil {
		return 0
	}
	return len(q.cron.Entries())
}

// stopCron halts the cron runner. Callers hold q.mu.
func (q *Queue) stopCron() {
	if q.cron != nil {
		q.cron.Stop()
		q.cron = nil
	}
}
