package queue

import "time"

// Clock supplies the current time for elapsed-time measurement and
// token-bucket refill. Injectable for tests; the returned times carry
// Go's monotonic reading, so differences are monotonic.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}
