package metrics

import "time"

// Timer measures elapsed time for histogram observations.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Start returns the timer's start time.
func (t *Timer) Start() time.Time {
	return t.start
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveAPIRequest records the elapsed time into the API duration histogram
// for the given method.
func (t *Timer) ObserveAPIRequest(method string) {
	APIRequestDuration.WithLabelValues(method).Observe(t.Duration().Seconds())
}
