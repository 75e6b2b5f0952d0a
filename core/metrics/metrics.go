// Package metrics holds the instrument interfaces the runtime reports
// through. Core packages depend only on these; backends live in adapters.
package metrics

import "time"

// Counter only goes up.
type Counter interface {
	Inc()
	Add(delta float64)
}

// Gauge is a value that can go up and down.
type Gauge interface {
	Set(value float64)
	Add(delta float64)
}

// Histogram samples observations into buckets.
type Histogram interface {
	Observe(value float64)
}

// Timer measures one operation. ObserveDuration records the time elapsed
// since the timer was created.
type Timer interface {
	ObserveDuration()
}

// NewTimer starts a Timer that reports seconds to h.
func NewTimer(h Histogram) Timer {
	return &histTimer{h: h, start: time.Now()}
}

type histTimer struct {
	h     Histogram
	start time.Time
}

func (t *histTimer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}
