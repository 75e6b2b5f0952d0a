package timer

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultResolution is the length of one tick.
const DefaultResolution = 10 * time.Millisecond

type ClockOptions struct {
	Resolution time.Duration
	// Source returns a monotonic reading in ticks. It defaults to the
	// monotonic clock divided by Resolution.
	Source func() uint64
	Logger *slog.Logger
}

// Clock drives a Wheel from elapsed time. Update advances the wheel exactly
// once per elapsed tick, so a late caller catches up without skipping slots.
type Clock struct {
	wheel     *Wheel
	source    func() uint64
	log       *slog.Logger
	startTime uint32
	point     uint64
	current   atomic.Uint64
}

func NewClock(w *Wheel, opts ClockOptions) *Clock {
	if opts.Resolution <= 0 {
		opts.Resolution = DefaultResolution
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	now := time.Now()
	c := &Clock{
		wheel:     w,
		source:    opts.Source,
		log:       opts.Logger.With(slog.String("component", "clock")),
		startTime: uint32(now.Unix()),
	}
	if c.source == nil {
		res := opts.Resolution
		c.source = func() uint64 { return uint64(time.Since(now) / res) }
		c.current.Store(uint64(time.Duration(now.Nanosecond()) / res))
	}
	c.point = c.source()
	return c
}

// Update reads the source and ticks the wheel once per elapsed tick. It
// returns the number of ticks applied. Only the timer thread calls it.
func (c *Clock) Update() int {
	cp := c.source()
	if cp < c.point {
		c.log.Error("time diff error", slog.Uint64("from", c.point), slog.Uint64("to", cp))
		c.point = cp
		return 0
	}
	if cp == c.point {
		return 0
	}

	diff := cp - c.point
	c.point = cp
	c.current.Add(diff)
	for i := uint64(0); i < diff; i++ {
		c.wheel.Tick()
	}
	return int(diff)
}

// Now returns the ticks elapsed since the clock started, offset by the
// sub-second part of the start time.
func (c *Clock) Now() uint64 { return c.current.Load() }

// StartTime returns the unix time in seconds at which the clock started.
func (c *Clock) StartTime() uint32 { return c.startTime }
