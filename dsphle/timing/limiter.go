package timing

import (
	"log/slog"
	"time"
)

// Output format of the audio ucodes.
const (
	SampleRate      = 32000
	SamplesPerFrame = 0x50
)

// FrameDuration returns the playback duration of one rendered frame.
func FrameDuration() time.Duration {
	return time.Duration(SamplesPerFrame) * time.Second / SampleRate
}

// FramesPerSecond is the number of frames played every second.
func FramesPerSecond() float64 {
	return float64(SampleRate) / float64(SamplesPerFrame)
}

// Limiter paces the host loop driving the DSP.
type Limiter interface {
	// WaitForNextTick blocks until the next update is due.
	// Returns immediately if timing is behind schedule.
	WaitForNextTick()

	// Reset resets the timing state, useful after pauses.
	Reset()
}

// NewNoOpLimiter returns a limiter that doesn't limit, for trace replay and
// tests.
func NewNoOpLimiter() Limiter {
	return noOpLimiter{}
}

type noOpLimiter struct{}

func (noOpLimiter) WaitForNextTick() {}
func (noOpLimiter) Reset()           {}

// TickerLimiter paces ticks with a time.Ticker. Ticks missed while the
// caller was busy are dropped by the runtime.
type TickerLimiter struct {
	ticker *time.Ticker
	period time.Duration
}

func NewTickerLimiter(period time.Duration) *TickerLimiter {
	return &TickerLimiter{
		ticker: time.NewTicker(period),
		period: period,
	}
}

func (t *TickerLimiter) WaitForNextTick() { <-t.ticker.C }
func (t *TickerLimiter) Reset()           { t.ticker.Reset(t.period) }
func (t *TickerLimiter) Stop()            { t.ticker.Stop() }

const (
	// Lag tolerated before the schedule is moved forward. Matches the
	// few frames of audio a host queue usually buffers.
	maxLagTicks = 4

	// Weight of a new sample in the oversleep average, as a shift.
	oversleepShift = 3
)

// AdaptiveLimiter keeps a fixed schedule of deadlines. It sleeps until just
// before each deadline and spins for the rest, waking earlier as the
// scheduler's measured oversleep grows.
type AdaptiveLimiter struct {
	period    time.Duration
	deadline  time.Time
	oversleep time.Duration
	skipped   uint64
	logger    *slog.Logger
}

func NewAdaptiveLimiter(period time.Duration) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		period:   period,
		deadline: time.Now(),
		logger:   slog.Default(),
	}
}

func (a *AdaptiveLimiter) WaitForNextTick() {
	now := time.Now()
	wait := a.deadline.Sub(now)

	switch {
	case wait > 0:
		a.sleepUntil(now, wait)
	case -wait > maxLagTicks*a.period:
		behind := uint64(-wait / a.period)
		a.skipped += behind
		a.deadline = now
		a.logger.Debug("Limiter behind schedule, dropping ticks",
			"behind_ms", (-wait).Milliseconds(),
			"dropped", behind)
	}

	a.deadline = a.deadline.Add(a.period)
}

// sleepUntil sleeps for most of wait, corrects the oversleep estimate with
// what the sleep actually took, then spins up to the deadline.
func (a *AdaptiveLimiter) sleepUntil(now time.Time, wait time.Duration) {
	spin := a.period/4 + a.oversleep
	if wait > spin {
		want := wait - spin
		time.Sleep(want)
		over := time.Since(now) - want
		a.oversleep += (over - a.oversleep) >> oversleepShift
		a.oversleep = max(0, min(a.oversleep, a.period))
	}
	for time.Now().Before(a.deadline) {
	}
}

// Dropped returns how many ticks were given up after falling behind.
func (a *AdaptiveLimiter) Dropped() uint64 { return a.skipped }

func (a *AdaptiveLimiter) Reset() {
	a.deadline = time.Now()
}
