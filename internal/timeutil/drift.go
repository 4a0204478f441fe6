package timeutil

import "time"

// DriftClock runs faster or slower than its base clock by a fixed rate given
// in parts per million. It models a crystal that is slightly off nominal, so
// two simulated nodes disagree on how long a slot lasts.
type DriftClock struct {
	base   Clock
	ppm    float64
	origin time.Time
}

// NewDriftClock returns a clock anchored at base.Now() that gains ppm
// microseconds per second of base time. Negative values make it slow.
func NewDriftClock(base Clock, ppm float64) *DriftClock {
	return &DriftClock{base: base, ppm: ppm, origin: base.Now()}
}

func (c *DriftClock) rate() float64 {
	return 1 + c.ppm/1e6
}

// PPM returns the configured drift.
func (c *DriftClock) PPM() float64 {
	return c.ppm
}

// Now returns the drifted time.
func (c *DriftClock) Now() time.Time {
	elapsed := c.base.Now().Sub(c.origin)
	return c.origin.Add(time.Duration(float64(elapsed) * c.rate()))
}

// Since returns the drifted duration since t.
func (c *DriftClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// toBase converts a local duration into the base clock duration that covers it.
func (c *DriftClock) toBase(d time.Duration) time.Duration {
	return time.Duration(float64(d) / c.rate())
}

// Sleep pauses for d as measured by this clock.
func (c *DriftClock) Sleep(d time.Duration) {
	c.base.Sleep(c.toBase(d))
}

// After fires once d has elapsed on this clock.
func (c *DriftClock) After(d time.Duration) <-chan time.Time {
	return c.base.After(c.toBase(d))
}

// NewTicker ticks every d of local time.
func (c *DriftClock) NewTicker(d time.Duration) Ticker {
	return c.base.NewTicker(c.toBase(d))
}
