package tdma

import (
	"time"

	"github.com/banshee-data/radio.mesh/internal/phy"
)

// SlotClock tracks which slot the network is in. CurrentSlot is always in
// [0, SlotCount).
type SlotClock struct {
	SlotCount    int
	CurrentSlot  int
	TxSlot       int
	SlotDuration time.Duration
	LastShift    time.Time
}

// due reports whether a full slot has elapsed since the last shift.
func (c *SlotClock) due(now time.Time) bool {
	return now.Sub(c.LastShift) >= c.SlotDuration
}

// advance moves to the next slot and anchors it at now.
func (c *SlotClock) advance(now time.Time) {
	if c.SlotCount < 1 {
		c.SlotCount = 1
	}
	c.CurrentSlot = (c.CurrentSlot + 1) % c.SlotCount
	c.LastShift = now
}

// setSlotCount changes the slot count, keeping CurrentSlot in range.
func (c *SlotClock) setSlotCount(n int) {
	if n < 1 {
		n = 1
	}
	if n > 255 {
		n = 255
	}
	c.SlotCount = n
	if c.CurrentSlot >= n {
		c.CurrentSlot %= n
	}
}

// SlotDuration sizes a slot to fit a maximum payload frame plus an ack, plus
// guard time, scaled by fudge to absorb scheduling jitter.
func SlotDuration(layer phy.Layer, maxPayload int, guard time.Duration, fudge float64) time.Duration {
	base := layer.CalculateAirtime(maxPayload+HeaderSize) + layer.CalculateAirtime(HeaderSize) + guard
	return time.Duration(float64(base) * fudge)
}
