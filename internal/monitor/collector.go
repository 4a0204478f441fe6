// Package monitor turns link events and node snapshots into charts, plots,
// debug pages and a gRPC health status.
package monitor

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/radio.mesh/internal/tdma"
)

// DefaultMaxSamples bounds how many transmissions a Collector keeps.
const DefaultMaxSamples = 100_000

// SlotSample is one frame a node sent in its slot.
type SlotSample struct {
	Node uint8           `json:"node"`
	At   time.Time       `json:"at"`
	Slot int             `json:"slot"`
	Type tdma.PacketType `json:"type"`
	Size int             `json:"size"`
}

// ResyncSample is one slot anchor correction.
type ResyncSample struct {
	Node       uint8         `json:"node"`
	At         time.Time     `json:"at"`
	Correction time.Duration `json:"correction"`
}

// JitterStats summarises resync corrections.
type JitterStats struct {
	Count  int           `json:"count"`
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"stddev"`
	MaxAbs time.Duration `json:"max_abs"`
}

// Collector accumulates tdma events from any number of radios. Handle is
// safe for concurrent use and can be installed as tdma.Options.OnEvent.
type Collector struct {
	max int

	mu         sync.Mutex
	sends      []SlotSample
	resyncs    []ResyncSample
	joined     map[uint8]time.Time
	received   map[uint8]int
	mismatches int
	dropped    int
}

// NewCollector returns a collector that keeps at most max send samples.
// max <= 0 uses DefaultMaxSamples.
func NewCollector(max int) *Collector {
	if max <= 0 {
		max = DefaultMaxSamples
	}
	return &Collector{
		max:      max,
		joined:   make(map[uint8]time.Time),
		received: make(map[uint8]int),
	}
}

// Handle records e. Slot shifts and phase changes are ignored.
func (c *Collector) Handle(e tdma.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.Kind {
	case tdma.EventSent:
		if len(c.sends) >= c.max {
			c.dropped++
			return
		}
		c.sends = append(c.sends, SlotSample{Node: e.Node, At: e.At, Slot: e.Slot, Type: e.Type, Size: e.Size})
	case tdma.EventResync:
		c.resyncs = append(c.resyncs, ResyncSample{Node: e.Node, At: e.At, Correction: e.Correction})
	case tdma.EventJoined:
		if _, ok := c.joined[e.Node]; !ok {
			c.joined[e.Node] = e.At
		}
	case tdma.EventReceived:
		c.received[e.Node]++
	case tdma.EventMismatch:
		c.mismatches++
	}
}

// Sends returns the recorded transmissions in time order.
func (c *Collector) Sends() []SlotSample {
	c.mu.Lock()
	out := append([]SlotSample(nil), c.sends...)
	c.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Resyncs returns the recorded corrections in time order.
func (c *Collector) Resyncs() []ResyncSample {
	c.mu.Lock()
	out := append([]ResyncSample(nil), c.resyncs...)
	c.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// JoinTimes returns when each node first left discovery.
func (c *Collector) JoinTimes() map[uint8]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint8]time.Time, len(c.joined))
	for k, v := range c.joined {
		out[k] = v
	}
	return out
}

// Received returns how many frames each node decoded.
func (c *Collector) Received() map[uint8]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint8]int, len(c.received))
	for k, v := range c.received {
		out[k] = v
	}
	return out
}

// Mismatches is the number of slot occupant mismatches seen.
func (c *Collector) Mismatches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mismatches
}

// Dropped is the number of send samples discarded after the cap was hit.
func (c *Collector) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Jitter computes statistics over every resync correction.
func (c *Collector) Jitter() JitterStats {
	c.mu.Lock()
	xs := make([]float64, len(c.resyncs))
	var maxAbs time.Duration
	for i, r := range c.resyncs {
		xs[i] = float64(r.Correction)
		abs := r.Correction
		if abs < 0 {
			abs = -abs
		}
		if abs > maxAbs {
			maxAbs = abs
		}
	}
	c.mu.Unlock()

	js := JitterStats{Count: len(xs), MaxAbs: maxAbs}
	switch len(xs) {
	case 0:
	case 1:
		js.Mean = time.Duration(xs[0])
	default:
		mean, std := stat.MeanStdDev(xs, nil)
		js.Mean = time.Duration(mean)
		js.StdDev = time.Duration(std)
	}
	return js
}
