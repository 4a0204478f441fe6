// Package sim simulates a shared radio medium so that many TDMA nodes can run
// in one process. Each node owns a LoRaPhy attached to a Channel of a Medium.
package sim

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/radio.mesh/internal/monitoring"
	"github.com/banshee-data/radio.mesh/internal/timeutil"
)

// ErrMediumClosed is returned when transmitting on a closed Medium.
var ErrMediumClosed = errors.New("sim: medium closed")

// Transmission describes one frame put on air.
type Transmission struct {
	Start    time.Time
	Channel  int
	Sender   uint8
	Frame    []byte
	Airtime  time.Duration
	Collided bool
}

// ChannelStats counts activity on one channel.
type ChannelStats struct {
	Transmissions int `json:"transmissions"`
	Collisions    int `json:"collisions"`
	Deliveries    int `json:"deliveries"`
}

// receiver is the medium's view of an attached PHY.
type receiver interface {
	address() uint8
	deliver(frame []byte)
}

// Medium is the registry of simulated channels. Channels are created on
// first use and live as long as the Medium.
type Medium struct {
	mu       sync.Mutex
	channels map[int]*Channel
	closed   bool
	inflight sync.WaitGroup

	metrics *monitoring.LinkMetrics

	obsMu     sync.RWMutex
	observers []func(Transmission)
}

// NewMedium returns an empty Medium. metrics may be nil.
func NewMedium(metrics *monitoring.LinkMetrics) *Medium {
	return &Medium{
		channels: make(map[int]*Channel),
		metrics:  metrics,
	}
}

// Observe registers fn to be called once for every transmission after its
// fate is known. fn is called from delivery goroutines and must be safe for
// concurrent use.
func (m *Medium) Observe(fn func(Transmission)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Medium) notify(t Transmission) {
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	for _, fn := range m.observers {
		fn(t)
	}
}

// Channel returns the channel with the given id, creating it if needed.
func (m *Medium) Channel(id int) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		ch = &Channel{
			id:      id,
			label:   strconv.Itoa(id),
			medium:  m,
			members: make(map[receiver]struct{}),
		}
		m.channels[id] = ch
	}
	return ch
}

// Register attaches r to channel id.
func (m *Medium) Register(id int, r receiver) {
	m.Channel(id).register(r)
}

// Unregister detaches r from channel id. Frames already on air still reach
// the remaining members.
func (m *Medium) Unregister(id int, r receiver) {
	m.Channel(id).unregister(r)
}

// Stats returns per-channel counters keyed by channel id.
func (m *Medium) Stats() map[int]ChannelStats {
	m.mu.Lock()
	chans := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.mu.Unlock()

	out := make(map[int]ChannelStats, len(chans))
	for _, ch := range chans {
		out[ch.id] = ch.Stats()
	}
	return out
}

// Close stops accepting transmissions and waits for in-flight deliveries.
func (m *Medium) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.inflight.Wait()
}

// begin reserves an in-flight slot, failing once the medium is closed.
func (m *Medium) begin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.inflight.Add(1)
	return true
}

// Channel is one shared frequency. At most one frame is on air at a time; a
// transmission that overlaps it corrupts both.
type Channel struct {
	id     int
	label  string
	medium *Medium

	mu      sync.Mutex
	members map[receiver]struct{}
	active  *Transmission
	stats   ChannelStats
}

// ID returns the channel id.
func (c *Channel) ID() int { return c.id }

func (c *Channel) register(r receiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members[r] = struct{}{}
}

func (c *Channel) unregister(r receiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.members, r)
}

// Busy reports whether a frame is on air.
func (c *Channel) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Stats returns a copy of the channel counters.
func (c *Channel) Stats() ChannelStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Transmit puts frame on air for airtime measured on clock. Delivery happens
// asynchronously once the airtime has elapsed. A frame sent while another is
// on air is dropped and marks the other as collided.
func (c *Channel) Transmit(clock timeutil.Clock, sender uint8, frame []byte, airtime time.Duration) error {
	if !c.medium.begin() {
		return ErrMediumClosed
	}
	t := &Transmission{
		Start:   clock.Now(),
		Channel: c.id,
		Sender:  sender,
		Frame:   append([]byte(nil), frame...),
		Airtime: airtime,
	}

	c.mu.Lock()
	c.stats.Transmissions++
	if c.active != nil {
		c.active.Collided = true
		victim := c.active.Sender
		c.stats.Collisions++
		c.mu.Unlock()

		c.medium.metrics.Collision(c.label)
		monitoring.Logf("sim: collision on channel %d, node %d overlapped node %d", c.id, sender, victim)
		t.Collided = true
		c.medium.notify(*t)
		c.medium.inflight.Done()
		return nil
	}
	c.active = t
	c.mu.Unlock()

	go c.deliver(clock.After(airtime), t)
	return nil
}

func (c *Channel) deliver(onAir <-chan time.Time, t *Transmission) {
	defer c.medium.inflight.Done()
	<-onAir

	c.mu.Lock()
	c.active = nil
	collided := t.Collided
	var targets []receiver
	if !collided {
		for r := range c.members {
			if r.address() != t.Sender {
				targets = append(targets, r)
			}
		}
		c.stats.Deliveries += len(targets)
	}
	c.mu.Unlock()

	for _, r := range targets {
		r.deliver(t.Frame)
		c.medium.metrics.Delivery(c.label)
	}
	c.medium.notify(*t)
}
