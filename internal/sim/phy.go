package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/radio.mesh/internal/monitoring"
	"github.com/banshee-data/radio.mesh/internal/phy"
	"github.com/banshee-data/radio.mesh/internal/timeutil"
)

// rxQueueLimit bounds frames waiting in a LoRaPhy; the oldest is dropped.
const rxQueueLimit = 64

type rxFrame struct {
	data    []byte
	arrival time.Time
}

// LoRaPhy is a phy.Layer that transmits on a simulated Medium with LoRa
// airtimes. Arrival times are stamped with the receiving node's clock.
type LoRaPhy struct {
	medium *Medium
	addr   uint8
	params phy.LoRaParams
	clock  timeutil.Clock

	mu       sync.Mutex
	channel  int
	attached bool
	rx       []rxFrame
	info     phy.Info
}

var _ phy.Layer = (*LoRaPhy)(nil)

// NewLoRaPhy returns a PHY for node addr. It joins the medium on Setup.
func NewLoRaPhy(medium *Medium, addr uint8, params phy.LoRaParams, clock timeutil.Clock) *LoRaPhy {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &LoRaPhy{
		medium: medium,
		addr:   addr,
		params: params,
		clock:  clock,
		info:   phy.Info{MTU: 255},
	}
}

func (p *LoRaPhy) address() uint8 { return p.addr }

func (p *LoRaPhy) deliver(frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rx) >= rxQueueLimit {
		p.rx = p.rx[1:]
		p.info.RxErrors++
	}
	p.rx = append(p.rx, rxFrame{data: append([]byte(nil), frame...), arrival: p.clock.Now()})
}

// Setup validates the radio parameters and attaches to the current channel.
func (p *LoRaPhy) Setup() error {
	if err := p.params.Validate(); err != nil {
		return fmt.Errorf("%w: %v", phy.ErrSetup, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.attached {
		p.medium.Register(p.channel, p)
		p.attached = true
	}
	return nil
}

// SetChannel moves the radio to channel id.
func (p *LoRaPhy) SetChannel(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached && id != p.channel {
		p.medium.Unregister(p.channel, p)
		p.medium.Register(id, p)
	}
	p.channel = id
}

// Channel returns the current channel id.
func (p *LoRaPhy) Channel() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel
}

func (p *LoRaPhy) SendPacket(frame []byte) int {
	p.mu.Lock()
	ch, attached := p.channel, p.attached
	if len(frame) == 0 || len(frame) > p.info.MTU || !attached {
		p.info.TxErrors++
		p.mu.Unlock()
		return 0
	}
	p.mu.Unlock()

	if err := p.medium.Channel(ch).Transmit(p.clock, p.addr, frame, p.CalculateAirtime(len(frame))); err != nil {
		monitoring.Logf("sim: node %d transmit: %v", p.addr, err)
		p.mu.Lock()
		p.info.TxErrors++
		p.mu.Unlock()
		return 0
	}

	p.mu.Lock()
	p.info.Sent++
	p.mu.Unlock()
	return len(frame)
}

func (p *LoRaPhy) ReadPacket() ([]byte, time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rx) == 0 {
		return nil, time.Time{}, false
	}
	f := p.rx[0]
	p.rx[0] = rxFrame{}
	p.rx = p.rx[1:]
	p.info.Received++
	p.info.LastReceived = f.arrival
	return f.data, f.arrival, true
}

func (p *LoRaPhy) CalculateAirtime(payloadSize int) time.Duration {
	return p.params.Airtime(payloadSize)
}

// IsBusy reports whether the current channel has a frame on air.
func (p *LoRaPhy) IsBusy() bool {
	return p.medium.Channel(p.Channel()).Busy()
}

// Restart drops queued frames and reattaches to the current channel.
func (p *LoRaPhy) Restart() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx = nil
	p.medium.Unregister(p.channel, p)
	p.medium.Register(p.channel, p)
	p.attached = true
}

// Flush drops every queued frame.
func (p *LoRaPhy) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx = nil
}

// Detach leaves the medium. Frames already on air are not delivered to this
// radio.
func (p *LoRaPhy) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached {
		p.medium.Unregister(p.channel, p)
		p.attached = false
	}
}

func (p *LoRaPhy) Info() phy.Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}
