package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/banshee-data/radio.mesh/internal/datalink"
	"github.com/banshee-data/radio.mesh/internal/monitoring"
	"github.com/banshee-data/radio.mesh/internal/phy"
	"github.com/banshee-data/radio.mesh/internal/tdma"
	"github.com/banshee-data/radio.mesh/internal/timeutil"
	"github.com/banshee-data/radio.mesh/internal/turntimeout"
)

// LinkKind selects the data link a Node runs.
type LinkKind string

const (
	LinkTDMA        LinkKind = "tdma"
	LinkTurnTimeout LinkKind = "turntimeout"
)

// ParseLinkKind validates a link name.
func ParseLinkKind(s string) (LinkKind, error) {
	switch k := LinkKind(s); k {
	case LinkTDMA, LinkTurnTimeout:
		return k, nil
	}
	return "", fmt.Errorf("sim: unknown link %q (want %s or %s)", s, LinkTDMA, LinkTurnTimeout)
}

// NodeConfig describes one simulated node.
type NodeConfig struct {
	Name    string
	Address uint8
	Link    LinkKind
	Channel int
	Params  phy.LoRaParams
	// Clock is the node's local clock; it may drift from the others.
	Clock timeutil.Clock
	// TDMA is used when Link is LinkTDMA. Address, Channel and Clock are
	// filled in from the node.
	TDMA tdma.Options
	// TurnTimeout is used when Link is LinkTurnTimeout.
	TurnTimeout turntimeout.Options
	// Traffic is the interval between dummy packets. Zero disables traffic.
	Traffic time.Duration
	// Peers resolves the dummy traffic destination.
	Peers *AddressBook
}

// NodeState is a point-in-time view of a Node.
type NodeState struct {
	Name      string             `json:"name"`
	Address   uint8              `json:"address"`
	Link      LinkKind           `json:"link"`
	Joined    bool               `json:"joined"`
	Sent      int                `json:"sent"`
	Delivered int                `json:"delivered"`
	DriftPPM  float64            `json:"drift_ppm"`
	TDMA      *tdma.State        `json:"tdma,omitempty"`
	Timeout   *turntimeout.State `json:"turn_timeout,omitempty"`
	Info      datalink.Info      `json:"info"`
}

// Node is one simulated radio: a data link over a LoRaPhy, plus an optional
// dummy traffic generator. The link is only touched with mu held so that
// State may be called from other goroutines.
type Node struct {
	cfg   NodeConfig
	clock timeutil.Clock
	phy   *LoRaPhy

	mu      sync.Mutex
	link    datalink.Interface
	radio   *tdma.Radio
	timeout *turntimeout.Link
	limiter *rate.Limiter
	seq     int
	sent    int

	inbox *datalink.Buffer
	recv  int
}

// NewNode builds a node attached to medium and runs the link's Setup.
func NewNode(medium *Medium, cfg NodeConfig) (*Node, error) {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Link == "" {
		cfg.Link = LinkTDMA
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("node-%d", cfg.Address)
	}

	n := &Node{
		cfg:   cfg,
		clock: cfg.Clock,
		phy:   NewLoRaPhy(medium, cfg.Address, cfg.Params, cfg.Clock),
		inbox: datalink.NewBuffer(256),
	}
	sink := datalink.SinkFunc(n.receive)

	switch cfg.Link {
	case LinkTDMA:
		opts := cfg.TDMA
		opts.Address = cfg.Address
		opts.Channel = cfg.Channel
		opts.Clock = cfg.Clock
		n.radio = tdma.New(n.phy, sink, opts)
		n.link = n.radio
	case LinkTurnTimeout:
		opts := cfg.TurnTimeout
		opts.Address = cfg.Address
		opts.Channel = cfg.Channel
		opts.Clock = cfg.Clock
		n.timeout = turntimeout.New(n.phy, sink, opts)
		n.link = n.timeout
	default:
		return nil, fmt.Errorf("sim: unknown link %q", cfg.Link)
	}

	if cfg.Traffic > 0 {
		n.limiter = rate.NewLimiter(rate.Every(cfg.Traffic), 1)
	}
	if err := n.link.Setup(); err != nil {
		return nil, fmt.Errorf("node %s: %w", cfg.Name, err)
	}
	return n, nil
}

// Address returns the node's address.
func (n *Node) Address() uint8 { return n.cfg.Address }

// Name returns the node's name.
func (n *Node) Name() string { return n.cfg.Name }

// PHY returns the node's simulated radio.
func (n *Node) PHY() *LoRaPhy { return n.phy }

func (n *Node) receive(p datalink.Packet) {
	n.recv++
	n.inbox.Push(p)
}

// Inbox returns and clears the packets delivered upstream so far.
func (n *Node) Inbox() []datalink.Packet {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.inbox.Drain()
}

// Send queues p on the node's link.
func (n *Node) Send(p datalink.Packet) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.link.SendPacket(p)
}

// Tick generates traffic if due and runs one link update.
func (n *Node) Tick() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.limiter != nil && n.joined() && n.limiter.AllowN(n.clock.Now(), 1) {
		n.pushDummy()
	}
	n.link.Update()
}

func (n *Node) pushDummy() {
	dest := datalink.Broadcast
	if n.cfg.Peers != nil {
		if a, ok := n.cfg.Peers.FirstOther(n.cfg.Address); ok {
			dest = a
		}
	}
	n.seq++
	payload := []byte(fmt.Sprintf("%d:%d", n.cfg.Address, n.seq))
	if err := n.link.SendPacket(datalink.Packet{Source: n.cfg.Address, Destination: dest, Payload: payload}); err != nil {
		monitoring.Logf("%s: dummy packet: %v", n.cfg.Name, err)
		return
	}
	n.sent++
}

func (n *Node) joined() bool {
	if n.radio != nil {
		return n.radio.Mode() != tdma.ModeDiscovery
	}
	return true
}

// Run ticks the node every tick of its own clock until ctx is done. Frames
// heard before Run are discarded.
func (n *Node) Run(ctx context.Context, tick time.Duration) error {
	n.phy.Flush()
	t := n.clock.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C():
			n.Tick()
		}
	}
}

// State returns a snapshot of the node.
func (n *Node) State() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := NodeState{
		Name:      n.cfg.Name,
		Address:   n.cfg.Address,
		Link:      n.cfg.Link,
		Joined:    n.joined(),
		Sent:      n.sent,
		Delivered: n.recv,
		Info:      n.link.Info(),
	}
	if dc, ok := n.clock.(*timeutil.DriftClock); ok {
		s.DriftPPM = dc.PPM()
	}
	if n.radio != nil {
		rs := n.radio.Snapshot()
		s.TDMA = &rs
	}
	if n.timeout != nil {
		ts := n.timeout.Snapshot()
		s.Timeout = &ts
	}
	return s
}

// Close detaches the node from the medium.
func (n *Node) Close() {
	n.phy.Detach()
}
