package sim

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/radio.mesh/internal/monitoring"
	"github.com/banshee-data/radio.mesh/internal/phy"
	"github.com/banshee-data/radio.mesh/internal/tdma"
	"github.com/banshee-data/radio.mesh/internal/timeutil"
	"github.com/banshee-data/radio.mesh/internal/turntimeout"
)

// DefaultTick is how often each node's Update runs.
const DefaultTick = time.Millisecond

// RunnerConfig describes a whole simulation.
type RunnerConfig struct {
	Nodes   int
	Link    LinkKind
	Channel int
	Params  phy.LoRaParams

	TDMA        tdma.Options
	TurnTimeout turntimeout.Options

	// DriftPPM bounds each node's clock error, drawn uniformly from
	// [-DriftPPM, DriftPPM].
	DriftPPM float64
	// Seed makes drift and join coin flips reproducible.
	Seed int64
	// Traffic is the dummy packet interval per node. Zero disables it.
	Traffic time.Duration
	// Tick defaults to DefaultTick.
	Tick time.Duration
	// Stagger delays node i's start by i*Stagger so that a network exists
	// before later nodes sniff. It defaults to the discovery timeout.
	Stagger time.Duration
	// Clock is the shared reference clock. It defaults to RealClock.
	Clock timeutil.Clock
	// OnEvent receives TDMA events from every node. It must be safe for
	// concurrent use.
	OnEvent func(tdma.Event)
	// Metrics is passed to every link.
	Metrics *monitoring.LinkMetrics
}

// Runner owns the nodes of one simulation.
type Runner struct {
	cfg    RunnerConfig
	medium *Medium
	book   *AddressBook
	nodes  []*Node
}

// NewRunner creates cfg.Nodes nodes on medium with addresses from a fresh
// AddressBook.
func NewRunner(medium *Medium, cfg RunnerConfig) (*Runner, error) {
	if cfg.Nodes < 1 {
		return nil, fmt.Errorf("sim: need at least one node, got %d", cfg.Nodes)
	}
	if cfg.Link == "" {
		cfg.Link = LinkTDMA
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Params == (phy.LoRaParams{}) {
		cfg.Params = phy.DefaultLoRaParams()
	}
	if cfg.Stagger <= 0 {
		cfg.Stagger = cfg.TDMA.DiscoveryTimeout
		if cfg.Stagger <= 0 {
			cfg.Stagger = tdma.DefaultDiscoveryTimeout
		}
	}

	r := &Runner{cfg: cfg, medium: medium, book: NewAddressBook(DefaultFirstAddress)}
	rng := rand.New(rand.NewSource(cfg.Seed))
	for i := 0; i < cfg.Nodes; i++ {
		name := fmt.Sprintf("node-%d", i)
		addr, err := r.book.Allocate(name)
		if err != nil {
			return nil, err
		}

		ppm := 0.0
		if cfg.DriftPPM > 0 {
			ppm = (rng.Float64()*2 - 1) * cfg.DriftPPM
		}
		var clock timeutil.Clock = cfg.Clock
		if ppm != 0 {
			clock = timeutil.NewDriftClock(cfg.Clock, ppm)
		}

		topts := cfg.TDMA
		topts.Rand = rand.New(rand.NewSource(cfg.Seed + int64(i) + 1)).Float64
		topts.OnEvent = cfg.OnEvent
		topts.Metrics = cfg.Metrics
		tto := cfg.TurnTimeout
		tto.Metrics = cfg.Metrics

		n, err := NewNode(medium, NodeConfig{
			Name:        name,
			Address:     addr,
			Link:        cfg.Link,
			Channel:     cfg.Channel,
			Params:      cfg.Params,
			Clock:       clock,
			TDMA:        topts,
			TurnTimeout: tto,
			Traffic:     cfg.Traffic,
			Peers:       r.book,
		})
		if err != nil {
			r.Close()
			return nil, err
		}
		r.nodes = append(r.nodes, n)
	}
	return r, nil
}

// Nodes returns the simulated nodes in address order.
func (r *Runner) Nodes() []*Node { return r.nodes }

// AddressBook returns the book the node addresses came from.
func (r *Runner) AddressBook() *AddressBook { return r.book }

// Config returns the effective configuration.
func (r *Runner) Config() RunnerConfig { return r.cfg }

// Run starts every node, staggered, and returns once ctx is done and every
// node loop has exited.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, n := range r.nodes {
		delay := time.Duration(i) * r.cfg.Stagger
		g.Go(func() error {
			if delay > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-r.cfg.Clock.After(delay):
				}
			}
			monitoring.Logf("sim: starting %s (address %d)", n.Name(), n.Address())
			return n.Run(ctx, r.cfg.Tick)
		})
	}
	return g.Wait()
}

// States returns a snapshot of every node.
func (r *Runner) States() []NodeState {
	out := make([]NodeState, len(r.nodes))
	for i, n := range r.nodes {
		out[i] = n.State()
	}
	return out
}

// Close detaches every node from the medium.
func (r *Runner) Close() {
	for _, n := range r.nodes {
		n.Close()
	}
}
