package tdma

import (
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/radio.mesh/internal/phy"
	"github.com/banshee-data/radio.mesh/internal/timeutil"
)

// airFrame is a frame on air between start and end.
type airFrame struct {
	from     int
	data     []byte
	start    time.Time
	end      time.Time
	collided bool
}

// air links radios over mock layers on one clock. A frame reaches every
// other radio once its airtime has passed, unless another frame overlapped
// it, in which case neither arrives.
type air struct {
	t      *testing.T
	clock  *timeutil.MockClock
	radios []*Radio
	layers []*phy.MockLayer
	seen   []int

	onAir      []*airFrame
	collisions int
}

func newAir(t *testing.T) *air {
	return &air{t: t, clock: timeutil.NewMockClock(epoch)}
}

func (a *air) add(addr uint8, mutate func(*Options)) *Radio {
	a.t.Helper()
	layer := phy.NewMockLayer()
	opts := Options{Address: addr, Clock: a.clock}
	if mutate != nil {
		mutate(&opts)
	}
	r := New(layer, nil, opts)
	require.NoError(a.t, r.Setup())
	a.radios = append(a.radios, r)
	a.layers = append(a.layers, layer)
	a.seen = append(a.seen, 0)
	return r
}

// step advances the clock by d, lands finished frames and ticks every radio.
func (a *air) step(d time.Duration) {
	a.clock.Advance(d)
	now := a.clock.Now()

	kept := a.onAir[:0]
	for _, f := range a.onAir {
		if f.end.After(now) {
			kept = append(kept, f)
			continue
		}
		if f.collided {
			continue
		}
		for i, l := range a.layers {
			if i != f.from {
				l.Inject(f.data, f.end)
			}
		}
	}
	a.onAir = kept

	for i, r := range a.radios {
		r.Update()
		if n := a.layers[i].Info().Sent; n > a.seen[i] {
			sent := a.layers[i].Sent()
			for _, data := range sent[a.seen[i]:] {
				a.transmit(i, data, now)
			}
			a.seen[i] = n
		}
	}
}

func (a *air) transmit(from int, data []byte, now time.Time) {
	f := &airFrame{from: from, data: data, start: now, end: now.Add(a.layers[from].CalculateAirtime(len(data)))}
	for _, other := range a.onAir {
		if other.end.After(f.start) {
			other.collided, f.collided = true, true
		}
	}
	if f.collided {
		a.collisions++
	}
	a.onAir = append(a.onAir, f)
}

// runUntil steps in 1ms increments until done or limit elapses.
func (a *air) runUntil(limit time.Duration, done func() bool) bool {
	for deadline := a.clock.Now().Add(limit); a.clock.Now().Before(deadline); {
		a.step(time.Millisecond)
		if done() {
			return true
		}
	}
	return false
}

// firstThen returns 0 on the first call, then values from a seeded source.
func firstThen(seed int64) func() float64 {
	rng := rand.New(rand.NewSource(seed))
	first := true
	return func() float64 {
		if first {
			first = false
			return 0
		}
		return rng.Float64()
	}
}

func TestAir_CollidingJoinRequestsRecover(t *testing.T) {
	t.Parallel()

	a := newAir(t)
	founder := a.add(101, func(o *Options) {
		o.DiscoveryTimeout = time.Second
		o.HeartbeatThreshold = 1
	})
	require.True(t, a.runUntil(5*time.Second, func() bool { return founder.Mode() != ModeDiscovery }))

	joiner := func(seed int64) func(*Options) {
		return func(o *Options) {
			o.JoinRequestTimeout = time.Second
			o.HeartbeatThreshold = 1
			o.Rand = firstThen(seed)
		}
	}
	b := a.add(102, joiner(1))
	c := a.add(103, joiner(2))

	// Both hear the same heartbeat, pick the same candidate slot and win
	// their first coin flip, so their join requests overlap.
	require.True(t, a.runUntil(5*time.Second, func() bool { return a.collisions > 0 }), "join requests never collided")
	assert.Equal(t, PhaseJoinRequestResponse, b.Phase())
	assert.Equal(t, PhaseJoinRequestResponse, c.Phase())
	assert.Equal(t, []uint8{101}, founder.Registry(), "founder heard neither request")

	joined := func() bool {
		reg := founder.Registry()
		return b.Mode() != ModeDiscovery && c.Mode() != ModeDiscovery &&
			len(reg) == 3 && !slices.Contains(reg, Placeholder)
	}
	require.True(t, a.runUntil(120*time.Second, joined), "joiners never recovered: b=%v c=%v", b.Phase(), c.Phase())

	bs, cs := b.Slots(), c.Slots()
	assert.NotEqual(t, bs.TxSlot, cs.TxSlot)
	assert.NotEqual(t, founder.Slots().TxSlot, bs.TxSlot)
	assert.NotEqual(t, founder.Slots().TxSlot, cs.TxSlot)
	assert.ElementsMatch(t, []uint8{101, 102, 103}, founder.Registry())
	assert.Equal(t, 4, founder.Slots().SlotCount)
}
