package sim

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/banshee-data/radio.mesh/internal/monitoring"
	"github.com/banshee-data/radio.mesh/internal/phy"
	"github.com/banshee-data/radio.mesh/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	goleak.VerifyTestMain(m)
}

var simEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fastParams keeps airtimes in the low milliseconds.
func fastParams() phy.LoRaParams {
	p := phy.DefaultLoRaParams()
	p.BandwidthHz = 500e3
	return p
}

func attach(t *testing.T, m *Medium, clock timeutil.Clock, addrs ...uint8) []*LoRaPhy {
	t.Helper()
	out := make([]*LoRaPhy, len(addrs))
	for i, a := range addrs {
		out[i] = NewLoRaPhy(m, a, fastParams(), clock)
		require.NoError(t, out[i].Setup())
	}
	return out
}

func drain(p *LoRaPhy) [][]byte {
	var out [][]byte
	for {
		f, _, ok := p.ReadPacket()
		if !ok {
			return out
		}
		out = append(out, f)
	}
}

func TestChannel_DeliversAfterAirtime(t *testing.T) {
	clock := timeutil.NewMockClock(simEpoch)
	m := NewMedium(nil)
	phys := attach(t, m, clock, 1, 2, 3)
	a, b, c := phys[0], phys[1], phys[2]

	frame := []byte{4, 1, 0, 1, 0, 255}
	require.Equal(t, len(frame), a.SendPacket(frame))
	assert.True(t, b.IsBusy())

	_, _, ok := b.ReadPacket()
	assert.False(t, ok, "nothing arrives before the airtime has passed")

	clock.Advance(a.CalculateAirtime(len(frame)))
	m.Close()

	assert.False(t, b.IsBusy())
	got, arrival, ok := b.ReadPacket()
	require.True(t, ok)
	assert.Equal(t, frame, got)
	assert.Equal(t, clock.Now(), arrival)
	assert.Len(t, drain(c), 1)
	assert.Empty(t, drain(a), "sender does not hear itself")

	assert.Equal(t, ChannelStats{Transmissions: 1, Deliveries: 2}, m.Stats()[0])
	assert.Equal(t, 1, a.Info().Sent)
	assert.Equal(t, 1, b.Info().Received)
}

func TestChannel_CollisionDropsBoth(t *testing.T) {
	clock := timeutil.NewMockClock(simEpoch)
	m := NewMedium(nil)

	var mu sync.Mutex
	var seen []Transmission
	m.Observe(func(tx Transmission) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, tx)
	})

	phys := attach(t, m, clock, 1, 2, 3)
	frame := []byte{0, 1, 0, 1, 0, 255, 'x'}
	require.Positive(t, phys[0].SendPacket(frame))
	require.Positive(t, phys[1].SendPacket(frame))

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return !phys[2].IsBusy() }, time.Second, time.Millisecond)
	assert.Empty(t, drain(phys[2]))
	assert.Empty(t, drain(phys[0]))
	assert.Equal(t, ChannelStats{Transmissions: 2, Collisions: 1}, m.Stats()[0])

	// The channel recovers once the collided airtime has passed.
	next := []byte{1, 1, 1, 1, 0, 255, 'y'}
	require.Positive(t, phys[0].SendPacket(next))
	clock.Advance(time.Second)
	m.Close()

	got := drain(phys[2])
	require.Len(t, got, 1)
	assert.Equal(t, next, got[0])
	assert.Len(t, drain(phys[1]), 1)
	assert.Equal(t, ChannelStats{Transmissions: 3, Collisions: 1, Deliveries: 2}, m.Stats()[0])

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	collided := map[uint8]bool{}
	for _, tx := range seen {
		if tx.Collided {
			collided[tx.Sender] = true
		} else {
			assert.Equal(t, next, tx.Frame)
		}
	}
	assert.Equal(t, map[uint8]bool{1: true, 2: true}, collided)
}

func TestChannel_Isolation(t *testing.T) {
	clock := timeutil.NewMockClock(simEpoch)
	m := NewMedium(nil)
	phys := attach(t, m, clock, 1, 2, 3)
	phys[2].SetChannel(7)
	assert.Equal(t, 7, phys[2].Channel())

	require.Positive(t, phys[0].SendPacket([]byte{1, 2, 3, 4, 5, 6}))
	assert.False(t, phys[2].IsBusy())

	clock.Advance(time.Second)
	m.Close()

	assert.Len(t, drain(phys[1]), 1)
	assert.Empty(t, drain(phys[2]))
	assert.Equal(t, 0, m.Stats()[7].Transmissions)
}

func TestChannel_DeliveryOutlivesSender(t *testing.T) {
	clock := timeutil.NewMockClock(simEpoch)
	m := NewMedium(nil)
	phys := attach(t, m, clock, 1, 2)

	require.Positive(t, phys[0].SendPacket([]byte{1, 2, 3, 4, 5, 6}))
	phys[0].Detach()

	clock.Advance(time.Second)
	m.Close()
	assert.Len(t, drain(phys[1]), 1)
}

func TestLoRaPhy_SendErrors(t *testing.T) {
	clock := timeutil.NewMockClock(simEpoch)
	m := NewMedium(nil)

	detached := NewLoRaPhy(m, 9, fastParams(), clock)
	assert.Zero(t, detached.SendPacket([]byte{1}), "send before setup fails")

	phys := attach(t, m, clock, 1)
	assert.Zero(t, phys[0].SendPacket(nil))
	assert.Zero(t, phys[0].SendPacket(make([]byte, 300)))

	m.Close()
	assert.Zero(t, phys[0].SendPacket([]byte{1, 2, 3, 4, 5, 6}))
	assert.Equal(t, 3, phys[0].Info().TxErrors)
	assert.Equal(t, 1, detached.Info().TxErrors)
}

func TestLoRaPhy_SetupRejectsBadParams(t *testing.T) {
	p := fastParams()
	p.SpreadingFactor = 3
	l := NewLoRaPhy(NewMedium(nil), 1, p, nil)
	assert.ErrorIs(t, l.Setup(), phy.ErrSetup)
}

func TestLoRaPhy_RxQueueBounded(t *testing.T) {
	l := NewLoRaPhy(NewMedium(nil), 1, fastParams(), timeutil.NewMockClock(simEpoch))
	for i := 0; i < rxQueueLimit+5; i++ {
		l.deliver([]byte{byte(i)})
	}
	frames := drain(l)
	require.Len(t, frames, rxQueueLimit)
	assert.Equal(t, []byte{5}, frames[0], "oldest frames are dropped")
	assert.Equal(t, 5, l.Info().RxErrors)
}

func TestLoRaPhy_RestartFlushes(t *testing.T) {
	clock := timeutil.NewMockClock(simEpoch)
	m := NewMedium(nil)
	phys := attach(t, m, clock, 1, 2)
	phys[1].deliver([]byte{9})
	phys[1].Restart()
	assert.Empty(t, drain(phys[1]))

	require.Positive(t, phys[0].SendPacket([]byte{1, 2, 3, 4, 5, 6}))
	clock.Advance(time.Second)
	m.Close()
	assert.Len(t, drain(phys[1]), 1, "still attached after restart")
}
