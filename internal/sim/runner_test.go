package sim

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/radio.mesh/internal/tdma"
	"github.com/banshee-data/radio.mesh/internal/turntimeout"
)

func TestAddressBook(t *testing.T) {
	t.Parallel()

	b := NewAddressBook(0)
	a1, err := b.Allocate("alpha")
	require.NoError(t, err)
	a2, err := b.Allocate("beta")
	require.NoError(t, err)

	assert.Equal(t, DefaultFirstAddress, a1)
	assert.Equal(t, DefaultFirstAddress+1, a2)
	if diff := cmp.Diff([]uint8{a1, a2}, b.Addresses()); diff != "" {
		t.Errorf("addresses (-want +got):\n%s", diff)
	}

	other, ok := b.FirstOther(a1)
	assert.True(t, ok)
	assert.Equal(t, a2, other)
	other, ok = b.FirstOther(a2)
	assert.True(t, ok)
	assert.Equal(t, a1, other)

	name, ok := b.Name(a2)
	assert.True(t, ok)
	assert.Equal(t, "beta", name)
}

func TestAddressBook_Exhausted(t *testing.T) {
	t.Parallel()

	b := NewAddressBook(254)
	_, err := b.Allocate("a")
	require.NoError(t, err)
	_, err = b.Allocate("b")
	require.NoError(t, err)
	_, err = b.Allocate("c")
	assert.ErrorIs(t, err, ErrAddressesExhausted)

	lone := NewAddressBook(0)
	addr, _ := lone.Allocate("solo")
	_, ok := lone.FirstOther(addr)
	assert.False(t, ok)
}

func TestParseLinkKind(t *testing.T) {
	t.Parallel()

	k, err := ParseLinkKind("turntimeout")
	require.NoError(t, err)
	assert.Equal(t, LinkTurnTimeout, k)
	_, err = ParseLinkKind("aloha")
	assert.Error(t, err)
}

func TestNewRunner_RejectsNoNodes(t *testing.T) {
	t.Parallel()

	_, err := NewRunner(NewMedium(nil), RunnerConfig{})
	assert.Error(t, err)
}

// start runs r in the background and stops it when the test ends.
func start(t *testing.T, m *Medium, r *Runner) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		r.Close()
		m.Close()
	})
}

func TestRunner_TwoNodesFormOneNetwork(t *testing.T) {
	if testing.Short() {
		t.Skip("runs in real time")
	}

	m := NewMedium(nil)
	r, err := NewRunner(m, RunnerConfig{
		Nodes:  2,
		Params: fastParams(),
		TDMA: tdma.Options{
			DiscoveryTimeout:   time.Second,
			JoinRequestTimeout: time.Second,
			HeartbeatThreshold: 1,
		},
		Stagger: 500 * time.Millisecond,
		Traffic: 200 * time.Millisecond,
		Seed:    7,
	})
	require.NoError(t, err)
	start(t, m, r)

	require.Eventually(t, func() bool {
		states := r.States()
		if !states[0].Joined || !states[1].Joined {
			return false
		}
		return len(states[0].TDMA.Registry) == 2 && len(states[1].TDMA.Registry) == 2
	}, 15*time.Second, 20*time.Millisecond)

	states := r.States()
	founder, joiner := states[0].TDMA, states[1].TDMA
	assert.Equal(t, []uint8{101, 102}, founder.Registry)
	assert.Equal(t, []uint8{101, 102}, joiner.Registry)
	assert.Equal(t, 3, founder.SlotCount)
	assert.Equal(t, 3, joiner.SlotCount)
	assert.NotEqual(t, founder.TxSlot, joiner.TxSlot)

	require.Eventually(t, func() bool {
		return r.Nodes()[1].State().Delivered > 0
	}, 10*time.Second, 20*time.Millisecond, "founder traffic reaches the joiner")

	for _, p := range r.Nodes()[1].Inbox() {
		assert.Equal(t, uint8(101), p.Source)
		assert.Equal(t, uint8(tdma.DefaultInterfaceID), p.Iface)
	}
}

func TestRunner_TurnTimeoutExchangesTraffic(t *testing.T) {
	if testing.Short() {
		t.Skip("runs in real time")
	}

	m := NewMedium(nil)
	r, err := NewRunner(m, RunnerConfig{
		Nodes:       2,
		Link:        LinkTurnTimeout,
		Params:      fastParams(),
		TurnTimeout: turntimeout.Options{Config: turntimeout.Config{TurnTimeout: 100 * time.Millisecond}},
		Stagger:     70 * time.Millisecond,
		Traffic:     150 * time.Millisecond,
		Seed:        3,
	})
	require.NoError(t, err)
	start(t, m, r)

	require.Eventually(t, func() bool {
		s := r.States()
		return s[0].Delivered > 0 && s[1].Delivered > 0
	}, 10*time.Second, 20*time.Millisecond)

	s := r.States()
	assert.Nil(t, s[0].TDMA)
	require.NotNil(t, s[0].Timeout)
	assert.Equal(t, 100*time.Millisecond, s[0].Timeout.Config.TurnTimeout)
}

func TestRunner_DriftIsSeeded(t *testing.T) {
	t.Parallel()

	cfg := RunnerConfig{Nodes: 3, DriftPPM: 20, Seed: 42}
	a, err := NewRunner(NewMedium(nil), cfg)
	require.NoError(t, err)
	b, err := NewRunner(NewMedium(nil), cfg)
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	for i := range a.Nodes() {
		pa, pb := a.Nodes()[i].State().DriftPPM, b.Nodes()[i].State().DriftPPM
		assert.Equal(t, pa, pb)
		assert.LessOrEqual(t, pa, 20.0)
		assert.GreaterOrEqual(t, pa, -20.0)
	}
}
