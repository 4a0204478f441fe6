package turntimeout

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/radio.mesh/internal/datalink"
	"github.com/banshee-data/radio.mesh/internal/monitoring"
	"github.com/banshee-data/radio.mesh/internal/phy"
	"github.com/banshee-data/radio.mesh/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

type memStore struct {
	values map[string]string
	err    error
}

func (s *memStore) Put(ns, key, value string) error {
	if s.err != nil {
		return s.err
	}
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[ns+"/"+key] = value
	return nil
}

func (s *memStore) Get(ns, key string) (string, bool, error) {
	if s.err != nil {
		return "", false, s.err
	}
	v, ok := s.values[ns+"/"+key]
	return v, ok, nil
}

func newTestLink(t *testing.T, opts Options) (*Link, *phy.MockLayer, *timeutil.MockClock, *datalink.Buffer) {
	t.Helper()
	layer := phy.NewMockLayer()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	sink := datalink.NewBuffer(8)
	if opts.Address == 0 {
		opts.Address = 101
	}
	opts.Clock = clock
	l := New(layer, sink, opts)
	require.NoError(t, l.Setup())
	return l, layer, clock, sink
}

func TestLink_FirstPacketSendsImmediately(t *testing.T) {
	t.Parallel()

	l, layer, _, _ := newTestLink(t, Options{})
	require.NoError(t, l.SendPacket(datalink.Packet{Destination: 102, Payload: []byte("hi")}))

	sent := layer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []byte{101, 102, 'h', 'i'}, sent[0])
	assert.Equal(t, 0, l.Info().CurrentSendBufferSize)
}

func TestLink_WaitsForTurnTimeout(t *testing.T) {
	t.Parallel()

	l, layer, clock, _ := newTestLink(t, Options{})
	require.NoError(t, l.SendPacket(datalink.Packet{Payload: []byte("a")}))
	require.NoError(t, l.SendPacket(datalink.Packet{Payload: []byte("b")}))
	require.Len(t, layer.Sent(), 1)
	assert.Equal(t, 3, l.Info().CurrentSendBufferSize)

	clock.Advance(DefaultTurnTimeout)
	l.Update()
	assert.Len(t, layer.Sent(), 1, "timeout must be exceeded, not reached")

	clock.Advance(time.Millisecond)
	l.Update()
	assert.Len(t, layer.Sent(), 2)
	assert.Equal(t, 0, l.Info().CurrentSendBufferSize)
}

func TestLink_ReceptionGivesTurn(t *testing.T) {
	t.Parallel()

	l, layer, clock, sink := newTestLink(t, Options{InterfaceID: 5})
	require.NoError(t, l.SendPacket(datalink.Packet{Payload: []byte("a")}))
	require.NoError(t, l.SendPacket(datalink.Packet{Payload: []byte("b")}))

	layer.Inject([]byte{7, 101, 'x', 'y'}, clock.Now())
	l.Update()

	assert.Len(t, layer.Sent(), 2)
	got := sink.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, datalink.Packet{Iface: 5, Source: 7, Destination: 101, Payload: []byte("xy")}, got[0])
	assert.False(t, l.Snapshot().Received, "sending clears the received flag")
}

func TestLink_ShortFrameIsRxError(t *testing.T) {
	t.Parallel()

	l, layer, clock, sink := newTestLink(t, Options{})
	layer.Inject([]byte{7}, clock.Now())
	l.Update()

	assert.Equal(t, 1, l.Info().RxErrors)
	assert.Zero(t, sink.Len())
	assert.False(t, l.Snapshot().Received)
}

func TestLink_CapacityErrors(t *testing.T) {
	t.Parallel()

	l, layer, _, _ := newTestLink(t, Options{MTU: 10, Config: Config{MaxSendBufferSize: 12}})
	layer.FailSends = true

	assert.ErrorIs(t, l.SendPacket(datalink.Packet{Payload: make([]byte, 9)}), ErrExceedsMTU)
	require.NoError(t, l.SendPacket(datalink.Packet{Payload: make([]byte, 8)}))
	assert.ErrorIs(t, l.SendPacket(datalink.Packet{Payload: make([]byte, 3)}), ErrSendBufferOverflow)

	info := l.Info()
	assert.Equal(t, 2, info.TxErrors)
	assert.Equal(t, 10, info.CurrentSendBufferSize)
	assert.True(t, info.SendBufferOverflow)

	require.NoError(t, l.SendPacket(datalink.Packet{}))
	assert.False(t, l.Info().SendBufferOverflow)
}

func TestLink_ConfigPersistence(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	l, layer, _, _ := newTestLink(t, Options{Store: store})

	want := Config{TurnTimeout: 400 * time.Millisecond, MaxSendBufferSize: 512}
	require.NoError(t, l.SetConfig(want, true))
	assert.Equal(t, 1, layer.Restarts())
	assert.Equal(t, "400", store.values[storeNamespace+"/turnTimeout"])

	other, _, _, _ := newTestLink(t, Options{Store: store})
	require.NoError(t, other.LoadConfig())
	assert.Equal(t, want, other.Config())
}

func TestLink_LoadConfigDefaults(t *testing.T) {
	t.Parallel()

	l, _, _, _ := newTestLink(t, Options{Store: &memStore{}, Config: Config{TurnTimeout: time.Second}})
	require.NoError(t, l.LoadConfig())
	assert.Equal(t, DefaultConfig(), l.Config())
}

func TestLink_ConfigErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk gone")
	l, _, _, _ := newTestLink(t, Options{Store: &memStore{err: boom}})
	assert.ErrorIs(t, l.SetConfig(DefaultConfig(), true), boom)
	assert.ErrorIs(t, l.LoadConfig(), boom)
	assert.Error(t, l.SetConfig(Config{}, false))

	bare, _, _, _ := newTestLink(t, Options{})
	assert.Error(t, bare.SaveConfig())
	require.NoError(t, bare.LoadConfig())
	assert.Equal(t, DefaultConfig(), bare.Config())
}
