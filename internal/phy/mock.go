package phy

import (
	"sync"
	"time"
)

// MockLayer is a Layer for unit tests. Frames passed to SendPacket are
// recorded, and frames queued with Inject are returned by ReadPacket in
// order.
type MockLayer struct {
	mu       sync.Mutex
	inbound  []rxFrame
	sent     [][]byte
	channel  int
	restarts int
	info     Info

	// SetupErr is returned by Setup when non-nil.
	SetupErr error
	// FailSends makes SendPacket report 0 bytes written. Frames over the
	// MTU are always refused.
	FailSends bool
	// Busy is returned by IsBusy.
	Busy bool
	// AirtimeFunc overrides the default airtime of 1ms per byte.
	AirtimeFunc func(payloadSize int) time.Duration
}

type rxFrame struct {
	data    []byte
	arrival time.Time
}

// NewMockLayer returns a MockLayer with a 256 byte MTU.
func NewMockLayer() *MockLayer {
	return &MockLayer{info: Info{MTU: 256}}
}

// SetMTU changes the MTU reported by Info.
func (m *MockLayer) SetMTU(mtu int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info.MTU = mtu
}

func (m *MockLayer) Setup() error {
	return m.SetupErr
}

func (m *MockLayer) SetChannel(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channel = id
}

// Channel returns the last channel set.
func (m *MockLayer) Channel() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel
}

func (m *MockLayer) SendPacket(frame []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSends || len(frame) > m.info.MTU {
		m.info.TxErrors++
		return 0
	}
	m.sent = append(m.sent, append([]byte(nil), frame...))
	m.info.Sent++
	return len(frame)
}

func (m *MockLayer) ReadPacket() ([]byte, time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inbound) == 0 {
		return nil, time.Time{}, false
	}
	f := m.inbound[0]
	m.inbound = m.inbound[1:]
	m.info.Received++
	m.info.LastReceived = f.arrival
	return f.data, f.arrival, true
}

func (m *MockLayer) CalculateAirtime(payloadSize int) time.Duration {
	if m.AirtimeFunc != nil {
		return m.AirtimeFunc(payloadSize)
	}
	return time.Duration(payloadSize) * time.Millisecond
}

func (m *MockLayer) IsBusy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Busy
}

func (m *MockLayer) Restart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts++
}

// Restarts returns how many times Restart was called.
func (m *MockLayer) Restarts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts
}

func (m *MockLayer) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// Inject queues a frame to be returned by ReadPacket with the given arrival
// time.
func (m *MockLayer) Inject(frame []byte, arrival time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound = append(m.inbound, rxFrame{data: append([]byte(nil), frame...), arrival: arrival})
}

// Sent returns a copy of every frame written so far.
func (m *MockLayer) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

// ClearSent forgets recorded frames.
func (m *MockLayer) ClearSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}
