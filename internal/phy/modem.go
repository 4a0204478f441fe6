package phy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/radio.mesh/internal/monitoring"
	"github.com/banshee-data/radio.mesh/internal/serialmux"
	"github.com/banshee-data/radio.mesh/internal/timeutil"
)

// ModemMTU is the largest frame the modem carries. AT+SEND takes at most
// 240 characters and frames are hex encoded.
const ModemMTU = 120

// Defaults for ModemConfig.
const (
	DefaultNetworkID      = 6
	DefaultChannelSpacing = 200e3
	DefaultCommandTimeout = time.Second
	DefaultSendTimeout    = 3 * time.Second
	modemRxQueueLimit     = 64
)

var (
	// ErrModemReply is returned (wrapped) when the modem answers +ERR.
	ErrModemReply = errors.New("modem returned an error")
	// ErrModemTimeout is returned (wrapped) when the modem does not answer.
	ErrModemTimeout = errors.New("modem did not answer")
	// ErrModemClosed is returned when the serial mux has shut down.
	ErrModemClosed = errors.New("modem serial mux closed")
)

// loraBandwidths maps the AT+PARAMETER bandwidth codes to Hz.
var loraBandwidths = [...]float64{7.8e3, 10.4e3, 15.6e3, 20.8e3, 31.25e3, 41.7e3, 62.5e3, 125e3, 250e3, 500e3}

// BandwidthCode returns the AT+PARAMETER code for hz.
func BandwidthCode(hz float64) (int, error) {
	for i, bw := range loraBandwidths {
		if bw == hz {
			return i, nil
		}
	}
	return 0, fmt.Errorf("bandwidth %v Hz is not supported by the modem", hz)
}

// ModemConfig configures a Modem.
type ModemConfig struct {
	Address   uint16
	NetworkID int
	Params    LoRaParams
	// ChannelSpacing separates logical channels above Params.FrequencyHz.
	ChannelSpacing float64
	// CommandTimeout bounds each setup command.
	CommandTimeout time.Duration
	// SendTimeout is how long a send may wait for +OK before the modem is
	// considered free again.
	SendTimeout time.Duration
	Clock       timeutil.Clock
}

func (c ModemConfig) withDefaults() ModemConfig {
	if c.NetworkID == 0 {
		c.NetworkID = DefaultNetworkID
	}
	if c.Params == (LoRaParams{}) {
		c.Params = DefaultLoRaParams()
	}
	if c.ChannelSpacing <= 0 {
		c.ChannelSpacing = DefaultChannelSpacing
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	return c
}

// Modem is a Layer backed by a REYAX RYLR896-style UART modem. Lines from
// the device arrive through a serialmux subscription and are consumed on
// each poll, so the data link keeps its single-goroutine tick model.
type Modem struct {
	mux   serialmux.SerialMuxInterface
	cfg   ModemConfig
	clock timeutil.Clock

	subID string
	lines chan string

	mu           sync.Mutex
	channel      int
	rx           []rxFrame
	pending      bool
	pendingSince time.Time
	info         Info
	state        serialmux.DeviceState
}

// NewModem subscribes to mux. Setup must be called before use and Close
// releases the subscription.
func NewModem(mux serialmux.SerialMuxInterface, cfg ModemConfig) *Modem {
	cfg = cfg.withDefaults()
	id, lines := mux.Subscribe()
	return &Modem{
		mux:   mux,
		cfg:   cfg,
		clock: cfg.Clock,
		subID: id,
		lines: lines,
		info:  Info{MTU: ModemMTU},
	}
}

// Setup writes the address, network id, band and radio parameters and
// waits for each to be acknowledged.
func (m *Modem) Setup() error {
	if err := m.cfg.Params.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrSetup, err)
	}
	if m.cfg.NetworkID < 0 || m.cfg.NetworkID > 16 {
		return fmt.Errorf("%w: network id %d out of range [0,16]", ErrSetup, m.cfg.NetworkID)
	}
	bw, err := BandwidthCode(m.cfg.Params.BandwidthHz)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSetup, err)
	}
	m.mu.Lock()
	band := m.bandLocked()
	m.mu.Unlock()

	commands := []string{
		fmt.Sprintf("AT+ADDRESS=%d", m.cfg.Address),
		fmt.Sprintf("AT+NETWORKID=%d", m.cfg.NetworkID),
		fmt.Sprintf("AT+BAND=%d", band),
		fmt.Sprintf("AT+PARAMETER=%d,%d,%d,%d", m.cfg.Params.SpreadingFactor, bw, m.cfg.Params.CodingRate, clamp(m.cfg.Params.PreambleLength, 4, 7)),
	}
	for _, cmd := range commands {
		if err := m.command(cmd); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrSetup, cmd, err)
		}
	}
	monitoring.Logf("modem: address %d on %d Hz ready", m.cfg.Address, band)
	return nil
}

// command sends cmd and blocks until +OK, +ERR or the command timeout.
// Receptions that arrive meanwhile are queued.
func (m *Modem) command(cmd string) error {
	if err := m.mux.SendCommand(cmd); err != nil {
		return err
	}
	deadline := m.clock.After(m.cfg.CommandTimeout)
	for {
		select {
		case line, ok := <-m.lines:
			if !ok {
				return ErrModemClosed
			}
			switch serialmux.ClassifyLine(line) {
			case serialmux.EventTypeOK:
				return nil
			case serialmux.EventTypeError:
				code, _ := serialmux.ParseError(line)
				return fmt.Errorf("%w: +ERR=%d", ErrModemReply, code)
			default:
				m.handle(line)
			}
		case <-deadline:
			return ErrModemTimeout
		}
	}
}

func (m *Modem) bandLocked() int64 {
	return int64(m.cfg.Params.FrequencyHz + float64(m.channel)*m.cfg.ChannelSpacing)
}

// SetChannel retunes the modem. Failures are logged and counted.
func (m *Modem) SetChannel(id int) {
	m.mu.Lock()
	m.channel = id
	band := m.bandLocked()
	m.mu.Unlock()
	if err := m.mux.SendCommand(fmt.Sprintf("AT+BAND=%d", band)); err != nil {
		monitoring.Logf("modem: failed to set band %d: %v", band, err)
		m.mu.Lock()
		m.info.TxErrors++
		m.mu.Unlock()
	}
}

// SendPacket writes frame with AT+SEND. It returns 0 when the frame is
// empty or too large, when a previous send is still awaiting +OK, or when
// the serial write fails.
func (m *Modem) SendPacket(frame []byte) int {
	m.poll()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(frame) == 0 || len(frame) > ModemMTU || m.busyLocked() {
		m.info.TxErrors++
		return 0
	}
	if err := m.mux.SendCommand(serialmux.FormatSend(frame)); err != nil {
		monitoring.Logf("modem: send failed: %v", err)
		m.info.TxErrors++
		return 0
	}
	m.pending = true
	m.pendingSince = m.clock.Now()
	m.info.Sent++
	return len(frame)
}

// ReadPacket returns the oldest received frame.
func (m *Modem) ReadPacket() ([]byte, time.Time, bool) {
	m.poll()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.rx) == 0 {
		return nil, time.Time{}, false
	}
	f := m.rx[0]
	m.rx = m.rx[1:]
	return f.data, f.arrival, true
}

func (m *Modem) CalculateAirtime(payloadSize int) time.Duration {
	return m.cfg.Params.Airtime(payloadSize)
}

// IsBusy is true while a send or reset awaits its reply.
func (m *Modem) IsBusy() bool {
	m.poll()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busyLocked()
}

func (m *Modem) busyLocked() bool {
	if m.pending && m.clock.Since(m.pendingSince) > m.cfg.SendTimeout {
		monitoring.Logf("modem: no reply after %v, assuming idle", m.cfg.SendTimeout)
		m.pending = false
		m.info.TxErrors++
	}
	return m.pending
}

// Restart resets the modem and drops queued receptions. The modem is busy
// until it reports +READY.
func (m *Modem) Restart() {
	m.mu.Lock()
	m.rx = nil
	m.mu.Unlock()
	if err := m.mux.SendCommand("AT+RESET"); err != nil {
		monitoring.Logf("modem: reset failed: %v", err)
		return
	}
	m.mu.Lock()
	m.pending = true
	m.pendingSince = m.clock.Now()
	m.mu.Unlock()
}

func (m *Modem) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// DeviceState returns the query replies seen so far.
func (m *Modem) DeviceState() map[string]string {
	return m.state.Snapshot()
}

// Close releases the serialmux subscription.
func (m *Modem) Close() {
	m.mux.Unsubscribe(m.subID)
}

// poll consumes every line already delivered by the mux.
func (m *Modem) poll() {
	for {
		select {
		case line, ok := <-m.lines:
			if !ok {
				return
			}
			m.handle(line)
		default:
			return
		}
	}
}

func (m *Modem) handle(line string) {
	err := serialmux.HandleLine(line, serialmux.Handlers{
		OnReceive: func(rx serialmux.Reception) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if len(m.rx) >= modemRxQueueLimit {
				m.rx = m.rx[1:]
				m.info.RxErrors++
			}
			now := m.clock.Now()
			m.rx = append(m.rx, rxFrame{data: rx.Data, arrival: now})
			m.info.Received++
			m.info.LastReceived = now
		},
		OnOK: func() {
			m.mu.Lock()
			m.pending = false
			m.mu.Unlock()
		},
		OnError: func(code int) {
			monitoring.Logf("modem: +ERR=%d", code)
			m.mu.Lock()
			m.pending = false
			m.info.TxErrors++
			m.mu.Unlock()
		},
		OnReady: func() {
			m.mu.Lock()
			m.pending = false
			m.mu.Unlock()
		},
		OnReply: m.state.Set,
	})
	if err != nil {
		monitoring.Logf("modem: %v", err)
		m.mu.Lock()
		m.info.RxErrors++
		m.mu.Unlock()
	}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
