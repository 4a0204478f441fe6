// Package turntimeout implements a simple data link that takes turns with
// its peer: a queued frame is sent as soon as something has been heard, or
// once a turn timeout has passed without hearing anything.
package turntimeout

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/banshee-data/radio.mesh/internal/datalink"
	"github.com/banshee-data/radio.mesh/internal/monitoring"
	"github.com/banshee-data/radio.mesh/internal/phy"
	"github.com/banshee-data/radio.mesh/internal/timeutil"
)

// Defaults for Options and Config.
const (
	DefaultInterfaceID       = 2
	DefaultName              = "Timeout radio"
	DefaultMTU               = 256
	DefaultMaxSendBufferSize = 2048
	DefaultTurnTimeout       = 250 * time.Millisecond
)

// addrHeaderSize is the source and destination prefix on every frame.
const addrHeaderSize = 2

var (
	ErrExceedsMTU         = errors.New("turntimeout: packet exceeds MTU")
	ErrSendBufferOverflow = errors.New("turntimeout: send buffer overflow")
	ErrShortFrame         = errors.New("turntimeout: frame shorter than address header")
)

// Config is the part of the link configuration that can be changed and
// persisted at runtime.
type Config struct {
	TurnTimeout       time.Duration `json:"turn_timeout"`
	MaxSendBufferSize int           `json:"max_send_buffer_size"`
}

// DefaultConfig returns the configuration used when nothing is stored.
func DefaultConfig() Config {
	return Config{TurnTimeout: DefaultTurnTimeout, MaxSendBufferSize: DefaultMaxSendBufferSize}
}

// Store persists namespaced key/value pairs. db.ConfigStore satisfies it.
type Store interface {
	Put(namespace, key, value string) error
	Get(namespace, key string) (value string, ok bool, err error)
}

// storeNamespace groups this link's persisted keys.
const storeNamespace = "Timeout Radio Config"

// Options configures a Link. Zero values take the defaults above.
type Options struct {
	Address     uint8
	InterfaceID uint8
	Name        string
	Channel     int
	MTU         int
	Config      Config

	Clock   timeutil.Clock
	Store   Store
	Metrics *monitoring.LinkMetrics
}

func (o Options) withDefaults() Options {
	if o.InterfaceID == 0 {
		o.InterfaceID = DefaultInterfaceID
	}
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.MTU == 0 {
		o.MTU = DefaultMTU
	}
	if o.Config.TurnTimeout == 0 {
		o.Config.TurnTimeout = DefaultTurnTimeout
	}
	if o.Config.MaxSendBufferSize == 0 {
		o.Config.MaxSendBufferSize = DefaultMaxSendBufferSize
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

// Link is a turn-timeout datalink.Interface. Like tdma.Radio it is driven by
// Update from a single goroutine.
type Link struct {
	opts  Options
	cfg   Config
	layer phy.Layer
	sink  datalink.Sink
	clock timeutil.Clock
	label string

	queue    [][]byte
	size     int
	overflow bool

	received     bool
	prevSent     time.Time
	prevReceived time.Time

	txErrors int
	rxErrors int
}

var _ datalink.Interface = (*Link)(nil)

// New returns a Link over layer that pushes received payloads to sink.
func New(layer phy.Layer, sink datalink.Sink, opts Options) *Link {
	opts = opts.withDefaults()
	return &Link{
		opts:  opts,
		cfg:   opts.Config,
		layer: layer,
		sink:  sink,
		clock: opts.Clock,
		label: strconv.Itoa(int(opts.Address)),
	}
}

func (l *Link) ID() uint8    { return l.opts.InterfaceID }
func (l *Link) Name() string { return l.opts.Name }

func (l *Link) Setup() error {
	if err := l.layer.Setup(); err != nil {
		return fmt.Errorf("turntimeout setup: %w", err)
	}
	l.layer.SetChannel(l.opts.Channel)
	return nil
}

// SendPacket queues p and sends immediately if it is our turn.
func (l *Link) SendPacket(p datalink.Packet) error {
	size := len(p.Payload) + addrHeaderSize
	if size > l.opts.MTU {
		l.txErrors++
		l.opts.Metrics.TxError(l.label, "mtu")
		monitoring.Logf("%s: packet exceeds MTU (size=%d, MTU=%d)", l.opts.Name, size, l.opts.MTU)
		return ErrExceedsMTU
	}
	if l.size+size > l.cfg.MaxSendBufferSize {
		l.txErrors++
		l.overflow = true
		l.opts.Metrics.TxError(l.label, "overflow")
		monitoring.Logf("%s: send buffer overflow (size=%d, limit=%d)", l.opts.Name, l.size, l.cfg.MaxSendBufferSize)
		return ErrSendBufferOverflow
	}

	frame := make([]byte, 0, size)
	frame = append(frame, l.opts.Address, p.Destination)
	frame = append(frame, p.Payload...)
	l.queue = append(l.queue, frame)
	l.size += size
	l.overflow = false
	l.checkSendBuffer()
	return nil
}

// Update reads at most one frame, pushes it upstream and then sends if it is
// our turn.
func (l *Link) Update() {
	if frame, arrival, ok := l.layer.ReadPacket(); ok {
		if len(frame) < addrHeaderSize {
			l.rxErrors++
			l.opts.Metrics.RxError(l.label)
			monitoring.Logf("%s: dropping frame: %v (size=%d)", l.opts.Name, ErrShortFrame, len(frame))
		} else {
			l.received = true
			l.prevReceived = arrival
			l.opts.Metrics.Received(l.label, "DATA")
			if l.sink != nil {
				l.sink.Push(datalink.Packet{
					Iface:       l.opts.InterfaceID,
					Source:      frame[0],
					Destination: frame[1],
					Payload:     append([]byte(nil), frame[addrHeaderSize:]...),
				})
			}
		}
	}
	l.checkSendBuffer()
}

func (l *Link) checkSendBuffer() {
	if len(l.queue) == 0 {
		return
	}
	if l.received || l.clock.Since(l.prevSent) > l.cfg.TurnTimeout {
		l.sendFromBuffer()
	}
}

func (l *Link) sendFromBuffer() {
	frame := l.queue[0]
	if n := l.layer.SendPacket(frame); n > 0 {
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.size -= len(frame)
		l.prevSent = l.clock.Now()
		l.received = false
		l.opts.Metrics.Sent(l.label, "DATA")
	}
	monitoring.Logf("%s: transmission success ratio %.2f", l.opts.Name, l.layer.Info().SuccessRatio())
}

// Info returns the link counters.
func (l *Link) Info() datalink.Info {
	return datalink.Info{
		MTU:                   l.opts.MTU,
		TxErrors:              l.txErrors,
		RxErrors:              l.rxErrors,
		MaxSendBufferSize:     l.cfg.MaxSendBufferSize,
		CurrentSendBufferSize: l.size,
		SendBufferOverflow:    l.overflow,
	}
}

// Config returns the active configuration.
func (l *Link) Config() Config { return l.cfg }

// SetConfig applies cfg, restarts the physical layer and, when persist is
// set, saves cfg to the store.
func (l *Link) SetConfig(cfg Config, persist bool) error {
	if cfg.TurnTimeout <= 0 || cfg.MaxSendBufferSize <= 0 {
		return fmt.Errorf("turntimeout: invalid config %+v", cfg)
	}
	l.cfg = cfg
	l.layer.Restart()
	if persist {
		return l.SaveConfig()
	}
	return nil
}

// SaveConfig writes the active configuration to the store.
func (l *Link) SaveConfig() error {
	if l.opts.Store == nil {
		return errors.New("turntimeout: no config store")
	}
	if err := l.opts.Store.Put(storeNamespace, "turnTimeout", strconv.FormatInt(l.cfg.TurnTimeout.Milliseconds(), 10)); err != nil {
		return fmt.Errorf("save turn timeout: %w", err)
	}
	if err := l.opts.Store.Put(storeNamespace, "sendBufferSize", strconv.Itoa(l.cfg.MaxSendBufferSize)); err != nil {
		return fmt.Errorf("save send buffer size: %w", err)
	}
	return nil
}

// LoadConfig resets to DefaultConfig and overlays whatever the store holds.
// Missing keys are logged and keep their defaults.
func (l *Link) LoadConfig() error {
	cfg := DefaultConfig()
	if l.opts.Store == nil {
		l.cfg = cfg
		return nil
	}

	v, ok, err := l.opts.Store.Get(storeNamespace, "turnTimeout")
	switch {
	case err != nil:
		return fmt.Errorf("load turn timeout: %w", err)
	case !ok:
		monitoring.Logf("%s: turn timeout not configured", l.opts.Name)
	default:
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parse turn timeout %q: %w", v, err)
		}
		cfg.TurnTimeout = time.Duration(ms) * time.Millisecond
	}

	v, ok, err = l.opts.Store.Get(storeNamespace, "sendBufferSize")
	switch {
	case err != nil:
		return fmt.Errorf("load send buffer size: %w", err)
	case !ok:
		monitoring.Logf("%s: send buffer size not configured", l.opts.Name)
	default:
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse send buffer size %q: %w", v, err)
		}
		cfg.MaxSendBufferSize = n
	}

	l.cfg = cfg
	return nil
}

// State is a point-in-time view of the link.
type State struct {
	Address      uint8         `json:"address"`
	Name         string        `json:"name"`
	Received     bool          `json:"received"`
	PrevSent     time.Time     `json:"prev_sent"`
	PrevReceived time.Time     `json:"prev_received"`
	QueueLen     int           `json:"queue_len"`
	Config       Config        `json:"config"`
	Info         datalink.Info `json:"info"`
	PHY          phy.Info      `json:"phy"`
}

// Snapshot returns the current State.
func (l *Link) Snapshot() State {
	return State{
		Address:      l.opts.Address,
		Name:         l.opts.Name,
		Received:     l.received,
		PrevSent:     l.prevSent,
		PrevReceived: l.prevReceived,
		QueueLen:     len(l.queue),
		Config:       l.cfg,
		Info:         l.Info(),
		PHY:          l.layer.Info(),
	}
}
