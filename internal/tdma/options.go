package tdma

import (
	"math/rand"
	"time"

	"github.com/banshee-data/radio.mesh/internal/monitoring"
	"github.com/banshee-data/radio.mesh/internal/timeutil"
)

// Defaults for Options.
const (
	DefaultInterfaceID        = 2
	DefaultName               = "TDMA radio"
	DefaultMTU                = 256
	DefaultMaxPayloadSize     = 80
	DefaultMaxSendBufferSize  = 2048
	DefaultDiscoveryTimeout   = 10 * time.Second
	DefaultJoinRequestTimeout = 10 * time.Second
	DefaultHeartbeatThreshold = 10
	DefaultJoinProbability    = 0.5
	DefaultSlotFudge          = 1.2

	// maxSendAttempts is how many tx slots a queued frame may be rejected
	// by the physical layer before it is dropped.
	maxSendAttempts = 3

	// DefaultGuardTime is the worst-case crystal drift (20 ppm) over a 2 s
	// frame.
	DefaultGuardTime = 40 * time.Microsecond
)

// Options configures a Radio. Zero values take the defaults above.
type Options struct {
	// Address is this node's address. It must not be Placeholder.
	Address     uint8
	InterfaceID uint8
	Name        string
	Channel     int

	MTU                int
	MaxPayloadSize     int
	MaxSendBufferSize  int
	DiscoveryTimeout   time.Duration
	JoinRequestTimeout time.Duration
	HeartbeatThreshold int
	JoinProbability    float64
	GuardTime          time.Duration
	SlotFudge          float64

	// Clock defaults to timeutil.RealClock.
	Clock timeutil.Clock
	// Rand returns a value in [0,1) for the join duty-cycle coin flip.
	Rand func() float64
	// Metrics is optional.
	Metrics *monitoring.LinkMetrics
	// OnEvent, when set, is called synchronously from Update.
	OnEvent func(Event)
}

func (o Options) withDefaults() Options {
	if o.InterfaceID == 0 {
		o.InterfaceID = DefaultInterfaceID
	}
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.MTU <= 0 {
		o.MTU = DefaultMTU
	}
	if o.MaxPayloadSize <= 0 {
		o.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if o.MaxSendBufferSize <= 0 {
		o.MaxSendBufferSize = DefaultMaxSendBufferSize
	}
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if o.JoinRequestTimeout <= 0 {
		o.JoinRequestTimeout = DefaultJoinRequestTimeout
	}
	if o.HeartbeatThreshold <= 0 {
		o.HeartbeatThreshold = DefaultHeartbeatThreshold
	}
	if o.JoinProbability <= 0 || o.JoinProbability > 1 {
		o.JoinProbability = DefaultJoinProbability
	}
	if o.GuardTime <= 0 {
		o.GuardTime = DefaultGuardTime
	}
	if o.SlotFudge <= 1 {
		o.SlotFudge = DefaultSlotFudge
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	if o.Rand == nil {
		o.Rand = rand.Float64
	}
	return o
}
