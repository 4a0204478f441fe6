// Package tdma implements the TDMA data link: discovery and admission into a
// slot schedule, per-slot transmit and receive actions, and resynchronisation
// from packet arrival times.
//
// A Radio is driven by calling Update repeatedly from a single goroutine.
// Update never blocks and the Radio holds no locks; callers that inspect it
// from other goroutines must serialise access themselves.
package tdma

import (
	"fmt"
	"strconv"
	"time"

	"github.com/banshee-data/radio.mesh/internal/datalink"
	"github.com/banshee-data/radio.mesh/internal/monitoring"
	"github.com/banshee-data/radio.mesh/internal/phy"
	"github.com/banshee-data/radio.mesh/internal/timeutil"
)

// lastPacket describes the most recent successful read.
type lastPacket struct {
	Header
	Size    int
	Arrival time.Time
}

// Radio is one TDMA interface bound to one physical layer.
type Radio struct {
	opts  Options
	layer phy.Layer
	sink  datalink.Sink
	clock timeutil.Clock
	label string

	ready bool
	mode  Mode
	disc  discoveryState
	slots SlotClock

	registry *Registry
	queue    *sendQueue
	last     lastPacket

	received     bool
	packetSent   bool
	txWindowDone bool
	rxWindowDone bool
	synced       bool
	noTxCount    int

	// sendFailures counts tx slots in which the queue head was rejected by
	// the physical layer; failedThisSlot limits that to one per slot.
	sendFailures   int
	failedThisSlot bool

	txErrors int
	rxErrors int
}

var _ datalink.Interface = (*Radio)(nil)

// New returns a Radio that reads and writes through layer and pushes
// received payloads to sink. sink may be nil.
func New(layer phy.Layer, sink datalink.Sink, opts Options) *Radio {
	opts = opts.withDefaults()
	return &Radio{
		opts:     opts,
		layer:    layer,
		sink:     sink,
		clock:    opts.Clock,
		label:    strconv.Itoa(int(opts.Address)),
		registry: &Registry{},
		queue:    newSendQueue(opts.MaxSendBufferSize),
		slots:    SlotClock{SlotCount: 1},
	}
}

func (r *Radio) ID() uint8    { return r.opts.InterfaceID }
func (r *Radio) Name() string { return r.opts.Name }

// Address returns this node's address.
func (r *Radio) Address() uint8 { return r.opts.Address }

// Setup brings up the physical layer and sizes the slot. When the physical
// layer fails the radio keeps accepting Update calls but never synchronises.
func (r *Radio) Setup() error {
	r.slots.LastShift = r.clock.Now()
	if r.opts.Address == Placeholder {
		return fmt.Errorf("tdma setup: %w: %d", ErrInvalidAddress, r.opts.Address)
	}
	if err := r.layer.Setup(); err != nil {
		r.ready = false
		monitoring.Logf("%s %d: physical layer setup failed: %v", r.opts.Name, r.opts.Address, err)
		return fmt.Errorf("tdma setup: %w", err)
	}
	r.layer.SetChannel(r.opts.Channel)
	if mtu := r.layer.Info().MTU; mtu > 0 && mtu < r.opts.MTU {
		monitoring.Logf("%s %d: MTU lowered to the physical layer's %d", r.opts.Name, r.opts.Address, mtu)
		r.opts.MTU = mtu
	}
	r.slots.SlotDuration = SlotDuration(r.layer, r.opts.MaxPayloadSize, r.opts.GuardTime, r.opts.SlotFudge)
	monitoring.Logf("%s %d: slot duration %v", r.opts.Name, r.opts.Address, r.slots.SlotDuration)
	r.ready = true
	return nil
}

// Restart drops all schedule state, restarts the physical layer and enters
// discovery again. Queued packets are kept.
func (r *Radio) Restart() {
	r.layer.Restart()
	r.registry.Reset()
	r.mode = ModeDiscovery
	r.disc = discoveryState{}
	r.slots = SlotClock{SlotCount: 1, SlotDuration: r.slots.SlotDuration, LastShift: r.clock.Now()}
	r.received, r.packetSent, r.txWindowDone, r.rxWindowDone, r.synced = false, false, false, false, false
	r.noTxCount = 0
	r.sendFailures, r.failedThisSlot = 0, false
	r.opts.Metrics.SetJoined(r.label, false)
}

// SendPacket queues p.Payload for this node's next transmit slot. A packet
// whose frame, header included, exceeds the MTU and a packet that would
// overflow the send buffer are counted as tx errors and dropped; the returned
// error says which.
func (r *Radio) SendPacket(p datalink.Packet) error {
	if size := HeaderSize + len(p.Payload); size > r.opts.MTU {
		r.txErrors++
		r.opts.Metrics.TxError(r.label, "mtu")
		monitoring.Logf("%s %d: frame exceeds interface MTU (%d > %d)", r.opts.Name, r.opts.Address, size, r.opts.MTU)
		return ErrExceedsMTU
	}
	payload := append([]byte(nil), p.Payload...)
	if err := r.queue.push(outbound{dest: p.Destination, payload: payload}); err != nil {
		r.txErrors++
		r.opts.Metrics.TxError(r.label, "overflow")
		monitoring.Logf("%s %d: send buffer overflow (%d + %d > %d)", r.opts.Name, r.opts.Address, r.queue.size, len(payload), r.queue.max)
		return err
	}
	return nil
}

// Update runs one scheduler tick: read, advance the slot if due, dispatch.
func (r *Radio) Update() {
	if !r.ready {
		return
	}

	r.getPacket()

	now := r.clock.Now()
	if r.slots.due(now) {
		r.slots.advance(now)
		r.packetSent = false
		r.received = false
		r.txWindowDone = false
		r.rxWindowDone = false
		r.failedThisSlot = false
		r.opts.Metrics.SlotShift(r.label)
		r.emit(Event{Kind: EventSlotShift, At: now, Slot: r.slots.CurrentSlot})
	}

	if r.mode == ModeDiscovery {
		r.discover(now)
		return
	}

	if r.slots.CurrentSlot == r.slots.TxSlot {
		r.mode = ModeTransmit
		if !r.txWindowDone {
			r.tx()
		}
		return
	}
	r.mode = ModeReceive
	if !r.rxWindowDone {
		r.rx()
	}
}

// getPacket performs one physical-layer read. A malformed frame is logged and
// leaves all state untouched.
func (r *Radio) getPacket() {
	frame, arrival, ok := r.layer.ReadPacket()
	if !ok {
		return
	}
	h, payload, err := DecodeHeader(frame)
	if err != nil {
		r.rxErrors++
		r.opts.Metrics.RxError(r.label)
		monitoring.Logf("%s %d: dropping frame: %v", r.opts.Name, r.opts.Address, err)
		return
	}

	r.received = true
	r.last = lastPacket{Header: h, Size: len(frame), Arrival: arrival}
	r.opts.Metrics.Received(r.label, h.Type.String())
	r.emit(Event{Kind: EventReceived, At: arrival, Slot: r.slots.CurrentSlot, Type: h.Type, Peer: h.Source, Size: len(frame)})

	if r.mode == ModeDiscovery && (h.Type == Normal || h.Type == Heartbeat) {
		r.disc.remember(h.Source, int(h.SenderSlot))
	}

	if r.registry.GrowTo(int(h.RegisteredNodes)) {
		r.refreshSlotCount()
	}

	if len(payload) > 0 && r.sink != nil {
		r.sink.Push(datalink.Packet{
			Iface:       r.opts.InterfaceID,
			Source:      h.Source,
			Destination: h.Destination,
			Payload:     append([]byte(nil), payload...),
		})
	}
}

// refreshSlotCount keeps SlotCount at registry length plus the listen slot.
// It never lowers the count.
func (r *Radio) refreshSlotCount() {
	if n := r.registry.Len() + 1; n > r.slots.SlotCount {
		r.slots.setSlotCount(n)
	}
}

func (r *Radio) tx() {
	if f, ok := r.queue.front(); ok {
		if r.packetSent {
			return
		}
		if r.send(Normal, f.dest, InfoAbsent, f.payload) {
			r.packetSent = true
			r.received = false
			r.queue.pop()
			r.noTxCount = 0
			r.sendFailures = 0
			return
		}
		r.sendFailed(len(f.payload))
		return
	}

	if r.noTxCount >= r.opts.HeartbeatThreshold {
		r.send(Heartbeat, datalink.Broadcast, InfoAbsent, nil)
		r.noTxCount = 0
	} else {
		r.noTxCount++
	}
	r.txWindowDone = true
}

// sendFailed records a rejected send of the queue head. After maxSendAttempts
// slots of rejections the frame is dropped so later frames and heartbeats
// can go out.
func (r *Radio) sendFailed(size int) {
	if r.failedThisSlot {
		return
	}
	r.failedThisSlot = true
	r.sendFailures++
	if r.sendFailures < maxSendAttempts {
		return
	}
	r.queue.pop()
	r.sendFailures = 0
	r.txErrors++
	r.opts.Metrics.TxError(r.label, "phy")
	monitoring.Logf("%s %d: dropping %d byte packet after %d rejected sends", r.opts.Name, r.opts.Address, size, maxSendAttempts)
}

func (r *Radio) rx() {
	if !r.received {
		return
	}

	h := r.last.Header
	if h.Type != Ack && h.Type != Nack {
		r.resync()
	}

	switch h.Type {
	case JoinRequest:
		r.handleJoinRequest(h)
	case Normal, Heartbeat:
		r.checkOccupant(h)
	}

	r.received = false
	r.rxWindowDone = true
}

// resync re-anchors the current slot to when the last frame started on air.
func (r *Radio) resync() {
	anchor := r.last.Arrival.Add(-r.layer.CalculateAirtime(r.last.Size))
	correction := anchor.Sub(r.slots.LastShift)
	r.slots.LastShift = anchor
	r.emit(Event{Kind: EventResync, At: r.last.Arrival, Slot: r.slots.CurrentSlot, Correction: correction, Peer: r.last.Source})
}

func (r *Radio) handleJoinRequest(h Header) {
	if h.Destination != r.opts.Address {
		return
	}
	if idx, ok := r.registry.IndexOf(h.Source); ok {
		monitoring.Logf("%s %d: node %d rejoining, already owns slot %d", r.opts.Name, r.opts.Address, h.Source, idx)
		r.send(Nack, h.Source, uint8(idx), nil)
		return
	}
	if err := r.registry.Add(h.Source); err != nil {
		monitoring.Logf("%s %d: cannot register node %d: %v", r.opts.Name, r.opts.Address, h.Source, err)
		return
	}
	r.refreshSlotCount()
	monitoring.Logf("%s %d: node %d added, slots=%d tx=%d", r.opts.Name, r.opts.Address, h.Source, r.slots.SlotCount, r.slots.TxSlot)
	r.send(Ack, h.Source, uint8(r.slots.TxSlot), nil)
}

// checkOccupant compares the sender with the registered owner of the
// current slot, filling the slot if its owner was still unknown.
func (r *Radio) checkOccupant(h Header) {
	slot := r.slots.CurrentSlot
	expected := r.registry.At(slot)
	if expected == h.Source {
		return
	}
	if expected == Placeholder && slot < r.registry.Len() {
		if err := r.registry.Place(slot, h.Source); err == nil {
			monitoring.Logf("%s %d: slot %d owned by node %d", r.opts.Name, r.opts.Address, slot, h.Source)
			return
		}
	}
	monitoring.Logf("%s %d: slot %d mismatch, expected %d heard %d", r.opts.Name, r.opts.Address, slot, expected, h.Source)
	r.emit(Event{Kind: EventMismatch, At: r.last.Arrival, Slot: slot, Type: h.Type, Peer: h.Source})
}

// send wraps payload in a header stamped with the local schedule and hands
// it to the physical layer.
func (r *Radio) send(t PacketType, dest, info uint8, payload []byte) bool {
	h := Header{
		Type:            t,
		RegisteredNodes: uint8(r.registry.Len()),
		SenderSlot:      uint8(r.slots.CurrentSlot),
		Source:          r.opts.Address,
		Destination:     dest,
		Info:            info,
	}
	frame := EncodeFrame(h, payload)
	if n := r.layer.SendPacket(frame); n <= 0 {
		monitoring.Logf("%s %d: physical layer rejected %v frame", r.opts.Name, r.opts.Address, t)
		return false
	}
	r.opts.Metrics.Sent(r.label, t.String())
	r.emit(Event{Kind: EventSent, At: r.clock.Now(), Slot: r.slots.CurrentSlot, Type: t, Peer: dest, Size: len(frame)})
	return true
}

func (r *Radio) emit(e Event) {
	if r.opts.OnEvent == nil {
		return
	}
	e.Node = r.opts.Address
	r.opts.OnEvent(e)
}

// Info returns the link counters.
func (r *Radio) Info() datalink.Info {
	return datalink.Info{
		MTU:                   r.opts.MTU,
		TxErrors:              r.txErrors,
		RxErrors:              r.rxErrors,
		MaxSendBufferSize:     r.opts.MaxSendBufferSize,
		MaxPayloadSize:        r.opts.MaxPayloadSize,
		CurrentSendBufferSize: r.queue.size,
		SendBufferOverflow:    r.queue.overflow,
	}
}

// State is a point-in-time copy of the radio's schedule.
type State struct {
	Address      uint8         `json:"address"`
	Name         string        `json:"name"`
	Mode         string        `json:"mode"`
	Phase        string        `json:"phase"`
	Synced       bool          `json:"synced"`
	SlotCount    int           `json:"slot_count"`
	CurrentSlot  int           `json:"current_slot"`
	TxSlot       int           `json:"tx_slot"`
	SlotDuration time.Duration `json:"slot_duration"`
	LastShift    time.Time     `json:"last_shift"`
	Registry     []uint8       `json:"registry"`
	QueueLen     int           `json:"queue_len"`
	Info         datalink.Info `json:"info"`
	PHY          phy.Info      `json:"phy"`
}

// Joined reports whether the node has left discovery.
func (s State) Joined() bool {
	return s.Mode != ModeDiscovery.String()
}

// Snapshot returns the current State.
func (r *Radio) Snapshot() State {
	return State{
		Address:      r.opts.Address,
		Name:         r.opts.Name,
		Mode:         r.mode.String(),
		Phase:        r.disc.phase.String(),
		Synced:       r.synced,
		SlotCount:    r.slots.SlotCount,
		CurrentSlot:  r.slots.CurrentSlot,
		TxSlot:       r.slots.TxSlot,
		SlotDuration: r.slots.SlotDuration,
		LastShift:    r.slots.LastShift,
		Registry:     r.registry.Nodes(),
		QueueLen:     r.queue.len(),
		Info:         r.Info(),
		PHY:          r.layer.Info(),
	}
}

// Mode returns the current dispatcher mode.
func (r *Radio) Mode() Mode { return r.mode }

// Phase returns the current discovery phase.
func (r *Radio) Phase() Phase { return r.disc.phase }

// Slots returns a copy of the slot clock.
func (r *Radio) Slots() SlotClock { return r.slots }

// Registry returns a copy of the slot table.
func (r *Radio) Registry() []uint8 { return r.registry.Nodes() }
