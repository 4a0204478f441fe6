package tdma

import (
	"time"

	"github.com/banshee-data/radio.mesh/internal/monitoring"
)

type discoveryState struct {
	phase      Phase
	enteredAt  time.Time
	joinSentAt time.Time
	// syncSource is the node whose frame we synchronised to; join requests
	// are addressed to it.
	syncSource uint8
	// heard maps a source to the slot it was heard transmitting data or
	// heartbeats in, which is its own tx slot.
	heard map[uint8]int
}

func (d *discoveryState) remember(src uint8, slot int) {
	if d.heard == nil {
		d.heard = make(map[uint8]int)
	}
	d.heard[src] = slot
}

func (r *Radio) setPhase(p Phase) {
	if r.disc.phase == p {
		return
	}
	monitoring.Logf("%s %d: discovery %v -> %v", r.opts.Name, r.opts.Address, r.disc.phase, p)
	r.disc.phase = p
	r.emit(Event{Kind: EventPhase, At: r.clock.Now(), Slot: r.slots.CurrentSlot, Phase: p})
}

// discover advances the discovery state machine by one step.
func (r *Radio) discover(now time.Time) {
	switch r.disc.phase {
	case PhaseEntry:
		r.disc.enteredAt = now
		r.setPhase(PhaseSniffing)

	case PhaseSniffing:
		if r.received {
			monitoring.Logf("%s %d: network detected", r.opts.Name, r.opts.Address)
			r.setPhase(PhaseSyncing)
		} else if now.Sub(r.disc.enteredAt) >= r.opts.DiscoveryTimeout {
			r.setPhase(PhaseInitNetwork)
		}

	case PhaseInitNetwork:
		r.initNetwork(now)
		r.setPhase(PhaseExit)

	case PhaseSyncing:
		r.sync()
		r.setPhase(PhaseJoinRequest)

	case PhaseJoinRequest:
		if r.slots.CurrentSlot != r.slots.TxSlot || r.packetSent {
			return
		}
		if r.opts.Rand() >= r.opts.JoinProbability {
			// Back off until the network is heard again.
			r.received = false
			r.setPhase(PhaseEntry)
			return
		}
		if r.send(JoinRequest, r.disc.syncSource, InfoAbsent, nil) {
			monitoring.Logf("%s %d: join request sent to %d in slot %d", r.opts.Name, r.opts.Address, r.disc.syncSource, r.slots.CurrentSlot)
			r.packetSent = true
			r.received = false
			r.disc.joinSentAt = now
			r.setPhase(PhaseJoinRequestResponse)
		}

	case PhaseJoinRequestResponse:
		r.awaitJoinResponse(now)

	case PhaseExit:
		r.mode = ModeTransmit
		r.opts.Metrics.SetJoined(r.label, true)
		r.emit(Event{Kind: EventJoined, At: now, Slot: r.slots.CurrentSlot, Phase: PhaseExit})
		monitoring.Logf("%s %d: joined, slots=%d tx=%d registry=%v", r.opts.Name, r.opts.Address, r.slots.SlotCount, r.slots.TxSlot, r.registry.Nodes())
	}
}

// initNetwork founds a network with this node in slot 0 and one listen slot.
func (r *Radio) initNetwork(now time.Time) {
	monitoring.Logf("%s %d: no network heard, initialising", r.opts.Name, r.opts.Address)
	r.registry.Reset()
	if err := r.registry.Add(r.opts.Address); err != nil {
		monitoring.Logf("%s %d: %v", r.opts.Name, r.opts.Address, err)
	}
	r.slots.setSlotCount(r.registry.Len() + 1)
	r.slots.TxSlot = 0
	r.slots.CurrentSlot = 0
	r.slots.LastShift = now
	r.synced = true
}

// sync adopts the schedule announced by the last heard frame. The candidate
// tx slot is the first one past the announced registry.
func (r *Radio) sync() {
	h := r.last.Header
	airtime := r.layer.CalculateAirtime(r.last.Size)
	r.slots.setSlotCount(int(h.RegisteredNodes) + 1)
	r.slots.TxSlot = int(h.RegisteredNodes)
	r.slots.CurrentSlot = int(h.SenderSlot) % r.slots.SlotCount
	r.slots.LastShift = r.last.Arrival.Add(-airtime)
	r.disc.syncSource = h.Source
	r.synced = true
	monitoring.Logf("%s %d: synced to node %d, slot %d of %d, airtime %v", r.opts.Name, r.opts.Address, h.Source, r.slots.CurrentSlot, r.slots.SlotCount, airtime)
}

func (r *Radio) awaitJoinResponse(now time.Time) {
	h := r.last.Header
	if r.received && h.Destination == r.opts.Address {
		switch h.Type {
		case Ack:
			r.acceptAck(h)
			return
		case Nack:
			if h.HasInfo() {
				r.acceptNack(h)
				return
			}
			monitoring.Logf("%s %d: nack from %d without slot", r.opts.Name, r.opts.Address, h.Source)
		}
	}

	if now.Sub(r.disc.joinSentAt) > r.opts.JoinRequestTimeout || (r.received && h.Type == Heartbeat) {
		r.setPhase(PhaseJoinRequest)
	}
}

// acceptAck joins at the end of the acker's registry. The ack's info byte is
// the acker's own slot.
func (r *Radio) acceptAck(h Header) {
	r.registry.GrowTo(int(h.RegisteredNodes))
	txSlot := int(h.RegisteredNodes) - 1
	if txSlot < 0 {
		txSlot = r.registry.Len()
	}
	r.place(txSlot, r.opts.Address)
	if h.HasInfo() {
		r.place(int(h.Info), h.Source)
	}
	r.placeHeard()

	r.slots.setSlotCount(r.registry.Len() + 1)
	r.slots.TxSlot = txSlot
	r.received = false
	monitoring.Logf("%s %d: accepted by %d, slots=%d tx=%d", r.opts.Name, r.opts.Address, h.Source, r.slots.SlotCount, r.slots.TxSlot)
	r.setPhase(PhaseExit)
}

// acceptNack rejoins at the slot the network already holds for this node.
func (r *Radio) acceptNack(h Header) {
	r.registry.GrowTo(int(h.RegisteredNodes))
	r.slots.TxSlot = int(h.Info)
	r.place(r.slots.TxSlot, r.opts.Address)
	if slot, ok := r.disc.heard[h.Source]; ok {
		r.place(slot, h.Source)
	}
	r.placeHeard()

	r.slots.setSlotCount(r.registry.Len() + 1)
	r.received = false
	monitoring.Logf("%s %d: rejoined at slot %d via %d", r.opts.Name, r.opts.Address, r.slots.TxSlot, h.Source)
	r.setPhase(PhaseExit)
}

// placeHeard fills still-unknown slots with nodes heard during discovery.
func (r *Radio) placeHeard() {
	for src, slot := range r.disc.heard {
		if slot < r.registry.Len() && r.registry.At(slot) == Placeholder && !r.registry.Contains(src) {
			r.place(slot, src)
		}
	}
}

func (r *Radio) place(slot int, addr uint8) {
	if err := r.registry.Place(slot, addr); err != nil {
		monitoring.Logf("%s %d: registry update for node %d at slot %d: %v", r.opts.Name, r.opts.Address, addr, slot, err)
	}
}
