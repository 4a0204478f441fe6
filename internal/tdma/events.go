package tdma

import (
	"fmt"
	"time"
)

// Mode is the dispatcher role for the current tick.
type Mode uint8

const (
	ModeDiscovery Mode = iota
	ModeTransmit
	ModeReceive
)

func (m Mode) String() string {
	switch m {
	case ModeDiscovery:
		return "DISCOVERY"
	case ModeTransmit:
		return "TRANSMIT"
	case ModeReceive:
		return "RECEIVE"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// Phase is a discovery state.
type Phase uint8

const (
	PhaseEntry Phase = iota
	PhaseSniffing
	PhaseInitNetwork
	PhaseSyncing
	PhaseJoinRequest
	PhaseJoinRequestResponse
	PhaseExit
)

var phaseNames = [...]string{
	"ENTRY", "SNIFFING", "INIT_NETWORK", "SYNCING",
	"JOIN_REQUEST", "JOIN_REQUEST_RESPONSE", "EXIT",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// EventKind identifies an Event.
type EventKind uint8

const (
	EventSlotShift EventKind = iota
	EventResync
	EventPhase
	EventJoined
	EventSent
	EventReceived
	EventMismatch
)

var eventKindNames = [...]string{"slot", "resync", "phase", "joined", "sent", "received", "mismatch"}

func (k EventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Event is emitted from Update for observers such as the run recorder.
type Event struct {
	Kind EventKind
	Node uint8
	At   time.Time
	Slot int

	// Phase is set for EventPhase and EventJoined.
	Phase Phase
	// Correction is how far a resync moved the slot anchor.
	Correction time.Duration
	// Type and Peer are set for EventSent, EventReceived and EventMismatch.
	Type PacketType
	Peer uint8
	Size int
}
