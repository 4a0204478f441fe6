// Package datalink holds the types shared by every data-link protocol: the
// packet handed upstream, the sink that accepts it, and the interface the
// node harnesses drive.
package datalink

import (
	"fmt"
	"sync"
)

// Packet is a payload received over a link, stamped with the interface it
// arrived on.
type Packet struct {
	Iface       uint8
	Source      uint8
	Destination uint8
	Payload     []byte
}

func (p Packet) String() string {
	return fmt.Sprintf("iface=%d %d->%d len=%d", p.Iface, p.Source, p.Destination, len(p.Payload))
}

// Broadcast is the destination used when a frame is not addressed to a
// single node.
const Broadcast uint8 = 0

// Sink accepts packets produced by a link.
type Sink interface {
	Push(Packet)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Packet)

func (f SinkFunc) Push(p Packet) { f(p) }

// Info is the counter snapshot a link exposes.
type Info struct {
	MTU                   int
	TxErrors              int
	RxErrors              int
	MaxSendBufferSize     int
	MaxPayloadSize        int
	CurrentSendBufferSize int
	SendBufferOverflow    bool
}

// Interface is implemented by each data-link protocol.
type Interface interface {
	ID() uint8
	Name() string
	Setup() error
	// SendPacket queues p for transmission. Only Destination and Payload
	// are used.
	SendPacket(p Packet) error
	Update()
	Info() Info
}

// Buffer is a bounded, concurrency-safe Sink. When full, the oldest packet is
// discarded so a slow consumer never stalls the link tick.
type Buffer struct {
	mu      sync.Mutex
	packets []Packet
	limit   int
	dropped int
}

// NewBuffer returns a Buffer holding at most limit packets.
func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = 64
	}
	return &Buffer{limit: limit}
}

// Push appends p, evicting the oldest packet when full.
func (b *Buffer) Push(p Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.packets) >= b.limit {
		b.packets = b.packets[1:]
		b.dropped++
	}
	b.packets = append(b.packets, p)
}

// Drain removes and returns everything buffered.
func (b *Buffer) Drain() []Packet {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.packets
	b.packets = nil
	return out
}

// Len returns the number of buffered packets.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.packets)
}

// Dropped returns how many packets were evicted.
func (b *Buffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
