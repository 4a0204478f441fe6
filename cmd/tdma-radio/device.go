package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/banshee-data/radio.mesh/internal/datalink"
	"github.com/banshee-data/radio.mesh/internal/tdma"
	"github.com/banshee-data/radio.mesh/internal/turntimeout"
)

// device owns the running link. The link is not safe for concurrent use, so
// every call into it, from the tick loop or the debug pages, holds mu.
type device struct {
	mu      sync.Mutex
	link    datalink.Interface
	radio   *tdma.Radio
	timeout *turntimeout.Link

	// outbound holds packets from the inbound UDP listener until the next
	// tick hands them to the link.
	outbound *datalink.Buffer

	sent     int
	rejected int
}

// newDevice wraps link. outbound may be nil when nothing feeds the link.
func newDevice(link datalink.Interface, outbound *datalink.Buffer) *device {
	d := &device{link: link, outbound: outbound}
	switch l := link.(type) {
	case *tdma.Radio:
		d.radio = l
	case *turntimeout.Link:
		d.timeout = l
	}
	return d
}

// tick queues pending outbound packets and runs one link update.
func (d *device) tick() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.outbound != nil {
		for _, p := range d.outbound.Drain() {
			// The link logs and counts its own rejections.
			if err := d.link.SendPacket(p); err != nil {
				d.rejected++
				continue
			}
			d.sent++
		}
	}
	d.link.Update()
}

// run ticks every interval until ctx is done.
func (d *device) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

// deviceState is what /debug/nodes shows for a device.
type deviceState struct {
	Name     string             `json:"name"`
	Queued   int                `json:"queued"`
	Rejected int                `json:"rejected"`
	Info     datalink.Info      `json:"info"`
	TDMA     *tdma.State        `json:"tdma,omitempty"`
	Timeout  *turntimeout.State `json:"turn_timeout,omitempty"`
}

// state returns a snapshot of the link for the debug pages.
func (d *device) state() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := deviceState{
		Name:     d.link.Name(),
		Queued:   d.sent,
		Rejected: d.rejected,
		Info:     d.link.Info(),
	}
	if d.radio != nil {
		rs := d.radio.Snapshot()
		s.TDMA = &rs
	}
	if d.timeout != nil {
		ts := d.timeout.Snapshot()
		s.Timeout = &ts
	}
	return []deviceState{s}
}

// joined reports whether the link is ready to carry traffic.
func (d *device) joined() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.radio != nil {
		return d.radio.Mode() != tdma.ModeDiscovery
	}
	return true
}

// multiSink fans a packet out to several sinks.
type multiSink []datalink.Sink

func (m multiSink) Push(p datalink.Packet) {
	for _, s := range m {
		s.Push(p)
	}
}

// logSink logs every received packet.
var logSink = datalink.SinkFunc(func(p datalink.Packet) {
	log.Printf("received %v", p)
})
