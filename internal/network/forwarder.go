package network

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/banshee-data/radio.mesh/internal/datalink"
)

const forwardQueueSize = 256

// Forwarder is a datalink.Sink that sends every packet it is given to a
// UDP address. Push never blocks the link tick: packets are queued and
// written by the goroutine started with Start, and dropped when the queue
// is full.
type Forwarder struct {
	conn        net.Conn
	queue       chan []byte
	address     string
	logInterval time.Duration

	sent    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
	done    chan struct{}
}

var _ datalink.Sink = (*Forwarder)(nil)

// NewForwarder dials address ("host:port").
func NewForwarder(address string, logInterval time.Duration) (*Forwarder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward connection: %w", err)
	}
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	return &Forwarder{
		conn:        conn,
		queue:       make(chan []byte, forwardQueueSize),
		address:     udpAddr.String(),
		logInterval: logInterval,
		done:        make(chan struct{}),
	}, nil
}

// Start runs the write loop until ctx is done.
func (f *Forwarder) Start(ctx context.Context) {
	go func() {
		defer close(f.done)
		ticker := time.NewTicker(f.logInterval)
		defer ticker.Stop()

		var failed int
		var lastErr error
		for {
			select {
			case <-ctx.Done():
				return
			case b := <-f.queue:
				if _, err := f.conn.Write(b); err != nil {
					failed++
					lastErr = err
					f.failed.Add(1)
					continue
				}
				f.sent.Add(1)
			case <-ticker.C:
				if failed > 0 {
					log.Printf("[Forwarder] %d datagrams to %s failed (latest: %v)", failed, f.address, lastErr)
					failed, lastErr = 0, nil
				}
			}
		}
	}()
	log.Printf("[Forwarder] forwarding received payloads to %s", f.address)
}

// Push queues p for forwarding.
func (f *Forwarder) Push(p datalink.Packet) {
	select {
	case f.queue <- EncodeDatagram(p):
	default:
		f.dropped.Add(1)
	}
}

// Counts returns datagrams written, dropped on a full queue, and failed.
func (f *Forwarder) Counts() (sent, dropped, failed int64) {
	return f.sent.Load(), f.dropped.Load(), f.failed.Load()
}

// Close closes the connection. The write loop must already be stopped
// through its context, or never started.
func (f *Forwarder) Close() error {
	return f.conn.Close()
}

// Wait blocks until the loop started by Start has returned.
func (f *Forwarder) Wait() { <-f.done }
