package network

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/banshee-data/radio.mesh/internal/datalink"
)

const readPollInterval = 100 * time.Millisecond

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Address string
	// Sink receives each decoded datagram. It must be safe for use from the
	// listener goroutine; the device command passes a datalink.Buffer that
	// the tick loop drains into the link.
	Sink datalink.Sink
	// Limit caps accepted datagrams per second, 0 for no limit. Excess
	// datagrams are dropped rather than queued for the air.
	Limit   rate.Limit
	Burst   int
	Factory UDPSocketFactory
}

// Listener reads datagrams from a UDP socket and hands them to a Sink.
type Listener struct {
	cfg     ListenerConfig
	limiter *rate.Limiter
	conn    UDPSocket

	accepted  atomic.Int64
	malformed atomic.Int64
	limited   atomic.Int64
}

// NewListener returns a Listener for cfg.
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.Factory == nil {
		cfg.Factory = RealUDPSocketFactory{}
	}
	l := &Listener{cfg: cfg}
	if cfg.Limit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(cfg.Limit, burst)
	}
	return l
}

// Listen binds the socket. Call it before Serve.
func (l *Listener) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := l.cfg.Factory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	l.conn = conn
	log.Printf("[Listener] accepting datagrams on %s", conn.LocalAddr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Serve reads until ctx is done, then closes the socket.
func (l *Listener) Serve(ctx context.Context) error {
	if l.conn == nil {
		return errors.New("listener not bound")
	}
	defer l.conn.Close()

	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Printf("[Listener] read error: %v", err)
			continue
		}
		if err := l.handle(buf[:n]); err != nil {
			log.Printf("[Listener] dropping datagram from %v: %v", from, err)
		}
	}
}

func (l *Listener) handle(b []byte) error {
	p, err := DecodeDatagram(b)
	if err != nil {
		l.malformed.Add(1)
		return err
	}
	if l.limiter != nil && !l.limiter.Allow() {
		l.limited.Add(1)
		return errors.New("rate limited")
	}
	l.accepted.Add(1)
	l.cfg.Sink.Push(p)
	return nil
}

// Counts returns datagrams accepted, rejected as malformed, and dropped by
// the rate limit.
func (l *Listener) Counts() (accepted, malformed, limited int64) {
	return l.accepted.Load(), l.malformed.Load(), l.limited.Load()
}
