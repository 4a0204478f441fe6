// Package serialmux shares one serial device, such as a UART LoRa modem,
// between several readers. Every line read from the port is fanned out to
// all subscribers, and commands from any caller are written one at a time.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"

	"github.com/banshee-data/radio.mesh/internal/httputil"
)

var ErrWriteFailed = errors.New("short write to serial port")

// LineTerminator ends every command written to the device. AT modems expect
// a carriage return before the newline.
const LineTerminator = "\r\n"

// subscriberBuffer is how many lines a subscriber may fall behind before
// lines are dropped for it.
const subscriberBuffer = 16

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

// SerialMuxInterface is implemented by SerialMux and DisabledSerialMux.
type SerialMuxInterface interface {
	// Subscribe returns an id and a channel that receives every line read
	// by Monitor.
	Subscribe() (string, chan string)
	// Unsubscribe closes and forgets the channel for id.
	Unsubscribe(string)
	// SendCommand writes one command line.
	SendCommand(string) error
	// Monitor reads the port until ctx is done or the port fails.
	Monitor(context.Context) error
	// Close closes every subscriber and the port.
	Close() error

	// AttachAdminRoutes adds the modem console under /debug/. tsweb limits
	// these pages to localhost and the tailnet.
	AttachAdminRoutes(*http.ServeMux)
}

// Stats counts traffic through a SerialMux.
type Stats struct {
	LinesRead    int64 `json:"lines_read"`
	LinesDropped int64 `json:"lines_dropped"`
	CommandsSent int64 `json:"commands_sent"`
	Subscribers  int   `json:"subscribers"`
}

// SerialMux multiplexes a SerialPorter.
type SerialMux[T SerialPorter] struct {
	port T

	mu          sync.Mutex
	subscribers map[string]chan string
	closed      bool

	// writeMu keeps concurrent commands from interleaving on the wire.
	writeMu sync.Mutex

	linesRead    atomic.Int64
	linesDropped atomic.Int64
	commandsSent atomic.Int64
}

var _ SerialMuxInterface = (*SerialMux[SerialPorter])(nil)

func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

// randomID returns 8 random bytes, hex encoded.
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a buffered channel. A subscriber that falls more than
// subscriberBuffer lines behind misses lines rather than stalling the port.
func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id, ch := randomID(), make(chan string, subscriberBuffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

func (s *SerialMux[T]) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		delete(s.subscribers, id)
		close(ch)
	}
}

// SendCommand writes command with exactly one LineTerminator.
func (s *SerialMux[T]) SendCommand(command string) error {
	line := []byte(strings.TrimRight(command, "\r\n") + LineTerminator)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.port.Write(line)
	if err != nil {
		return fmt.Errorf("write %q: %w", strings.TrimSpace(command), err)
	}
	if n != len(line) {
		return ErrWriteFailed
	}
	s.commandsSent.Add(1)
	return nil
}

// publish hands line to every subscriber. It reports false once the mux is
// closed.
func (s *SerialMux[T]) publish(line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.linesRead.Add(1)
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			s.linesDropped.Add(1)
		}
	}
	return true
}

// Monitor reads lines and publishes the non-empty ones. It returns nil at
// EOF or after Close, ctx.Err() on cancellation and the read error
// otherwise.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	// Reads block, so they run apart from the cancellation check below.
	go func() {
		defer close(lines)
		scan := bufio.NewScanner(s.port)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scan.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if s.isClosed() {
						return nil
					}
					return err
				default:
					return ctx.Err()
				}
			}
			// ScanLines has already dropped the trailing \r.
			if line == "" {
				continue
			}
			if !s.publish(line) {
				return nil
			}
		}
	}
}

func (s *SerialMux[T]) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Stats returns the traffic counters.
func (s *SerialMux[T]) Stats() Stats {
	s.mu.Lock()
	subs := len(s.subscribers)
	s.mu.Unlock()
	return Stats{
		LinesRead:    s.linesRead.Load(),
		LinesDropped: s.linesDropped.Load(),
		CommandsSent: s.commandsSent.Load(),
		Subscribers:  subs,
	}
}

func (s *SerialMux[T]) Close() error {
	s.mu.Lock()
	s.closed = true
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	s.mu.Unlock()
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("send-command", "Modem console", func(w http.ResponseWriter, r *http.Request) {
		if err := sendCommandTemplate.Execute(w, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
		}
	})

	debug.Handle("serial-stats", "Serial line counters (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, s.Stats())
	}))

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote command %q to serial port", command)
	})

	// Server-sent events, one per line read from the port.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, lines := s.Subscribe()
		defer s.Unsubscribe(id)

		io.WriteString(w, ": ping\n\n")
		flusher.Flush()
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc("tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeFileFS(w, r, adminTemplateFS, "templates/tail.js")
	})
}
