package serialmux

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// Handlers receives classified modem lines. Nil callbacks are skipped.
type Handlers struct {
	OnReceive func(Reception)
	OnOK      func()
	OnError   func(code int)
	OnReady   func()
	OnReply   func(key, value string)
}

// HandleLine classifies line and invokes the matching callback.
func HandleLine(line string, h Handlers) error {
	switch ClassifyLine(line) {
	case EventTypeReceive:
		rx, err := ParseReception(line)
		if err != nil {
			return fmt.Errorf("failed to handle reception: %w", err)
		}
		if h.OnReceive != nil {
			h.OnReceive(rx)
		}
	case EventTypeOK:
		if h.OnOK != nil {
			h.OnOK()
		}
	case EventTypeError:
		code, err := ParseError(line)
		if err != nil {
			return fmt.Errorf("failed to handle error reply: %w", err)
		}
		if h.OnError != nil {
			h.OnError(code)
		}
	case EventTypeReady:
		if h.OnReady != nil {
			h.OnReady()
		}
	case EventTypeReply:
		key, value, _ := strings.Cut(strings.TrimPrefix(line, "+"), "=")
		if h.OnReply != nil {
			h.OnReply(key, value)
		}
	default:
		log.Printf("unknown modem line: %q", line)
	}
	return nil
}

// DeviceState holds the latest query replies (+ADDRESS=..., +BAND=...) seen
// from the modem, for the debug pages.
type DeviceState struct {
	mu     sync.Mutex
	values map[string]string
}

// Set records a reply.
func (d *DeviceState) Set(key, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.values == nil {
		d.values = make(map[string]string)
	}
	d.values[key] = value
}

// Snapshot returns a copy of every recorded reply.
func (d *DeviceState) Snapshot() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.values))
	for k, v := range d.values {
		out[k] = v
	}
	return out
}
