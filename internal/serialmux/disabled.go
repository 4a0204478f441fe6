package serialmux

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/banshee-data/radio.mesh/internal/httputil"
)

// ErrSerialDisabled is returned by DisabledSerialMux.SendCommand.
var ErrSerialDisabled = errors.New("serial port disabled")

// disabledHistory bounds the commands kept for the debug page.
const disabledHistory = 32

// DisabledSerialMux stands in for a modem when tdma-radio runs without a
// port. Nothing is ever read and every command fails with
// ErrSerialDisabled, so modem setup fails fast instead of timing out. The
// rejected commands are kept for /debug/serial-disabled.
type DisabledSerialMux struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closed      bool
	commands    []string
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{subscribers: make(map[string]chan string)}
}

// Subscribe returns a channel that never carries a line. After Close the
// channel is already closed.
func (d *DisabledSerialMux) Subscribe() (string, chan string) {
	id, ch := randomID(), make(chan string)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(ch)
	} else {
		d.subscribers[id] = ch
	}
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		delete(d.subscribers, id)
		close(ch)
	}
}

func (d *DisabledSerialMux) SendCommand(cmd string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.commands) == disabledHistory {
		d.commands = d.commands[1:]
	}
	d.commands = append(d.commands, cmd)
	return ErrSerialDisabled
}

// Commands returns the most recent rejected commands, oldest first.
func (d *DisabledSerialMux) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for id, ch := range d.subscribers {
		delete(d.subscribers, id)
		close(ch)
	}
	return nil
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/serial-disabled", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, map[string]any{
			"disabled": true,
			"commands": d.Commands(),
		})
	})
}
