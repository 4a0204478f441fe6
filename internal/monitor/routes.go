package monitor

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"

	"tailscale.com/tsweb"

	"github.com/banshee-data/radio.mesh/internal/httputil"
)

// StateSource returns the current node snapshots. Any JSON-encodable value
// works.
type StateSource func() any

// AttachRoutes mounts node state, link statistics and the slot timeline
// under /debug/. c may be nil when no events are collected.
func AttachRoutes(mux *http.ServeMux, states StateSource, c *Collector) {
	debug := tsweb.Debugger(mux)

	debug.Handle("nodes", "Node states (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		httputil.WriteJSONOK(w, states())
	}))

	if c == nil {
		return
	}

	debug.Handle("link-stats", "Resync jitter and join times (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, map[string]any{
			"jitter":     c.Jitter(),
			"joined_at":  c.JoinTimes(),
			"received":   c.Received(),
			"mismatches": c.Mismatches(),
			"dropped":    c.Dropped(),
		})
	}))

	debug.Handle("slots", "Slot occupancy timeline (?limit=N)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		samples := c.Sends()
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httputil.BadRequest(w, "limit must be a positive integer")
				return
			}
			if n < len(samples) {
				samples = samples[len(samples)-n:]
			}
		}
		var buf bytes.Buffer
		if err := WriteSlotTimeline(&buf, samples, ""); err != nil {
			if errors.Is(err, ErrNoSamples) {
				httputil.NotFound(w, "no transmissions recorded yet")
				return
			}
			httputil.InternalServerError(w, "failed to render chart: "+err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	}))
}
