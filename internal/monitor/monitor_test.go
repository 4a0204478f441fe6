package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/radio.mesh/internal/tdma"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func feed(c *Collector) {
	c.Handle(tdma.Event{Kind: tdma.EventJoined, Node: 101, At: t0})
	c.Handle(tdma.Event{Kind: tdma.EventSent, Node: 101, At: t0.Add(200 * time.Millisecond), Slot: 0, Type: tdma.Heartbeat, Size: 6})
	c.Handle(tdma.Event{Kind: tdma.EventSent, Node: 102, At: t0.Add(100 * time.Millisecond), Slot: 1, Type: tdma.JoinRequest, Size: 6})
	c.Handle(tdma.Event{Kind: tdma.EventResync, Node: 102, At: t0.Add(300 * time.Millisecond), Correction: 10 * time.Microsecond})
	c.Handle(tdma.Event{Kind: tdma.EventResync, Node: 103, At: t0.Add(400 * time.Millisecond), Correction: -30 * time.Microsecond})
	c.Handle(tdma.Event{Kind: tdma.EventJoined, Node: 102, At: t0.Add(time.Second)})
	c.Handle(tdma.Event{Kind: tdma.EventJoined, Node: 102, At: t0.Add(5 * time.Second)})
	c.Handle(tdma.Event{Kind: tdma.EventReceived, Node: 101})
	c.Handle(tdma.Event{Kind: tdma.EventMismatch, Node: 101})
	c.Handle(tdma.Event{Kind: tdma.EventSlotShift, Node: 101})
}

func TestCollector(t *testing.T) {
	t.Parallel()

	c := NewCollector(0)
	feed(c)

	want := []SlotSample{
		{Node: 102, At: t0.Add(100 * time.Millisecond), Slot: 1, Type: tdma.JoinRequest, Size: 6},
		{Node: 101, At: t0.Add(200 * time.Millisecond), Slot: 0, Type: tdma.Heartbeat, Size: 6},
	}
	if diff := cmp.Diff(want, c.Sends()); diff != "" {
		t.Errorf("sends (-want +got):\n%s", diff)
	}
	assert.Len(t, c.Resyncs(), 2)
	assert.Equal(t, map[uint8]time.Time{101: t0, 102: t0.Add(time.Second)}, c.JoinTimes(), "first join wins")
	assert.Equal(t, map[uint8]int{101: 1}, c.Received())
	assert.Equal(t, 1, c.Mismatches())
	assert.Zero(t, c.Dropped())
}

func TestCollector_Cap(t *testing.T) {
	t.Parallel()

	c := NewCollector(3)
	for i := 0; i < 5; i++ {
		c.Handle(tdma.Event{Kind: tdma.EventSent, Node: 101, At: t0.Add(time.Duration(i) * time.Second)})
	}
	assert.Len(t, c.Sends(), 3)
	assert.Equal(t, 2, c.Dropped())
}

func TestCollector_Concurrent(t *testing.T) {
	t.Parallel()

	c := NewCollector(0)
	var wg sync.WaitGroup
	for n := 0; n < 4; n++ {
		wg.Add(1)
		go func(node uint8) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.Handle(tdma.Event{Kind: tdma.EventSent, Node: node, At: t0})
				c.Handle(tdma.Event{Kind: tdma.EventResync, Node: node, At: t0, Correction: time.Microsecond})
			}
		}(uint8(101 + n))
	}
	wg.Wait()
	assert.Len(t, c.Sends(), 400)
	assert.Equal(t, 400, c.Jitter().Count)
}

func TestJitter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		corrections []time.Duration
		want        JitterStats
	}{
		{"none", nil, JitterStats{}},
		{"single", []time.Duration{-5 * time.Microsecond}, JitterStats{Count: 1, Mean: -5 * time.Microsecond, MaxAbs: 5 * time.Microsecond}},
		{
			"spread",
			[]time.Duration{2 * time.Microsecond, 4 * time.Microsecond, 4 * time.Microsecond, 4 * time.Microsecond, 5 * time.Microsecond, 5 * time.Microsecond, 7 * time.Microsecond, 9 * time.Microsecond},
			// sample stddev of {2,4,4,4,5,5,7,9} is sqrt(32/7)
			JitterStats{Count: 8, Mean: 5 * time.Microsecond, StdDev: 2138 * time.Nanosecond, MaxAbs: 9 * time.Microsecond},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCollector(0)
			for _, d := range tt.corrections {
				c.Handle(tdma.Event{Kind: tdma.EventResync, Node: 101, At: t0, Correction: d})
			}
			got := c.Jitter()
			assert.Equal(t, tt.want.Count, got.Count)
			assert.Equal(t, tt.want.Mean, got.Mean)
			assert.Equal(t, tt.want.MaxAbs, got.MaxAbs)
			assert.InDelta(t, float64(tt.want.StdDev), float64(got.StdDev), 1)
		})
	}
}

func TestWriteSlotTimeline(t *testing.T) {
	t.Parallel()

	c := NewCollector(0)
	feed(c)

	var buf bytes.Buffer
	require.NoError(t, WriteSlotTimeline(&buf, c.Sends(), "2 nodes"))
	html := buf.String()
	assert.Contains(t, html, "Slot occupancy")
	assert.Contains(t, html, "node 101")
	assert.Contains(t, html, "node 102")
	assert.Contains(t, html, "JOINREQUEST")

	assert.ErrorIs(t, WriteSlotTimeline(&buf, nil, ""), ErrNoSamples)
}

func TestSaveResyncPlot(t *testing.T) {
	t.Parallel()

	c := NewCollector(0)
	feed(c)

	path := filepath.Join(t.TempDir(), "resync.png")
	require.NoError(t, SaveResyncPlot(path, c.Resyncs()))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))

	assert.ErrorIs(t, SaveResyncPlot(path, nil), ErrNoSamples)
}

func TestPalette(t *testing.T) {
	t.Parallel()

	colors := palette(6)
	require.Len(t, colors, 6)
	seen := make(map[any]bool)
	for _, c := range colors {
		seen[c] = true
	}
	assert.Len(t, seen, 6)
	assert.Empty(t, palette(0))
}

func TestHealthServer(t *testing.T) {
	h := NewHealthServer()
	require.NoError(t, h.Start("127.0.0.1:0"))
	t.Cleanup(h.Stop)
	assert.Error(t, h.Start("127.0.0.1:0"), "second start")

	conn, err := grpc.NewClient(h.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, h.Update(1, 2))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, h.Update(2, 2))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, h.Update(0, 0))
}

func get(t *testing.T, mux *http.ServeMux, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAttachRoutes(t *testing.T) {
	t.Parallel()

	c := NewCollector(0)
	mux := http.NewServeMux()
	AttachRoutes(mux, func() any { return []map[string]int{{"address": 101}} }, c)

	rec := get(t, mux, "/debug/nodes")
	require.Equal(t, http.StatusOK, rec.Code)
	var nodes []map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nodes))
	assert.Equal(t, 101, nodes[0]["address"])

	rec = get(t, mux, "/debug/slots")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	feed(c)
	rec = get(t, mux, "/debug/slots?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "node 101"))
	assert.False(t, strings.Contains(rec.Body.String(), "node 102"), "limit keeps the newest")

	rec = get(t, mux, "/debug/slots?limit=x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, mux, "/debug/link-stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Jitter     JitterStats `json:"jitter"`
		Mismatches int         `json:"mismatches"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Jitter.Count)
	assert.Equal(t, 1, stats.Mismatches)
}
