package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/radio.mesh/internal/capture"
	"github.com/banshee-data/radio.mesh/internal/db"
	"github.com/banshee-data/radio.mesh/internal/sim"
	"github.com/banshee-data/radio.mesh/internal/tdma"
)

func writeCapture(t *testing.T, frames ...tdma.Header) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "air.pcap")
	w, err := capture.Create(path, capture.LinkTypeTDMA)
	require.NoError(t, err)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, h := range frames {
		w.Record(sim.Transmission{Start: start.Add(time.Duration(i) * 100 * time.Millisecond), Sender: h.Source, Frame: h.Encode()})
	}
	require.NoError(t, w.Close())
	return path
}

func recordRun(t *testing.T, types ...string) (string, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runs.db")
	database, err := db.NewDB(path)
	require.NoError(t, err)
	defer database.Close()
	run, err := database.StartRun(2, "tdma", map[string]int{"nodes": 2})
	require.NoError(t, err)
	events := make([]db.FrameEvent, len(types))
	for i, typ := range types {
		events[i] = db.FrameEvent{RunID: run.ID, At: time.Unix(int64(i), 0), Sender: 101, Type: typ, Size: tdma.HeaderSize}
	}
	require.NoError(t, database.RecordFrames(events))
	return path, run.ID
}

func heartbeat(src uint8) tdma.Header {
	return tdma.Header{Type: tdma.Heartbeat, Source: src, Info: tdma.InfoAbsent}
}

func TestAnalyze_CaptureOnly(t *testing.T) {
	pcap := writeCapture(t, heartbeat(101), heartbeat(102), heartbeat(101))

	report, err := analyze(Config{PCAPFile: pcap})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Summary.Frames)
	assert.Equal(t, 3, report.Summary.ByType["HEARTBEAT"])
	assert.Equal(t, 2, report.Summary.BySource[101])
	assert.InDelta(t, 0.2, report.SpanSecs, 1e-9)
	assert.Empty(t, report.RunID)

	var buf bytes.Buffer
	printReport(&buf, report)
	assert.Contains(t, buf.String(), "3 frames")
	assert.Contains(t, buf.String(), "HEARTBEAT")
}

func TestAnalyze_MatchesLatestRun(t *testing.T) {
	pcap := writeCapture(t, heartbeat(101), heartbeat(102))
	dbPath, runID := recordRun(t, "HEARTBEAT", "HEARTBEAT")

	report, err := analyze(Config{PCAPFile: pcap, DBPath: dbPath})
	require.NoError(t, err)
	assert.Equal(t, runID, report.RunID)
	assert.Empty(t, report.Differences)

	var buf bytes.Buffer
	printReport(&buf, report)
	assert.Contains(t, buf.String(), "recorded frame counts match")
}

func TestAnalyze_ReportsDifferences(t *testing.T) {
	pcap := writeCapture(t, heartbeat(101))
	dbPath, runID := recordRun(t, "HEARTBEAT", "DATA")

	report, err := analyze(Config{PCAPFile: pcap, DBPath: dbPath, RunID: runID})
	require.NoError(t, err)
	assert.Equal(t, []Difference{{Type: "DATA", Captured: 0, Recorded: 1}}, report.Differences)

	out := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, writeJSON(out, report))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var decoded Report
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, runID, decoded.RunID)
	assert.Len(t, decoded.Differences, 1)
}

func TestAnalyze_Errors(t *testing.T) {
	_, err := analyze(Config{PCAPFile: filepath.Join(t.TempDir(), "missing.pcap")})
	assert.Error(t, err)

	pcap := writeCapture(t, heartbeat(101))
	dbPath, _ := recordRun(t)
	_, err = analyze(Config{PCAPFile: pcap, DBPath: dbPath, RunID: "unknown"})
	assert.ErrorIs(t, err, db.ErrRunNotFound)

	empty := filepath.Join(t.TempDir(), "empty.db")
	_, err = analyze(Config{PCAPFile: pcap, DBPath: empty})
	assert.Error(t, err, "no runs")
}

func TestCompareCounts(t *testing.T) {
	diffs := compareCounts(map[string]int{"A": 1, "B": 2}, map[string]int{"B": 2, "C": 4})
	assert.Equal(t, []Difference{{Type: "A", Captured: 1}, {Type: "C", Recorded: 4}}, diffs)
	assert.Nil(t, compareCounts(nil, nil))
}
