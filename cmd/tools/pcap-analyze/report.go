package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/banshee-data/radio.mesh/internal/capture"
)

// Report is the analysis of one capture.
type Report struct {
	PCAPFile    string          `json:"pcap_file"`
	Summary     capture.Summary `json:"summary"`
	SpanSecs    float64         `json:"span_secs"`
	RunID       string          `json:"run_id,omitempty"`
	Recorded    map[string]int  `json:"recorded,omitempty"`
	Differences []Difference    `json:"differences,omitempty"`
}

// Difference is a frame type whose captured and recorded counts disagree.
type Difference struct {
	Type     string `json:"type"`
	Captured int    `json:"captured"`
	Recorded int    `json:"recorded"`
}

func analyze(cfg Config) (*Report, error) {
	summary, err := capture.SummarizeFile(cfg.PCAPFile)
	if err != nil {
		return nil, err
	}
	report := &Report{
		PCAPFile: cfg.PCAPFile,
		Summary:  summary,
		SpanSecs: summary.Span().Seconds(),
	}
	if cfg.DBPath == "" {
		return report, nil
	}

	database, runID, err := openRun(cfg.DBPath, cfg.RunID)
	if err != nil {
		return nil, err
	}
	defer database.Close()
	if _, err := database.GetRun(runID); err != nil {
		return nil, err
	}
	recorded, err := database.FrameTypeCounts(runID)
	if err != nil {
		return nil, err
	}
	report.RunID = runID
	report.Recorded = recorded
	report.Differences = compareCounts(summary.ByType, recorded)
	return report, nil
}

// compareCounts lists every frame type whose counts differ, sorted by type.
func compareCounts(captured, recorded map[string]int) []Difference {
	types := make(map[string]struct{}, len(captured)+len(recorded))
	for t := range captured {
		types[t] = struct{}{}
	}
	for t := range recorded {
		types[t] = struct{}{}
	}
	var diffs []Difference
	for t := range types {
		if captured[t] != recorded[t] {
			diffs = append(diffs, Difference{Type: t, Captured: captured[t], Recorded: recorded[t]})
		}
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Type < diffs[j].Type })
	return diffs
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func printReport(w io.Writer, r *Report) {
	s := r.Summary
	fmt.Fprintf(w, "%s: %d frames, %d bytes over %v\n", r.PCAPFile, s.Frames, s.Bytes, s.Span().Round(time.Millisecond))
	if s.Malformed > 0 {
		fmt.Fprintf(w, "  malformed: %d\n", s.Malformed)
	}
	fmt.Fprintln(w, "By type:")
	for _, t := range sortedKeys(s.ByType) {
		fmt.Fprintf(w, "  %-16s %6d\n", t, s.ByType[t])
	}
	fmt.Fprintln(w, "By sender:")
	for _, a := range s.Sources() {
		fmt.Fprintf(w, "  %-16d %6d\n", a, s.BySource[a])
	}
	if r.RunID == "" {
		return
	}
	if len(r.Differences) == 0 {
		fmt.Fprintf(w, "run %s: recorded frame counts match\n", r.RunID)
		return
	}
	fmt.Fprintf(w, "run %s: %d frame types differ\n", r.RunID, len(r.Differences))
	for _, d := range r.Differences {
		fmt.Fprintf(w, "  %-16s captured %d, recorded %d\n", d.Type, d.Captured, d.Recorded)
	}
}
