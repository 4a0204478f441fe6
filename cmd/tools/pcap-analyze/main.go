// Command pcap-analyze summarizes an air capture written by tdma-sim and can
// cross-check it against the frames recorded for the same run.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/banshee-data/radio.mesh/internal/db"
)

// Config holds the command options.
type Config struct {
	PCAPFile string
	DBPath   string
	RunID    string
	JSONOut  string
}

func main() {
	cfg := parseFlags()

	if cfg.PCAPFile == "" {
		fmt.Fprintln(os.Stderr, "Error: PCAP file is required")
		flag.Usage()
		os.Exit(1)
	}

	report, err := analyze(cfg)
	if err != nil {
		log.Fatalf("Analysis failed: %v", err)
	}

	printReport(os.Stdout, report)

	if cfg.JSONOut != "" {
		if err := writeJSON(cfg.JSONOut, report); err != nil {
			log.Fatalf("Export failed: %v", err)
		}
		log.Printf("wrote %s", cfg.JSONOut)
	}
	if len(report.Differences) > 0 {
		os.Exit(2)
	}
}

func parseFlags() Config {
	cfg := Config{}
	flag.StringVar(&cfg.PCAPFile, "pcap", "", "Path to PCAP file (required)")
	flag.StringVar(&cfg.DBPath, "db", "", "Run database to compare against (optional)")
	flag.StringVar(&cfg.RunID, "run", "", "Run id in -db (defaults to the latest run)")
	flag.StringVar(&cfg.JSONOut, "json", "", "Write the report as JSON to this file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Summarizes frames per type and sender in a TDMA or turn-timeout capture.\n")
		fmt.Fprintf(os.Stderr, "With -db, frame type counts are compared with the recorded run and\n")
		fmt.Fprintf(os.Stderr, "the exit status is 2 when they differ.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	return cfg
}

func writeJSON(path string, report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// openRun opens path and resolves runID, falling back to the newest run.
func openRun(path, runID string) (*db.DB, string, error) {
	database, err := db.NewDB(path)
	if err != nil {
		return nil, "", err
	}
	if runID != "" {
		return database, runID, nil
	}
	runs, err := database.ListRuns(1)
	if err != nil {
		database.Close()
		return nil, "", err
	}
	if len(runs) == 0 {
		database.Close()
		return nil, "", fmt.Errorf("no runs in %s", path)
	}
	return database, runs[0].ID, nil
}
