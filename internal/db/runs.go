package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("db: run not found")

// Run is one simulation run.
type Run struct {
	ID          string          `json:"run_id"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	NodeCount   int             `json:"node_count"`
	Link        string          `json:"link"`
	ConfigJSON  json.RawMessage `json:"config"`
	SummaryJSON json.RawMessage `json:"summary,omitempty"`
}

// StartRun records a new run with a fresh id. cfg is stored as JSON.
func (db *DB) StartRun(nodeCount int, link string, cfg any) (*Run, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run config: %w", err)
	}
	run := &Run{
		ID:         uuid.NewString(),
		StartedAt:  time.Now().UTC(),
		NodeCount:  nodeCount,
		Link:       link,
		ConfigJSON: cfgJSON,
	}
	_, err = db.Exec(
		`INSERT INTO sim_runs (run_id, started_at, node_count, link, config_json) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UnixNano(), run.NodeCount, run.Link, string(cfgJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}
	return run, nil
}

// FinishRun stamps the end time and stores summary as JSON.
func (db *DB) FinishRun(runID string, summary any) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}
	res, err := db.Exec(
		`UPDATE sim_runs SET ended_at = ?, summary_json = ? WHERE run_id = ?`,
		time.Now().UTC().UnixNano(), string(summaryJSON), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

const runColumns = `run_id, started_at, ended_at, node_count, link, config_json, summary_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(s rowScanner) (*Run, error) {
	var (
		r       Run
		started int64
		ended   sql.NullInt64
		cfg     string
		summary sql.NullString
	)
	if err := s.Scan(&r.ID, &started, &ended, &r.NodeCount, &r.Link, &cfg, &summary); err != nil {
		return nil, err
	}
	r.StartedAt = time.Unix(0, started).UTC()
	if ended.Valid {
		t := time.Unix(0, ended.Int64).UTC()
		r.EndedAt = &t
	}
	r.ConfigJSON = json.RawMessage(cfg)
	if summary.Valid {
		r.SummaryJSON = json.RawMessage(summary.String)
	}
	return &r, nil
}

// GetRun returns a run by id.
func (db *DB) GetRun(runID string) (*Run, error) {
	r, err := scanRun(db.QueryRow(`SELECT `+runColumns+` FROM sim_runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first.
func (db *DB) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT `+runColumns+` FROM sim_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}
