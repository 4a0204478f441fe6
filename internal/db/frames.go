package db

import (
	"fmt"
	"sync"
	"time"
)

// FrameEvent is one frame put on the simulated air.
type FrameEvent struct {
	RunID    string        `json:"run_id"`
	At       time.Time     `json:"at"`
	Channel  int           `json:"channel"`
	Sender   uint8         `json:"sender"`
	Type     string        `json:"type"`
	Size     int           `json:"size"`
	Airtime  time.Duration `json:"airtime"`
	Collided bool          `json:"collided"`
}

// RecordFrames inserts events in a single transaction.
func (db *DB) RecordFrames(events []FrameEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin frame batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO frame_events
		(run_id, at_unix_ns, channel, sender, frame_type, size, airtime_ns, collided)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare frame insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		collided := 0
		if e.Collided {
			collided = 1
		}
		if _, err := stmt.Exec(e.RunID, e.At.UnixNano(), e.Channel, int(e.Sender), e.Type, e.Size, int64(e.Airtime), collided); err != nil {
			return fmt.Errorf("failed to insert frame event: %w", err)
		}
	}
	return tx.Commit()
}

// FrameEvents returns a run's frames in time order.
func (db *DB) FrameEvents(runID string) ([]FrameEvent, error) {
	rows, err := db.Query(`SELECT at_unix_ns, channel, sender, frame_type, size, airtime_ns, collided
		FROM frame_events WHERE run_id = ? ORDER BY at_unix_ns, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query frame events: %w", err)
	}
	defer rows.Close()

	var events []FrameEvent
	for rows.Next() {
		var (
			e        FrameEvent
			at       int64
			sender   int
			airtime  int64
			collided int
		)
		if err := rows.Scan(&at, &e.Channel, &sender, &e.Type, &e.Size, &airtime, &collided); err != nil {
			return nil, fmt.Errorf("failed to scan frame event: %w", err)
		}
		e.RunID = runID
		e.At = time.Unix(0, at).UTC()
		e.Sender = uint8(sender)
		e.Airtime = time.Duration(airtime)
		e.Collided = collided == 1
		events = append(events, e)
	}
	return events, rows.Err()
}

// FrameTypeCounts returns how many frames of each type a run sent.
func (db *DB) FrameTypeCounts(runID string) (map[string]int, error) {
	rows, err := db.Query(`SELECT frame_type, COUNT(*) FROM frame_events WHERE run_id = ? GROUP BY frame_type`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to count frame events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			t string
			n int
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("failed to scan frame count: %w", err)
		}
		counts[t] = n
	}
	return counts, rows.Err()
}

// defaultBatchSize is how many events FrameRecorder buffers before writing.
const defaultBatchSize = 256

// FrameRecorder batches frame events for one run. It is safe for
// concurrent use.
type FrameRecorder struct {
	db    *DB
	runID string

	mu      sync.Mutex
	pending []FrameEvent
	written int
	err     error
}

// NewFrameRecorder returns a recorder that writes to runID.
func (db *DB) NewFrameRecorder(runID string) *FrameRecorder {
	return &FrameRecorder{db: db, runID: runID}
}

// Record buffers e and writes the batch once it is full. The first write
// error is kept and returned by Flush.
func (r *FrameRecorder) Record(e FrameEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.RunID = r.runID
	r.pending = append(r.pending, e)
	if len(r.pending) >= defaultBatchSize {
		r.flushLocked()
	}
}

// Flush writes anything buffered.
func (r *FrameRecorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()
	return r.err
}

// Written returns how many events have been stored.
func (r *FrameRecorder) Written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

func (r *FrameRecorder) flushLocked() {
	if len(r.pending) == 0 {
		return
	}
	if err := r.db.RecordFrames(r.pending); err != nil {
		if r.err == nil {
			r.err = err
		}
	} else {
		r.written += len(r.pending)
	}
	r.pending = r.pending[:0]
}
