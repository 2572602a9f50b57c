// Package history keeps a bounded in-memory record of completed
// pipeline runs for inspection and debugging.
package history

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one recorded run. Queries are stored in their normalized
// form; raw user input is kept only as the original question.
type Entry struct {
	ID           uuid.UUID     `json:"id"`
	DatasourceID uuid.UUID     `json:"datasource_id"`
	Question     string        `json:"question"`
	Query        string        `json:"query,omitempty"`
	Verdict      string        `json:"verdict"`
	Stage        string        `json:"stage,omitempty"`
	BlockReasons []string      `json:"block_reasons,omitempty"`
	Error        string        `json:"error,omitempty"`
	RowCount     int           `json:"row_count"`
	QualityScore float64       `json:"quality_score"`
	Elapsed      time.Duration `json:"elapsed"`
	RecordedAt   time.Time     `json:"recorded_at"`
}

// Recorder is a fixed-capacity ring of entries, newest first on read.
// Safe for concurrent use.
type Recorder struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	size    int
	cap     int
}

// NewRecorder returns a recorder holding at most capacity entries.
// A non-positive capacity defaults to 1.
func NewRecorder(capacity int) *Recorder {
	if capacity < 1 {
		capacity = 1
	}
	return &Recorder{
		entries: make([]Entry, capacity),
		cap:     capacity,
	}
}

// Record appends an entry, evicting the oldest when full. The entry's
// ID and RecordedAt are assigned here if unset.
func (r *Recorder) Record(e Entry) Entry {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = e
	r.next = (r.next + 1) % r.cap
	if r.size < r.cap {
		r.size++
	}
	return e
}

// Recent returns up to limit entries, newest first. A non-positive
// limit returns everything recorded.
func (r *Recorder) Recent(limit int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.size
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + r.cap) % r.cap
		out = append(out, r.entries[idx])
	}
	return out
}

// Len reports the number of entries currently held.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}
