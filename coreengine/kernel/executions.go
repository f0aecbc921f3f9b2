package kernel

import (
	"sort"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/envelope"
)

// pendingDispatch is a tool or memory call awaiting its response.
type pendingDispatch struct {
	Channel   Channel
	Tool      string
	Iteration int
}

// delivery is one output queued while the record was locked.
type delivery struct {
	sink OutputSink
	ch   Channel
	out  *Outbound
}

// Record is an active execution. All fields except TraceID are guarded by mu.
// Handlers hold mu while a message updates the session and queue outputs on
// outbox; the outputs are sent after mu is released.
type Record struct {
	TraceID string

	mu             sync.Mutex
	Envelope       *envelope.Envelope
	Sink           OutputSink
	StartedAt      time.Time
	LastActivityAt time.Time
	Deadline       time.Time // zero means no timeout

	runtime *sessionRuntime
	pending *pendingDispatch
	outbox  []delivery
	closed  bool
}

func (r *Record) touch(now time.Time, timeout time.Duration) {
	r.LastActivityAt = now
	if timeout > 0 {
		r.Deadline = now.Add(timeout)
	}
}

func (r *Record) expired(now time.Time) bool {
	return !r.Deadline.IsZero() && now.After(r.Deadline)
}

// ExecutionTable is the active execution table keyed by traceId. It is the
// only state shared across sessions.
type ExecutionTable struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewExecutionTable creates an empty table.
func NewExecutionTable() *ExecutionTable {
	return &ExecutionTable{records: make(map[string]*Record)}
}

// Insert adds rec. A live record with the same traceId is never replaced.
func (t *ExecutionTable) Insert(rec *Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.records[rec.TraceID]; exists {
		return ErrSessionExists
	}
	t.records[rec.TraceID] = rec
	return nil
}

// Lookup returns the record for traceID, or nil.
func (t *ExecutionTable) Lookup(traceID string) *Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.records[traceID]
}

// RemoveOnce deletes rec if it is still the table's record for its traceId.
// It reports whether this call removed it; later calls are no-ops.
func (t *ExecutionTable) RemoveOnce(rec *Record) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, exists := t.records[rec.TraceID]
	if !exists || current != rec {
		return false
	}
	delete(t.records, rec.TraceID)
	return true
}

// Expired returns open records whose deadline is before now, oldest first.
// A record may be closed by its handler after the scan, so callers re-check
// under the record lock.
func (t *ExecutionTable) Expired(now time.Time) []*Record {
	t.mu.RLock()
	candidates := make([]*Record, 0)
	for _, rec := range t.records {
		candidates = append(candidates, rec)
	}
	t.mu.RUnlock()

	result := make([]*Record, 0)
	for _, rec := range candidates {
		rec.mu.Lock()
		if !rec.closed && rec.expired(now) {
			result = append(result, rec)
		}
		rec.mu.Unlock()
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

// Len returns the number of live records.
func (t *ExecutionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// TraceIDs returns the live traceIds, sorted.
func (t *ExecutionTable) TraceIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
