package envelope

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxIterations is used when the manager is not given a bound.
const DefaultMaxIterations = 5

// Manager creates correctly initialized envelopes.
type Manager struct {
	newID         func(now time.Time) string
	now           func() time.Time
	maxIterations int
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIDGenerator overrides trace id generation.
func WithIDGenerator(fn func(now time.Time) string) ManagerOption {
	return func(m *Manager) { m.newID = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithMaxIterations sets the iteration bound stamped on new envelopes.
func WithMaxIterations(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxIterations = n
		}
	}
}

// NewManager creates a Manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		newID:         NewTraceID,
		now:           func() time.Time { return time.Now().UTC() },
		maxIterations: DefaultMaxIterations,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateEnvelope creates a new envelope for a user request. The payload is
// deep-copied and allowedTools is normalized; neither argument is modified.
func (m *Manager) CreateEnvelope(initialPayload any, allowedTools []string) *Envelope {
	now := m.now()
	tools := NormalizeTools(allowedTools)
	return &Envelope{
		TraceID:       m.newID(now),
		Payload:       deepCopyValue(initialPayload),
		AllowedTools:  tools,
		allowed:       toolSet(tools),
		MaxIterations: m.maxIterations,
		State: State{
			Iteration: 0,
			Completed: false,
		},
		Model:         ModelState{Responses: []*Action{}},
		Observability: Observability{Events: []Event{}},
		Observations:  []Observation{},
		Errors:        []map[string]any{},
		CreatedAt:     now,
		Metadata:      make(map[string]any),
	}
}

// NewTraceID builds "trc_<base36 unix millis>_<12 hex random>".
func NewTraceID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return "trc_" + strconv.FormatInt(now.UnixMilli(), 36) + "_" + suffix
}

// NormalizeTools deduplicates tool names keeping first-seen order. Matching is
// exact and case-sensitive; empty names are dropped.
func NormalizeTools(tools []string) []string {
	seen := make(map[string]struct{}, len(tools))
	result := make([]string, 0, len(tools))
	for _, t := range tools {
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		result = append(result, t)
	}
	return result
}
