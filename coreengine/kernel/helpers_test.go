package kernel

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/config"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testLogger struct {
	mu   sync.Mutex
	logs []string
}

func (l *testLogger) record(level, msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, fmt.Sprintf("%s: %s %v", level, msg, keysAndValues))
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) { l.record("DEBUG", msg, keysAndValues...) }
func (l *testLogger) Info(msg string, keysAndValues ...any)  { l.record("INFO", msg, keysAndValues...) }
func (l *testLogger) Warn(msg string, keysAndValues ...any)  { l.record("WARN", msg, keysAndValues...) }
func (l *testLogger) Error(msg string, keysAndValues ...any) { l.record("ERROR", msg, keysAndValues...) }

// has reports whether an entry starts with "LEVEL: event".
func (l *testLogger) has(level, event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	prefix := level + ": " + event + " "
	for _, entry := range l.logs {
		if len(entry) >= len(prefix) && entry[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// sent is one recorded Send call.
type sent struct {
	TraceID string
	Channel Channel
	Out     *Outbound
	Outputs Outputs
}

// recordingSink records every Send. It fails when err is set.
type recordingSink struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (s *recordingSink) Send(_ context.Context, traceID string, out Outputs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	ch, _ := out.Populated()
	s.sent = append(s.sent, sent{TraceID: traceID, Channel: ch, Out: out[ch], Outputs: out})
	return nil
}

func (s *recordingSink) all() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]sent, len(s.sent))
	copy(result, s.sent)
	return result
}

func (s *recordingSink) on(ch Channel) []sent {
	var result []sent
	for _, m := range s.all() {
		if m.Channel == ch {
			result = append(result, m)
		}
	}
	return result
}

func (s *recordingSink) last() sent {
	all := s.all()
	if len(all) == 0 {
		return sent{}
	}
	return all[len(all)-1]
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

var testNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testAgentConfig(maxIterations int, tools ...string) *config.AgentConfig {
	cfg := config.DefaultAgentConfig()
	cfg.MaxIterations = maxIterations
	cfg.AllowedTools = tools
	return cfg
}

func newTestRouter(t *testing.T, cfg *config.AgentConfig, opts ...RouterOption) (*Router, *testLogger, *testClock) {
	t.Helper()
	logger := &testLogger{}
	clock := &testClock{now: testNow}
	n := 0
	var idMu sync.Mutex
	base := []RouterOption{
		WithLogger(logger),
		WithClock(clock.Now),
		WithIDGenerator(func(time.Time) string {
			idMu.Lock()
			defer idMu.Unlock()
			n++
			return fmt.Sprintf("T%d", n)
		}),
	}
	r, err := NewRouter(cfg, append(base, opts...)...)
	require.NoError(t, err)
	return r, logger, clock
}

func newMessage(payload any) *Message {
	return &Message{Payload: payload}
}

func resumeMessage(traceID string, payload any) *Message {
	return &Message{
		Payload:     payload,
		Correlation: &Correlation{Type: CorrelationModelResponse, TraceID: traceID},
	}
}

func observationMessage(traceID, tool string, payload any) *Message {
	return &Message{
		Payload:     payload,
		Correlation: &Correlation{Type: CorrelationToolResponse, TraceID: traceID, Tool: tool},
	}
}

func intPtr(v int) *int { return &v }
