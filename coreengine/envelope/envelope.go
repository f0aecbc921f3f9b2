package envelope

import (
	"time"
)

// Event is one entry of the observability audit trail.
type Event struct {
	Iteration  int         `json:"iteration"`
	Action     EventAction `json:"action"`
	Confidence *float64    `json:"confidence,omitempty"`
	Tool       string      `json:"tool,omitempty"`
	Detail     string      `json:"detail,omitempty"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// Observation is a tool or memory result fed back into the next model turn.
type Observation struct {
	Iteration  int       `json:"iteration"`
	Tool       string    `json:"tool"`
	Output     any       `json:"output"`
	RecordedAt time.Time `json:"recorded_at"`
}

// State is the loop state of a session.
type State struct {
	Iteration      int             `json:"iteration"`
	Completed      bool            `json:"completed"`
	Errored        bool            `json:"errored"`
	LastAction     *Action         `json:"last_action,omitempty"`
	TerminalReason *TerminalReason `json:"terminal_reason,omitempty"`
}

// ModelState holds what the session last received from the model.
type ModelState struct {
	LastResponse *Action   `json:"last_response,omitempty"`
	Responses    []*Action `json:"responses"` // every validated turn, in order
}

// Observability holds the append-only audit trail.
type Observability struct {
	Events []Event `json:"events"`
}

// Envelope is the per-execution state record threaded through every step of
// a session. It is owned by exactly one session and is mutated only by the
// control loop; the router never shares it across sessions.
type Envelope struct {
	// Identification
	TraceID string `json:"trace_id"`

	// Original request (deep copy, never the caller's value)
	Payload any `json:"payload"`

	// Tool allow-list, normalized and immutable after creation
	AllowedTools []string `json:"allowed_tools"`
	allowed      map[string]struct{}

	// Bounds
	MaxIterations int `json:"max_iterations"`

	State         State         `json:"state"`
	Model         ModelState    `json:"model"`
	Observability Observability `json:"observability"`

	// Tool and memory results, in arrival order
	Observations []Observation `json:"observations"`

	// Validation and upstream failures seen during the session
	Errors []map[string]any `json:"errors"`

	// Timing
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Metadata map[string]any `json:"metadata"`
}

// =============================================================================
// Allow-list
// =============================================================================

// IsToolAllowed reports whether name is in the allow-list (exact, case-sensitive).
func (e *Envelope) IsToolAllowed(name string) bool {
	if e.allowed == nil {
		e.allowed = toolSet(e.AllowedTools)
	}
	_, ok := e.allowed[name]
	return ok
}

// =============================================================================
// Loop State
// =============================================================================

// RecordTurn appends the audit event for a validated action, stores it as the
// last action and model response, and advances the iteration counter.
func (e *Envelope) RecordTurn(action *Action, now time.Time) {
	evt := Event{
		Iteration:  e.State.Iteration,
		Action:     action.Label(),
		RecordedAt: now,
	}
	if action.Confidence != nil {
		c := *action.Confidence
		evt.Confidence = &c
	}
	if action.IsToolCall() {
		evt.Tool = action.Tool
	}
	e.Observability.Events = append(e.Observability.Events, evt)
	e.State.LastAction = action
	e.Model.LastResponse = action
	e.Model.Responses = append(e.Model.Responses, action)
	e.State.Iteration++
}

// RecordInvalidTurn appends an "invalid" event for a model turn that failed
// validation. The turn still consumes an iteration.
func (e *Envelope) RecordInvalidTurn(kind, detail string, now time.Time) {
	e.Observability.Events = append(e.Observability.Events, Event{
		Iteration:  e.State.Iteration,
		Action:     EventActionInvalid,
		Detail:     detail,
		RecordedAt: now,
	})
	e.Errors = append(e.Errors, map[string]any{
		"kind":      kind,
		"message":   detail,
		"iteration": e.State.Iteration,
	})
	e.State.Iteration++
}

// RecordObservation stores a tool or memory result for the next prompt. It
// does not advance the iteration counter.
func (e *Envelope) RecordObservation(tool string, output any, now time.Time) {
	e.Observations = append(e.Observations, Observation{
		Iteration:  e.State.Iteration,
		Tool:       tool,
		Output:     deepCopyValue(output),
		RecordedAt: now,
	})
}

// RecordUpstreamError appends the failure reported by a collaborator.
func (e *Envelope) RecordUpstreamError(code, message string, now time.Time) {
	e.Observability.Events = append(e.Observability.Events, Event{
		Iteration:  e.State.Iteration,
		Action:     EventActionUpstreamError,
		Detail:     message,
		RecordedAt: now,
	})
	e.Errors = append(e.Errors, map[string]any{
		"kind":      "upstream_error",
		"code":      code,
		"message":   message,
		"iteration": e.State.Iteration,
	})
}

// Terminate marks the session as finished. Completed is set only for success
// reasons; failure reasons set Errored. Calling Terminate on a finished
// envelope keeps the first reason.
func (e *Envelope) Terminate(reason TerminalReason, now time.Time) {
	if e.IsTerminated() {
		return
	}
	r := reason
	e.State.TerminalReason = &r
	e.State.Completed = reason.IsSuccess()
	e.State.Errored = reason.IsFailure()
	t := now
	e.CompletedAt = &t
}

// IsTerminated reports whether a terminal reason has been recorded.
func (e *Envelope) IsTerminated() bool {
	return e.State.TerminalReason != nil
}

// TerminalReason returns the recorded terminal reason, or "" while running.
func (e *Envelope) TerminalReason() TerminalReason {
	if e.State.TerminalReason == nil {
		return ""
	}
	return *e.State.TerminalReason
}

// LastValidationError returns the most recent recorded error message, if any.
func (e *Envelope) LastValidationError() string {
	if len(e.Errors) == 0 {
		return ""
	}
	msg, _ := e.Errors[len(e.Errors)-1]["message"].(string)
	return msg
}

// Events returns a copy of the audit trail.
func (e *Envelope) Events() []Event {
	return copyEvents(e.Observability.Events)
}

// =============================================================================
// Clone - Deep Copy
// =============================================================================

// Clone creates a deep copy of the envelope. Sinks and observers receive
// clones so they can never mutate loop state.
func (e *Envelope) Clone() *Envelope {
	clone := &Envelope{
		TraceID:       e.TraceID,
		Payload:       deepCopyValue(e.Payload),
		AllowedTools:  copyStringSlice(e.AllowedTools),
		MaxIterations: e.MaxIterations,
		State: State{
			Iteration:  e.State.Iteration,
			Completed:  e.State.Completed,
			Errored:    e.State.Errored,
			LastAction: e.State.LastAction.Clone(),
		},
		Model: ModelState{
			LastResponse: e.Model.LastResponse.Clone(),
			Responses:    cloneActions(e.Model.Responses),
		},
		Observability: Observability{Events: copyEvents(e.Observability.Events)},
		Observations:  copyObservations(e.Observations),
		Errors:        deepCopyMapSlice(e.Errors),
		CreatedAt:     e.CreatedAt,
		Metadata:      deepCopyAnyMap(e.Metadata),
	}
	clone.allowed = toolSet(clone.AllowedTools)
	if e.State.TerminalReason != nil {
		r := *e.State.TerminalReason
		clone.State.TerminalReason = &r
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		clone.CompletedAt = &t
	}
	return clone
}

// =============================================================================
// Serialization
// =============================================================================

// ToResultDict converts to the terminal payload for the result channel.
func (e *Envelope) ToResultDict() map[string]any {
	var completedAt any
	if e.CompletedAt != nil {
		completedAt = e.CompletedAt.Format(time.RFC3339Nano)
	}
	events := make([]any, len(e.Observability.Events))
	for i, evt := range e.Observability.Events {
		entry := map[string]any{
			"iteration": evt.Iteration,
			"action":    string(evt.Action),
		}
		if evt.Confidence != nil {
			entry["confidence"] = *evt.Confidence
		}
		if evt.Tool != "" {
			entry["tool"] = evt.Tool
		}
		if evt.Detail != "" {
			entry["detail"] = evt.Detail
		}
		events[i] = entry
	}
	errs := make([]any, len(e.Errors))
	for i, m := range e.Errors {
		errs[i] = deepCopyAnyMap(m)
	}
	observations := make([]any, len(e.Observations))
	for i, obs := range e.Observations {
		observations[i] = map[string]any{
			"iteration": obs.Iteration,
			"tool":      obs.Tool,
			"output":    deepCopyValue(obs.Output),
		}
	}
	tools := make([]any, len(e.AllowedTools))
	for i, t := range e.AllowedTools {
		tools[i] = t
	}
	return map[string]any{
		"traceId":        e.TraceID,
		"payload":        deepCopyValue(e.Payload),
		"allowedTools":   tools,
		"iteration":      e.State.Iteration,
		"maxIterations":  e.MaxIterations,
		"completed":      e.State.Completed,
		"errored":        e.State.Errored,
		"terminalReason": string(e.TerminalReason()),
		"lastAction":     e.State.LastAction.ToMap(),
		"events":         events,
		"observations":   observations,
		"errors":         errs,
		"createdAt":      e.CreatedAt.Format(time.RFC3339Nano),
		"completedAt":    completedAt,
	}
}

// =============================================================================
// Helpers
// =============================================================================

func toolSet(tools []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		set[t] = struct{}{}
	}
	return set
}

func copyEvents(events []Event) []Event {
	if events == nil {
		return []Event{}
	}
	result := make([]Event, len(events))
	for i, evt := range events {
		result[i] = evt
		if evt.Confidence != nil {
			c := *evt.Confidence
			result[i].Confidence = &c
		}
	}
	return result
}

func cloneActions(actions []*Action) []*Action {
	result := make([]*Action, len(actions))
	for i, a := range actions {
		result[i] = a.Clone()
	}
	return result
}

func copyObservations(obs []Observation) []Observation {
	if obs == nil {
		return []Observation{}
	}
	result := make([]Observation, len(obs))
	for i, o := range obs {
		result[i] = o
		result[i].Output = deepCopyValue(o.Output)
	}
	return result
}

func copyStringSlice(s []string) []string {
	if s == nil {
		return nil
	}
	result := make([]string, len(s))
	copy(result, s)
	return result
}

func deepCopyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = deepCopyValue(v)
	}
	return result
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyAnyMap(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = deepCopyValue(item)
		}
		return result
	case []string:
		return copyStringSlice(val)
	case []byte:
		result := make([]byte, len(val))
		copy(result, val)
		return result
	default:
		return v // Primitives are copied by value
	}
}

// DeepCopy returns a deep copy of a JSON-shaped value (maps, slices, primitives).
func DeepCopy(v any) any {
	return deepCopyValue(v)
}

func deepCopyMapSlice(s []map[string]any) []map[string]any {
	if s == nil {
		return nil
	}
	result := make([]map[string]any, len(s))
	for i, m := range s {
		result[i] = deepCopyAnyMap(m)
	}
	return result
}
