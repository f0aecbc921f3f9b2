// Package envelope provides the per-session Envelope, the Action taxonomy and
// the Manager that creates envelopes from inbound requests.
package envelope

// TerminalReason represents why a session ended - exactly one per session.
type TerminalReason string

const (
	// TerminalReasonCompleted indicates the model produced a final answer.
	TerminalReasonCompleted TerminalReason = "completed"
	// TerminalReasonStopCondition indicates a configured stop condition matched.
	TerminalReasonStopCondition TerminalReason = "stop_condition"
	// TerminalReasonMaxIterationsExceeded indicates the iteration bound was reached.
	TerminalReasonMaxIterationsExceeded TerminalReason = "max_iterations_exceeded"
	// TerminalReasonUpstreamError indicates the model collaborator reported a failure.
	TerminalReasonUpstreamError TerminalReason = "upstream_error"
	// TerminalReasonExecutionError indicates an unexpected failure inside the loop.
	TerminalReasonExecutionError TerminalReason = "execution_error"
	// TerminalReasonTimeout indicates no resume arrived before the session deadline.
	TerminalReasonTimeout TerminalReason = "timeout"
	// TerminalReasonAbandoned indicates the host closed the session explicitly.
	TerminalReasonAbandoned TerminalReason = "abandoned"
)

// IsSuccess reports whether the reason marks the session as completed.
// LoopExhausted, timeouts and failures are terminal but not completed.
func (r TerminalReason) IsSuccess() bool {
	return r == TerminalReasonCompleted || r == TerminalReasonStopCondition
}

// IsFailure reports whether the reason is an error path rather than a completion path.
func (r TerminalReason) IsFailure() bool {
	return r == TerminalReasonUpstreamError || r == TerminalReasonExecutionError
}

// EventAction labels an observability event.
type EventAction string

const (
	EventActionToolCall      EventAction = "tool-call"
	EventActionFinalAnswer   EventAction = "final-answer"
	EventActionInvalid       EventAction = "invalid"
	EventActionUpstreamError EventAction = "upstream-error"
)
