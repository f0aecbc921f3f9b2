// Package strategy implements the REACT control loop.
//
// The loop is pure: every call mutates only the envelope it is given and
// returns a NextStep describing what the router should dispatch. It never
// performs I/O and never panics across its boundary.
package strategy

import (
	"github.com/jeeves-cluster-organization/agentcore/coreengine/envelope"
)

// NextStep is the intended next action of the loop. It is one of
// SendToModel, SendToTool, SendToMemory, Complete or Fail.
type NextStep interface {
	nextStep()
	// Name returns a short label for logging.
	Name() string
}

// SendToModel requests a new reasoning step.
type SendToModel struct {
	Prompt *Prompt
}

// SendToTool dispatches a tool invocation.
type SendToTool struct {
	Invocation ToolInvocation
}

// SendToMemory dispatches a memory-class tool invocation.
type SendToMemory struct {
	Invocation ToolInvocation
}

// Complete ends the session. Reason is one of completed, stop_condition or
// max_iterations_exceeded.
type Complete struct {
	Reason envelope.TerminalReason
}

// Fail ends the session with an execution error.
type Fail struct {
	Err error
}

func (SendToModel) nextStep()  {}
func (SendToTool) nextStep()   {}
func (SendToMemory) nextStep() {}
func (Complete) nextStep()     {}
func (Fail) nextStep()         {}

func (SendToModel) Name() string  { return "send_to_model" }
func (SendToTool) Name() string   { return "send_to_tool" }
func (SendToMemory) Name() string { return "send_to_memory" }
func (Complete) Name() string     { return "complete" }
func (Fail) Name() string         { return "fail" }

// ToolInvocation is the outbound request for a tool or memory collaborator.
type ToolInvocation struct {
	TraceID   string         `json:"traceId"`
	Tool      string         `json:"tool"`
	Input     map[string]any `json:"input"`
	Iteration int            `json:"iteration"`
}

// ToMap converts the invocation for the tool or memory channel.
func (t ToolInvocation) ToMap() map[string]any {
	return map[string]any{
		"tool":      t.Tool,
		"input":     envelope.DeepCopy(t.Input),
		"traceId":   t.TraceID,
		"iteration": t.Iteration,
	}
}
