package kernel

import (
	"github.com/jeeves-cluster-organization/agentcore/coreengine/envelope"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/strategy"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/typeutil"
)

// =============================================================================
// Outbound builders
// =============================================================================

func modelOutbound(env *envelope.Envelope, prompt *strategy.Prompt) *Outbound {
	iteration := env.State.Iteration
	return &Outbound{
		Payload: prompt.ToMap(),
		TraceID: env.TraceID,
		Correlation: &Correlation{
			Type:      CorrelationModelResponse,
			TraceID:   env.TraceID,
			Iteration: &iteration,
		},
	}
}

func toolOutbound(ch Channel, inv strategy.ToolInvocation) *Outbound {
	corrType := pendingCorrelationType(ch)
	iteration := inv.Iteration
	return &Outbound{
		Payload: inv.ToMap(),
		TraceID: inv.TraceID,
		Tool:    inv.Tool,
		Input:   copyInput(inv.Input),
		Correlation: &Correlation{
			Type:      corrType,
			TraceID:   inv.TraceID,
			Tool:      inv.Tool,
			Iteration: &iteration,
		},
	}
}

// rawModelOutbound surfaces a validated turn. Iteration is the turn's
// 1-based number, the counter value once the loop records it.
func rawModelOutbound(env *envelope.Envelope, action *envelope.Action) *Outbound {
	result := map[string]any{
		"iteration":  env.State.Iteration + 1,
		"traceId":    env.TraceID,
		"action":     string(action.Kind),
		"confidence": nil,
	}
	if action.IsToolCall() {
		result["tool"] = action.Tool
	}
	if action.Confidence != nil {
		result["confidence"] = *action.Confidence
	}
	return &Outbound{
		Payload:     action.ToMap(),
		TraceID:     env.TraceID,
		AgentResult: result,
	}
}

func rawErrorOutbound(env *envelope.Envelope, upstream *UpstreamError) *Outbound {
	return &Outbound{
		Payload: upstream.ToMap(),
		TraceID: env.TraceID,
		AgentResult: map[string]any{
			"iteration": env.State.Iteration,
			"traceId":   env.TraceID,
			"action":    "error",
			"error":     upstream.Message,
		},
	}
}

// resultOutbound builds the single terminal message. A final answer carries
// its message as payload; every other ending carries the envelope dict.
func resultOutbound(env *envelope.Envelope, upstream *UpstreamError) *Outbound {
	last := env.State.LastAction
	var payload any
	if env.TerminalReason() == envelope.TerminalReasonCompleted && last.IsFinalAnswer() {
		payload = last.Message
	} else {
		dict := env.ToResultDict()
		if upstream != nil {
			dict["error"] = upstream.ToMap()["error"]
		}
		payload = dict
	}
	return &Outbound{
		Payload: payload,
		TraceID: env.TraceID,
		AgentResult: map[string]any{
			"completed":   env.State.Completed,
			"iterations":  env.State.Iteration,
			"traceId":     env.TraceID,
			"finalAction": last.ToMap(),
			"status":      string(env.TerminalReason()),
		},
	}
}

// extractUpstreamError recognizes {error: {code, message}} payloads. A bare
// string error is accepted with an empty code.
func extractUpstreamError(payload any) (*UpstreamError, bool) {
	m, ok := typeutil.SafeMapStringAny(payload)
	if !ok {
		return nil, false
	}
	raw, present := m["error"]
	if !present || raw == nil {
		return nil, false
	}
	if s, ok := typeutil.SafeString(raw); ok {
		return &UpstreamError{Message: s}, true
	}
	em, ok := typeutil.SafeMapStringAny(raw)
	if !ok {
		return nil, false
	}
	upstream := &UpstreamError{}
	upstream.Code, _ = typeutil.SafeString(em["code"])
	upstream.Message, _ = typeutil.SafeString(em["message"])
	if upstream.Message == "" {
		upstream.Message = "upstream collaborator reported an error"
	}
	return upstream, true
}

func copyInput(input map[string]any) map[string]any {
	copied, _ := envelope.DeepCopy(input).(map[string]any)
	if copied == nil {
		return map[string]any{}
	}
	return copied
}
