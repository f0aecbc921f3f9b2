// Package kernel implements the session router: the active execution table,
// correlation-based dispatch of inbound messages and the five positional
// output channels.
//
// Key concepts:
//   - Message: inbound payload plus optional _correlation resume marker
//   - Record: the per-session entry of the execution table
//   - Outputs: positional channels, exactly one populated per Send
package kernel

import (
	"context"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/typeutil"
)

// Logger is the logging capability injected into the router.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// Channels
// =============================================================================

// Channel is the position of an output.
type Channel int

const (
	ChannelModel Channel = iota
	ChannelTool
	ChannelMemory
	ChannelResult
	ChannelRawModelResponse

	// NumChannels is the number of positional outputs.
	NumChannels = 5
)

var channelNames = [NumChannels]string{"model", "tool", "memory", "result", "raw-model-response"}

func (c Channel) String() string {
	if c < 0 || int(c) >= NumChannels {
		return "unknown"
	}
	return channelNames[c]
}

// Outputs holds one slot per channel. The router populates exactly one slot
// per Send.
type Outputs [NumChannels]*Outbound

// Single returns Outputs with only ch populated.
func Single(ch Channel, out *Outbound) Outputs {
	var o Outputs
	o[ch] = out
	return o
}

// Populated returns the populated channel, or false if none is.
func (o Outputs) Populated() (Channel, bool) {
	for i, out := range o {
		if out != nil {
			return Channel(i), true
		}
	}
	return 0, false
}

// ToSlice converts to positional maps, nil for empty channels.
func (o Outputs) ToSlice() []any {
	result := make([]any, NumChannels)
	for i, out := range o {
		if out != nil {
			result[i] = out.ToMap()
		}
	}
	return result
}

// OutputSink receives positional outputs for a session.
type OutputSink interface {
	Send(ctx context.Context, traceID string, out Outputs) error
}

// SinkFunc adapts a function to OutputSink.
type SinkFunc func(ctx context.Context, traceID string, out Outputs) error

// Send implements OutputSink.
func (f SinkFunc) Send(ctx context.Context, traceID string, out Outputs) error {
	return f(ctx, traceID, out)
}

// =============================================================================
// Messages
// =============================================================================

// Correlation types.
const (
	CorrelationModelResponse  = "model_response"
	CorrelationToolResponse   = "tool_response"
	CorrelationMemoryResponse = "memory_response"
)

// Correlation is the resume marker carried as _correlation.
type Correlation struct {
	Type    string `json:"type"`
	TraceID string `json:"traceId"`
	Tool    string `json:"tool,omitempty"`
	// Iteration the outbound request was issued at; nil when unknown
	Iteration *int `json:"iteration,omitempty"`
}

// ToMap converts the marker for outbound messages.
func (c *Correlation) ToMap() map[string]any {
	m := map[string]any{"type": c.Type, "traceId": c.TraceID}
	if c.Tool != "" {
		m["tool"] = c.Tool
	}
	if c.Iteration != nil {
		m["iteration"] = *c.Iteration
	}
	return m
}

// Message is an inbound message.
type Message struct {
	Payload     any
	Correlation *Correlation
}

// MessageFromMap parses {payload, _correlation}. A _correlation that is not
// an object yields a marker with an empty traceId, which the router drops.
func MessageFromMap(m map[string]any) *Message {
	msg := &Message{Payload: m["payload"]}
	raw, present := m["_correlation"]
	if !present || raw == nil {
		return msg
	}
	corr := &Correlation{}
	if cm, ok := typeutil.SafeMapStringAny(raw); ok {
		corr.Type, _ = typeutil.SafeString(cm["type"])
		corr.TraceID, _ = typeutil.SafeString(cm["traceId"])
		corr.Tool, _ = typeutil.SafeString(cm["tool"])
		if it, ok := typeutil.SafeInt(cm["iteration"]); ok {
			corr.Iteration = &it
		}
	}
	msg.Correlation = corr
	return msg
}

// =============================================================================
// Outbound
// =============================================================================

// Outbound is one message on an output channel.
type Outbound struct {
	Payload     any
	TraceID     string
	Tool        string         // tool and memory channels
	Input       map[string]any // tool and memory channels
	AgentResult map[string]any // result and raw-model-response channels
	Correlation *Correlation
}

// ToMap converts the message to its wire shape.
func (o *Outbound) ToMap() map[string]any {
	m := map[string]any{
		"payload": o.Payload,
		"traceId": o.TraceID,
	}
	if o.Tool != "" {
		m["tool"] = o.Tool
		m["input"] = o.Input
	}
	if o.AgentResult != nil {
		m["agentResult"] = o.AgentResult
	}
	if o.Correlation != nil {
		m["_correlation"] = o.Correlation.ToMap()
	}
	return m
}

// Tee returns a sink that delivers to every sink in order. Delivery stops at
// the first error.
func Tee(sinks ...OutputSink) OutputSink {
	return SinkFunc(func(ctx context.Context, traceID string, out Outputs) error {
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.Send(ctx, traceID, out); err != nil {
				return err
			}
		}
		return nil
	})
}
