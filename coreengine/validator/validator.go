// Package validator turns raw, untrusted model output into a typed Action.
//
// Accepted shapes:
//   - *envelope.Action or envelope.Action
//   - map[string]any with kind/type/action discriminators
//   - JSON text, optionally inside a ``` fence
//   - ReAct text ("Action:" / "Action Input:" / "Final Answer:")
//   - OpenAI-style function and tool_calls objects
//
// Anything that is not recognizably structured is treated as a final answer
// in plain text. Tool calls are checked against the allow-list.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/envelope"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/typeutil"
)

// AllowList reports whether a tool may be called. *envelope.Envelope
// satisfies it.
type AllowList interface {
	IsToolAllowed(name string) bool
}

// Tools is an AllowList over a plain slice. Matching is exact.
type Tools []string

// IsToolAllowed implements AllowList.
func (t Tools) IsToolAllowed(name string) bool {
	for _, n := range t {
		if n == name {
			return true
		}
	}
	return false
}

// Validator parses model output. The zero value drops bad confidence values.
type Validator struct {
	strictConfidence bool
}

// Option configures a Validator.
type Option func(*Validator)

// WithStrictConfidence rejects out-of-range or non-numeric confidence.
func WithStrictConfidence(strict bool) Option {
	return func(v *Validator) { v.strictConfidence = strict }
}

// New creates a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ParseAndValidate parses raw with a default Validator.
func ParseAndValidate(raw any, allowedTools []string) (*envelope.Action, error) {
	return New().Validate(raw, Tools(allowedTools))
}

// Validate parses raw into an Action and checks it against allowed. It never
// mutates raw; the returned Action owns its input map.
func (v *Validator) Validate(raw any, allowed AllowList) (*envelope.Action, error) {
	candidate, err := v.parse(raw, 0)
	if err != nil {
		return nil, err
	}
	if candidate.IsToolCall() {
		candidate.Tool = strings.TrimSpace(candidate.Tool)
		if candidate.Tool == "" {
			return nil, &ValidationError{Kind: KindEmptyTool, Field: "tool", Message: "tool name is empty"}
		}
		if allowed == nil || !allowed.IsToolAllowed(candidate.Tool) {
			return nil, &ValidationError{
				Kind:    KindUnknownTool,
				Field:   "tool",
				Tool:    candidate.Tool,
				Message: fmt.Sprintf("tool not allowed: %s", candidate.Tool),
			}
		}
	}
	return candidate, nil
}

// maxDepth bounds unwrapping of nested envelopes like {"choices":[{"message":...}]}.
const maxDepth = 4

func (v *Validator) parse(raw any, depth int) (*envelope.Action, error) {
	if depth > maxDepth {
		return nil, malformed("", "output nested too deeply")
	}
	switch val := raw.(type) {
	case nil:
		return nil, malformed("", "empty model output")
	case *envelope.Action:
		if val == nil {
			return nil, malformed("", "empty model output")
		}
		return v.fromAction(val.Clone())
	case envelope.Action:
		return v.fromAction(val.Clone())
	case map[string]any:
		return v.fromMap(val, depth)
	case string:
		return v.fromText(val, depth)
	case []byte:
		return v.fromText(string(val), depth)
	case json.RawMessage:
		return v.fromText(string(val), depth)
	default:
		return nil, malformed("", "unsupported output type %T", raw)
	}
}

func (v *Validator) fromAction(a *envelope.Action) (*envelope.Action, error) {
	switch a.Kind {
	case envelope.ActionKindToolCall:
		if a.Input == nil {
			a.Input = map[string]any{}
		}
	case envelope.ActionKindFinalAnswer:
	default:
		return nil, malformed("kind", "unknown action kind %q", a.Kind)
	}
	if a.Confidence != nil {
		c, err := v.confidence(*a.Confidence)
		if err != nil {
			return nil, err
		}
		a.Confidence = c
	}
	return a, nil
}

// =============================================================================
// Structured input
// =============================================================================

var (
	kindKeys       = []string{"kind", "type", "action"}
	toolKeys       = []string{"tool", "name", "toolName", "tool_name"}
	inputKeys      = []string{"input", "args", "arguments", "parameters", "action_input"}
	messageKeys    = []string{"message", "answer", "final_answer", "content", "text", "action_input"}
	confidenceKeys = []string{"confidence", "score"}
)

func (v *Validator) fromMap(m map[string]any, depth int) (*envelope.Action, error) {
	// OpenAI chat completion and message shapes
	if choices, ok := m["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := typeutil.SafeMapStringAny(choices[0]); ok {
			if msg, ok := choice["message"]; ok {
				return v.parse(msg, depth+1)
			}
		}
	}
	if calls, ok := m["tool_calls"].([]any); ok && len(calls) > 0 {
		return v.parse(calls[0], depth+1)
	}
	if fn, ok := typeutil.SafeMapStringAny(m["function"]); ok {
		return v.fromFunction(fn, m)
	}
	// A chat message carries the real reply as text content
	if _, isChat := m["role"]; isChat {
		switch content := m["content"].(type) {
		case string:
			return v.parse(content, depth+1)
		case []any:
			return v.fromContentBlocks(content, depth)
		}
	}

	kind, err := classify(m)
	if err != nil {
		return nil, err
	}

	conf, err := v.confidenceFrom(m)
	if err != nil {
		return nil, err
	}

	if kind == envelope.ActionKindFinalAnswer {
		msg, ok := messageFrom(m)
		if !ok {
			return nil, malformed("message", "final answer has no message")
		}
		return envelope.NewFinalAnswer(msg, conf), nil
	}

	tool, _ := typeutil.FirstString(m, toolKeys...)
	// {"action": "search", ...} names the tool in the discriminator slot
	if tool == "" {
		if a, ok := typeutil.SafeString(m["action"]); ok && parseKind(a) == "" {
			tool = a
		}
	}
	input, err := inputFrom(m)
	if err != nil {
		return nil, err
	}
	return envelope.NewToolCall(tool, input, conf), nil
}

// fromContentBlocks handles Anthropic-style content arrays: the first
// tool_use block wins, otherwise text blocks are joined and parsed as text.
func (v *Validator) fromContentBlocks(blocks []any, depth int) (*envelope.Action, error) {
	var texts []string
	for _, b := range blocks {
		block, ok := typeutil.SafeMapStringAny(b)
		if !ok {
			continue
		}
		blockType, _ := typeutil.SafeString(block["type"])
		switch blockType {
		case "tool_use":
			return v.parse(block, depth+1)
		case "text":
			if t, ok := typeutil.SafeString(block["text"]); ok {
				texts = append(texts, t)
			}
		}
	}
	if len(texts) == 0 {
		return nil, malformed("content", "no text or tool_use content")
	}
	return v.parse(strings.Join(texts, "\n"), depth+1)
}

func (v *Validator) fromFunction(fn, outer map[string]any) (*envelope.Action, error) {
	name, _ := typeutil.SafeString(fn["name"])
	input, err := inputFrom(fn)
	if err != nil {
		return nil, err
	}
	conf, err := v.confidenceFrom(outer)
	if err != nil {
		return nil, err
	}
	return envelope.NewToolCall(name, input, conf), nil
}

// classify determines the action kind from a discriminator key, falling back
// to which fields are present.
func classify(m map[string]any) (envelope.ActionKind, error) {
	for _, key := range kindKeys {
		raw, ok := m[key]
		if !ok || raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			return "", malformed(key, "discriminator must be a string, got %T", raw)
		}
		if kind := parseKind(s); kind != "" {
			return kind, nil
		}
		if key == "action" {
			// {"action": "<tool name>"} is handled by the caller
			return envelope.ActionKindToolCall, nil
		}
		if key == "kind" {
			return "", malformed(key, "unknown action kind %q", s)
		}
	}
	if _, _, ok := typeutil.FirstValue(m, toolKeys...); ok {
		return envelope.ActionKindToolCall, nil
	}
	if _, _, ok := typeutil.FirstValue(m, messageKeys...); ok {
		return envelope.ActionKindFinalAnswer, nil
	}
	return "", malformed("kind", "cannot determine action kind")
}

func parseKind(s string) envelope.ActionKind {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("_", "-", " ", "-").Replace(norm)
	switch norm {
	case "tool-call", "toolcall", "tool", "function-call", "function", "tool-use":
		return envelope.ActionKindToolCall
	case "final-answer", "finalanswer", "final", "answer", "finish", "respond":
		return envelope.ActionKindFinalAnswer
	}
	return ""
}

func messageFrom(m map[string]any) (string, bool) {
	raw, _, ok := typeutil.FirstValue(m, messageKeys...)
	if !ok {
		return "", false
	}
	if s, ok := raw.(string); ok {
		return s, true
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// inputFrom extracts tool input. A JSON-object string is decoded; a missing
// input is an empty map; any other shape is rejected.
func inputFrom(m map[string]any) (map[string]any, error) {
	raw, key, ok := typeutil.FirstValue(m, inputKeys...)
	if !ok {
		return map[string]any{}, nil
	}
	switch val := raw.(type) {
	case map[string]any:
		return envelope.DeepCopy(val).(map[string]any), nil
	case string:
		trimmed := strings.TrimSpace(val)
		if trimmed == "" {
			return map[string]any{}, nil
		}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
			return nil, malformed(key, "tool input is not a JSON object")
		}
		if decoded == nil {
			decoded = map[string]any{}
		}
		return decoded, nil
	default:
		return nil, malformed(key, "tool input must be an object, got %T", raw)
	}
}

// =============================================================================
// Confidence
// =============================================================================

func (v *Validator) confidenceFrom(m map[string]any) (*float64, error) {
	raw, _, ok := typeutil.FirstValue(m, confidenceKeys...)
	if !ok {
		return nil, nil
	}
	return v.confidence(raw)
}

// confidence coerces raw to a finite number in [0,1]. Unusable values are
// dropped unless strict checking is on.
func (v *Validator) confidence(raw any) (*float64, error) {
	f, ok := typeutil.FiniteFloat64(raw)
	if ok && f >= 0 && f <= 1 {
		return &f, nil
	}
	if v.strictConfidence {
		return nil, &ValidationError{
			Kind:    KindInvalidConfidence,
			Field:   "confidence",
			Message: fmt.Sprintf("confidence must be a finite number in [0,1], got %v", raw),
		}
	}
	return nil, nil
}
