package strategy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/envelope"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/tools"
)

// Message roles used in prompts.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the prompt conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Tool    string `json:"tool,omitempty"`
}

// ToolSpec is the model-facing description of an allowed tool.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Kind        string         `json:"kind"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Prompt is the outbound request for a reasoning step. It carries the
// accumulated context of the session.
type Prompt struct {
	TraceID       string     `json:"traceId"`
	Iteration     int        `json:"iteration"`
	MaxIterations int        `json:"maxIterations"`
	System        string     `json:"system"`
	Messages      []Message  `json:"messages"`
	Tools         []ToolSpec `json:"tools"`
	Feedback      string     `json:"feedback,omitempty"`
}

// ToMap converts the prompt for the model channel.
func (p *Prompt) ToMap() map[string]any {
	messages := make([]any, len(p.Messages))
	for i, m := range p.Messages {
		entry := map[string]any{"role": m.Role, "content": m.Content}
		if m.Tool != "" {
			entry["tool"] = m.Tool
		}
		messages[i] = entry
	}
	specs := make([]any, len(p.Tools))
	for i, t := range p.Tools {
		entry := map[string]any{"name": t.Name, "kind": t.Kind}
		if t.Description != "" {
			entry["description"] = t.Description
		}
		if t.Parameters != nil {
			entry["parameters"] = envelope.DeepCopy(t.Parameters)
		}
		specs[i] = entry
	}
	m := map[string]any{
		"traceId":       p.TraceID,
		"iteration":     p.Iteration,
		"maxIterations": p.MaxIterations,
		"system":        p.System,
		"messages":      messages,
		"tools":         specs,
	}
	if p.Feedback != "" {
		m["feedback"] = p.Feedback
	}
	return m
}

// buildPrompt renders the envelope into a prompt: the system instructions
// with the tool list, the original request, then each recorded turn in order
// with its observations and validation feedback.
func (r *React) buildPrompt(env *envelope.Envelope, feedback string) (*Prompt, error) {
	request, err := renderValue(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("render payload: %w", err)
	}

	defs := r.describe(env.AllowedTools)
	p := &Prompt{
		TraceID:       env.TraceID,
		Iteration:     env.State.Iteration,
		MaxIterations: env.MaxIterations,
		System:        renderSystem(r.systemPrompt, defs),
		Messages:      []Message{{Role: RoleUser, Content: request}},
		Tools:         make([]ToolSpec, 0, len(defs)),
		Feedback:      feedback,
	}
	for _, d := range defs {
		p.Tools = append(p.Tools, ToolSpec{
			Name:        d.Name,
			Description: d.Description,
			Kind:        string(d.Kind),
			Parameters:  d.Parameters,
		})
	}

	// Observations are stamped with the iteration after the turn that caused them
	byIteration := make(map[int][]envelope.Observation)
	for _, obs := range env.Observations {
		byIteration[obs.Iteration] = append(byIteration[obs.Iteration], obs)
	}
	errorsByIteration := make(map[int]string)
	for _, e := range env.Errors {
		if it, ok := e["iteration"].(int); ok {
			msg, _ := e["message"].(string)
			errorsByIteration[it] = msg
		}
	}

	// The newest rejection is carried by feedback alone
	events := env.Observability.Events
	if n := len(events); feedback != "" && n > 0 && events[n-1].Action == envelope.EventActionInvalid {
		events = events[:n-1]
	}

	responses := env.Model.Responses
	next := 0
	for _, evt := range events {
		switch evt.Action {
		case envelope.EventActionToolCall, envelope.EventActionFinalAnswer:
			var action *envelope.Action
			if next < len(responses) {
				action = responses[next]
			}
			next++
			if action == nil {
				continue
			}
			content, err := renderValue(action.ToMap())
			if err != nil {
				return nil, fmt.Errorf("render turn %d: %w", evt.Iteration, err)
			}
			p.Messages = append(p.Messages, Message{Role: RoleAssistant, Content: content})
			for _, obs := range byIteration[evt.Iteration+1] {
				out, err := renderValue(obs.Output)
				if err != nil {
					return nil, fmt.Errorf("render observation for %s: %w", obs.Tool, err)
				}
				p.Messages = append(p.Messages, Message{Role: RoleTool, Tool: obs.Tool, Content: out})
			}
		case envelope.EventActionInvalid:
			detail := evt.Detail
			if detail == "" {
				detail = errorsByIteration[evt.Iteration]
			}
			p.Messages = append(p.Messages, Message{
				Role:    RoleUser,
				Content: "Your previous reply was rejected: " + detail,
			})
		}
	}
	if feedback != "" {
		p.Messages = append(p.Messages, Message{Role: RoleUser, Content: feedback})
	}
	return p, nil
}

func (r *React) describe(names []string) []tools.ToolDefinition {
	defs := r.catalog.Describe(names)
	for i := range defs {
		if _, ok := r.memoryTools[defs[i].Name]; ok {
			defs[i].Kind = tools.KindMemory
		}
	}
	return defs
}

func renderSystem(base string, defs []tools.ToolDefinition) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nTools:")
	if len(defs) == 0 {
		b.WriteString("\n(none: reply with a final answer)")
	}
	for _, d := range defs {
		b.WriteString("\n- ")
		b.WriteString(d.Name)
		if d.Description != "" {
			b.WriteString(": ")
			b.WriteString(d.Description)
		}
	}
	return b.String()
}

// renderValue returns strings as-is and JSON for everything else.
func renderValue(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
