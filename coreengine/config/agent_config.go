// Package config provides agent session configuration and the server
// configuration for the agentcore binary.
//
// AgentConfig holds ONLY what shapes a session's control loop:
//   - Strategy selection and iteration bound
//   - Tool allow-list and memory-class tools
//   - Stop conditions
//   - Session timeout
package config

import (
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/typeutil"
)

// StrategyReact is the only supported strategy.
const StrategyReact = "react"

// Stop condition types recognized in descriptors.
const (
	StopOnToolCalled       = "tool_called"
	StopOnConfidenceAbove  = "confidence_at_least"
	StopOnIterationAtLeast = "iteration_at_least"
	StopOnMessageContains  = "message_contains"
	StopOnActionKind       = "action_kind"
)

// StopConditionConfig describes one stop condition.
//
//	{type: tool_called, tool: "book_flight"}
//	{type: confidence_at_least, threshold: 0.95}
//	{type: iteration_at_least, value: 2}
//	{type: message_contains, text: "DONE"}
//	{type: action_kind, kind: "tool-call"}
type StopConditionConfig struct {
	Type      string  `json:"type" yaml:"type"`
	Tool      string  `json:"tool,omitempty" yaml:"tool,omitempty"`
	Threshold float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Value     int     `json:"value,omitempty" yaml:"value,omitempty"`
	Text      string  `json:"text,omitempty" yaml:"text,omitempty"`
	Kind      string  `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// Validate checks the descriptor is complete for its type.
func (s StopConditionConfig) Validate() error {
	switch s.Type {
	case StopOnToolCalled:
		if s.Tool == "" {
			return fmt.Errorf("stop condition %s requires tool", s.Type)
		}
	case StopOnConfidenceAbove:
		if s.Threshold < 0 || s.Threshold > 1 {
			return fmt.Errorf("stop condition %s threshold must be in [0,1], got %v", s.Type, s.Threshold)
		}
	case StopOnIterationAtLeast:
		if s.Value <= 0 {
			return fmt.Errorf("stop condition %s requires positive value", s.Type)
		}
	case StopOnMessageContains:
		if s.Text == "" {
			return fmt.Errorf("stop condition %s requires text", s.Type)
		}
	case StopOnActionKind:
		if s.Kind != "tool-call" && s.Kind != "final-answer" {
			return fmt.Errorf("stop condition %s kind must be tool-call or final-answer, got %q", s.Type, s.Kind)
		}
	default:
		return fmt.Errorf("unknown stop condition type: %q", s.Type)
	}
	return nil
}

// AgentConfig is the recognized configuration surface of the orchestrator.
type AgentConfig struct {
	Strategy       string                `json:"strategy" yaml:"strategy"`
	MaxIterations  int                   `json:"maxIterations" yaml:"maxIterations"`
	AllowedTools   []string              `json:"allowedTools" yaml:"allowedTools"`
	StopConditions []StopConditionConfig `json:"stopConditions" yaml:"stopConditions"`
	Debug          bool                  `json:"debug" yaml:"debug"` // Verbose logging only

	// Memory-class tools are routed to the memory channel
	MemoryTools []string `json:"memoryTools,omitempty" yaml:"memoryTools,omitempty"`

	// Reject out-of-range or non-numeric confidence instead of dropping it
	StrictConfidence bool `json:"strictConfidence" yaml:"strictConfidence"`

	// Seconds without a resume before a session is expired (0 = never)
	SessionTimeoutSeconds int `json:"sessionTimeoutSeconds" yaml:"sessionTimeoutSeconds"`

	// Instruction text placed at the top of every model request
	SystemPrompt string `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
}

// DefaultAgentConfig returns an AgentConfig with default values.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Strategy:              StrategyReact,
		MaxIterations:         5,
		AllowedTools:          []string{},
		StopConditions:        []StopConditionConfig{},
		Debug:                 false,
		MemoryTools:           []string{},
		StrictConfidence:      false,
		SessionTimeoutSeconds: 300,
		SystemPrompt:          DefaultSystemPrompt,
	}
}

// DefaultSystemPrompt instructs the model on the action protocol.
const DefaultSystemPrompt = `You are an agent that solves the user's request step by step.
Reply with exactly one JSON object per turn:
  {"kind": "tool-call", "tool": "<name>", "input": {...}, "confidence": 0.0-1.0}
  {"kind": "final-answer", "message": "<answer>", "confidence": 0.0-1.0}
Only the listed tools may be called.`

// SessionTimeout returns the session timeout as a duration.
func (c *AgentConfig) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSeconds) * time.Second
}

// Validate checks the configuration.
func (c *AgentConfig) Validate() error {
	if c.Strategy != StrategyReact {
		return fmt.Errorf("unsupported strategy %q (only %q)", c.Strategy, StrategyReact)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("maxIterations must be positive, got %d", c.MaxIterations)
	}
	if c.SessionTimeoutSeconds < 0 {
		return fmt.Errorf("sessionTimeoutSeconds must not be negative, got %d", c.SessionTimeoutSeconds)
	}
	for i, sc := range c.StopConditions {
		if err := sc.Validate(); err != nil {
			return fmt.Errorf("stopConditions[%d]: %w", i, err)
		}
	}
	return nil
}

// AgentConfigFromMap creates AgentConfig from a map (e.g. node properties).
// Unknown keys are ignored.
func AgentConfigFromMap(config map[string]any) *AgentConfig {
	c := DefaultAgentConfig()

	if v, ok := typeutil.SafeString(config["strategy"]); ok && v != "" {
		c.Strategy = v
	}
	if v, ok := typeutil.SafeInt(config["maxIterations"]); ok {
		c.MaxIterations = v
	}
	if v, ok := typeutil.SafeStringSlice(config["allowedTools"]); ok {
		c.AllowedTools = v
	}
	if v, ok := typeutil.SafeStringSlice(config["memoryTools"]); ok {
		c.MemoryTools = v
	}
	if v, ok := typeutil.SafeBool(config["debug"]); ok {
		c.Debug = v
	}
	if v, ok := typeutil.SafeBool(config["strictConfidence"]); ok {
		c.StrictConfidence = v
	}
	if v, ok := typeutil.SafeInt(config["sessionTimeoutSeconds"]); ok {
		c.SessionTimeoutSeconds = v
	}
	if v, ok := typeutil.SafeString(config["systemPrompt"]); ok && v != "" {
		c.SystemPrompt = v
	}
	if raw, ok := config["stopConditions"].([]any); ok {
		for _, item := range raw {
			m, ok := typeutil.SafeMapStringAny(item)
			if !ok {
				continue
			}
			sc := StopConditionConfig{}
			sc.Type, _ = typeutil.SafeString(m["type"])
			sc.Tool, _ = typeutil.SafeString(m["tool"])
			sc.Text, _ = typeutil.SafeString(m["text"])
			sc.Kind, _ = typeutil.SafeString(m["kind"])
			if f, ok := typeutil.FiniteFloat64(m["threshold"]); ok {
				sc.Threshold = f
			}
			if i, ok := typeutil.SafeInt(m["value"]); ok {
				sc.Value = i
			}
			c.StopConditions = append(c.StopConditions, sc)
		}
	}

	return c
}

// ToMap converts config to a map.
func (c *AgentConfig) ToMap() map[string]any {
	stops := make([]any, len(c.StopConditions))
	for i, sc := range c.StopConditions {
		m := map[string]any{"type": sc.Type}
		if sc.Tool != "" {
			m["tool"] = sc.Tool
		}
		if sc.Threshold != 0 {
			m["threshold"] = sc.Threshold
		}
		if sc.Value != 0 {
			m["value"] = sc.Value
		}
		if sc.Text != "" {
			m["text"] = sc.Text
		}
		if sc.Kind != "" {
			m["kind"] = sc.Kind
		}
		stops[i] = m
	}
	return map[string]any{
		"strategy":              c.Strategy,
		"maxIterations":         c.MaxIterations,
		"allowedTools":          append([]string(nil), c.AllowedTools...),
		"memoryTools":           append([]string(nil), c.MemoryTools...),
		"stopConditions":        stops,
		"debug":                 c.Debug,
		"strictConfidence":      c.StrictConfidence,
		"sessionTimeoutSeconds": c.SessionTimeoutSeconds,
		"systemPrompt":          c.SystemPrompt,
	}
}
