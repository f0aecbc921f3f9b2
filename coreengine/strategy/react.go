package strategy

import (
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/config"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/envelope"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/tools"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/validator"
)

// Catalog is the tool lookup the strategy needs.
type Catalog interface {
	IsMemory(name string) bool
	Describe(names []string) []tools.ToolDefinition
}

// React is the Reason -> Act loop.
//
// Terminal checks in ContinueLoop run in a fixed order:
//  1. final answer -> completed
//  2. iteration bound -> max_iterations_exceeded
//  3. stop conditions -> stop_condition
type React struct {
	stops        []StopCondition
	catalog      Catalog
	memoryTools  map[string]struct{}
	systemPrompt string
	now          func() time.Time
}

// Option configures React.
type Option func(*React)

// WithStopConditions appends stop conditions, evaluated in order.
func WithStopConditions(conds ...StopCondition) Option {
	return func(r *React) { r.stops = append(r.stops, conds...) }
}

// WithCatalog sets the tool catalog.
func WithCatalog(c Catalog) Option {
	return func(r *React) {
		if c != nil {
			r.catalog = c
		}
	}
}

// WithMemoryTools marks tools as memory-class regardless of the catalog.
func WithMemoryTools(names ...string) Option {
	return func(r *React) {
		for _, n := range names {
			r.memoryTools[n] = struct{}{}
		}
	}
}

// WithSystemPrompt sets the instruction text of every prompt.
func WithSystemPrompt(text string) Option {
	return func(r *React) {
		if text != "" {
			r.systemPrompt = text
		}
	}
}

// WithClock overrides the time source used for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *React) { r.now = now }
}

// NewReact creates the strategy.
func NewReact(opts ...Option) *React {
	r := &React{
		catalog:      tools.NewCatalog(),
		memoryTools:  make(map[string]struct{}),
		systemPrompt: config.DefaultSystemPrompt,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewReactFromConfig builds the strategy described by cfg.
func NewReactFromConfig(cfg *config.AgentConfig, catalog Catalog) (*React, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	stops := make([]StopCondition, 0, len(cfg.StopConditions))
	for i, sc := range cfg.StopConditions {
		cond, err := StopConditionFromConfig(sc)
		if err != nil {
			return nil, fmt.Errorf("stopConditions[%d]: %w", i, err)
		}
		stops = append(stops, cond)
	}
	return NewReact(
		WithStopConditions(stops...),
		WithCatalog(catalog),
		WithMemoryTools(cfg.MemoryTools...),
		WithSystemPrompt(cfg.SystemPrompt),
	), nil
}

// Execute starts (or re-enters) the loop: it completes an envelope that has
// used its iterations and otherwise requests a model step.
func (r *React) Execute(env *envelope.Envelope) NextStep {
	return r.requestModel(env, "")
}

// ContinueLoop records a validated model turn and decides what follows.
func (r *React) ContinueLoop(env *envelope.Envelope, action *envelope.Action) (step NextStep) {
	defer r.guard(&step)

	if action == nil {
		return Fail{Err: fmt.Errorf("continue loop: nil action")}
	}
	env.RecordTurn(action, r.now())

	if action.IsFinalAnswer() {
		return Complete{Reason: envelope.TerminalReasonCompleted}
	}
	if env.State.Iteration >= env.MaxIterations {
		return Complete{Reason: envelope.TerminalReasonMaxIterationsExceeded}
	}
	if _, matched, err := firstMatch(r.stops, env.Clone(), action.Clone()); err != nil {
		return Fail{Err: err}
	} else if matched {
		return Complete{Reason: envelope.TerminalReasonStopCondition}
	}

	if !action.IsToolCall() {
		return Fail{Err: fmt.Errorf("continue loop: unknown action kind %q", action.Kind)}
	}
	inv := ToolInvocation{
		TraceID:   env.TraceID,
		Tool:      action.Tool,
		Input:     envelope.DeepCopy(action.Input).(map[string]any),
		Iteration: env.State.Iteration,
	}
	if r.IsMemoryTool(action.Tool) {
		return SendToMemory{Invocation: inv}
	}
	return SendToTool{Invocation: inv}
}

// ObserveTool records a tool or memory result and requests the next model step.
func (r *React) ObserveTool(env *envelope.Envelope, tool string, output any) (step NextStep) {
	defer r.guard(&step)

	env.RecordObservation(tool, output, r.now())
	return r.requestModel(env, "")
}

// RecoverValidation records a rejected model turn. The turn consumes an
// iteration; the model is re-prompted with feedback unless the bound is hit.
func (r *React) RecoverValidation(env *envelope.Envelope, verr *validator.ValidationError) (step NextStep) {
	defer r.guard(&step)

	if verr == nil {
		return Fail{Err: fmt.Errorf("recover validation: nil error")}
	}
	env.RecordInvalidTurn(string(verr.Kind), verr.Message, r.now())
	return r.requestModel(env, verr.Feedback())
}

// IsMemoryTool reports whether calls to name are routed to memory.
func (r *React) IsMemoryTool(name string) bool {
	if _, ok := r.memoryTools[name]; ok {
		return true
	}
	return r.catalog.IsMemory(name)
}

func (r *React) requestModel(env *envelope.Envelope, feedback string) (step NextStep) {
	defer r.guard(&step)

	if env.State.Iteration >= env.MaxIterations {
		return Complete{Reason: envelope.TerminalReasonMaxIterationsExceeded}
	}
	prompt, err := r.buildPrompt(env, feedback)
	if err != nil {
		return Fail{Err: fmt.Errorf("build prompt: %w", err)}
	}
	return SendToModel{Prompt: prompt}
}

// guard converts a panic into Fail.
func (r *React) guard(step *NextStep) {
	if rec := recover(); rec != nil {
		*step = Fail{Err: fmt.Errorf("strategy panic: %v", rec)}
	}
}
