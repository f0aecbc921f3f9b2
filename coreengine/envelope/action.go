package envelope

// ActionKind tags an Action.
type ActionKind string

const (
	// ActionKindToolCall asks the runtime to invoke a tool.
	ActionKindToolCall ActionKind = "tool-call"
	// ActionKindFinalAnswer ends the loop with a message for the user.
	ActionKindFinalAnswer ActionKind = "final-answer"
)

// Action is the validated result of parsing one model turn.
//
// It is a tagged value: when Kind is ActionKindToolCall, Tool and Input are set;
// when Kind is ActionKindFinalAnswer, Message is set. Confidence is nil when the
// model did not report a usable one.
type Action struct {
	Kind       ActionKind     `json:"kind"`
	Tool       string         `json:"tool,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Message    string         `json:"message,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
}

// NewToolCall creates a tool-call action.
func NewToolCall(tool string, input map[string]any, confidence *float64) *Action {
	if input == nil {
		input = map[string]any{}
	}
	return &Action{
		Kind:       ActionKindToolCall,
		Tool:       tool,
		Input:      input,
		Confidence: confidence,
	}
}

// NewFinalAnswer creates a final-answer action.
func NewFinalAnswer(message string, confidence *float64) *Action {
	return &Action{
		Kind:       ActionKindFinalAnswer,
		Message:    message,
		Confidence: confidence,
	}
}

// IsToolCall reports whether the action requests a tool.
func (a *Action) IsToolCall() bool {
	return a != nil && a.Kind == ActionKindToolCall
}

// IsFinalAnswer reports whether the action is a final answer.
func (a *Action) IsFinalAnswer() bool {
	return a != nil && a.Kind == ActionKindFinalAnswer
}

// Label returns the audit label for the action ("tool-call" or "final-answer").
func (a *Action) Label() EventAction {
	if a.IsToolCall() {
		return EventActionToolCall
	}
	return EventActionFinalAnswer
}

// Clone returns a deep copy of the action.
func (a *Action) Clone() *Action {
	if a == nil {
		return nil
	}
	clone := &Action{
		Kind:    a.Kind,
		Tool:    a.Tool,
		Message: a.Message,
		Input:   deepCopyAnyMap(a.Input),
	}
	if a.Confidence != nil {
		c := *a.Confidence
		clone.Confidence = &c
	}
	return clone
}

// ToMap converts the action to a plain map for outbound messages.
func (a *Action) ToMap() map[string]any {
	if a == nil {
		return nil
	}
	m := map[string]any{"kind": string(a.Kind)}
	switch a.Kind {
	case ActionKindToolCall:
		m["tool"] = a.Tool
		m["input"] = deepCopyAnyMap(a.Input)
	case ActionKindFinalAnswer:
		m["message"] = a.Message
	}
	if a.Confidence != nil {
		m["confidence"] = *a.Confidence
	}
	return m
}
