package strategy

import (
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/config"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/envelope"
)

// StopCondition forces termination when Match returns true. It is evaluated
// once per iteration, after the turn has been recorded.
type StopCondition struct {
	Name  string
	Match func(env *envelope.Envelope, action *envelope.Action) bool
}

// ToolCalled matches when the action calls tool.
func ToolCalled(tool string) StopCondition {
	return StopCondition{
		Name: config.StopOnToolCalled + ":" + tool,
		Match: func(_ *envelope.Envelope, a *envelope.Action) bool {
			return a.IsToolCall() && a.Tool == tool
		},
	}
}

// ConfidenceAtLeast matches when the action reports confidence >= threshold.
func ConfidenceAtLeast(threshold float64) StopCondition {
	return StopCondition{
		Name: fmt.Sprintf("%s:%g", config.StopOnConfidenceAbove, threshold),
		Match: func(_ *envelope.Envelope, a *envelope.Action) bool {
			return a.Confidence != nil && *a.Confidence >= threshold
		},
	}
}

// IterationAtLeast matches once the recorded iteration count reaches n.
func IterationAtLeast(n int) StopCondition {
	return StopCondition{
		Name: fmt.Sprintf("%s:%d", config.StopOnIterationAtLeast, n),
		Match: func(env *envelope.Envelope, _ *envelope.Action) bool {
			return env.State.Iteration >= n
		},
	}
}

// MessageContains matches a tool input or final message containing text.
func MessageContains(text string) StopCondition {
	return StopCondition{
		Name: config.StopOnMessageContains + ":" + text,
		Match: func(_ *envelope.Envelope, a *envelope.Action) bool {
			if a.IsFinalAnswer() {
				return strings.Contains(a.Message, text)
			}
			for _, v := range a.Input {
				if s, ok := v.(string); ok && strings.Contains(s, text) {
					return true
				}
			}
			return false
		},
	}
}

// ActionKind matches every action of the given kind.
func ActionKind(kind envelope.ActionKind) StopCondition {
	return StopCondition{
		Name: config.StopOnActionKind + ":" + string(kind),
		Match: func(_ *envelope.Envelope, a *envelope.Action) bool {
			return a != nil && a.Kind == kind
		},
	}
}

// StopConditionFromConfig builds a StopCondition from its descriptor.
func StopConditionFromConfig(c config.StopConditionConfig) (StopCondition, error) {
	if err := c.Validate(); err != nil {
		return StopCondition{}, err
	}
	switch c.Type {
	case config.StopOnToolCalled:
		return ToolCalled(c.Tool), nil
	case config.StopOnConfidenceAbove:
		return ConfidenceAtLeast(c.Threshold), nil
	case config.StopOnIterationAtLeast:
		return IterationAtLeast(c.Value), nil
	case config.StopOnMessageContains:
		return MessageContains(c.Text), nil
	default:
		return ActionKind(envelope.ActionKind(c.Kind)), nil
	}
}

// firstMatch returns the first matching condition. A panicking predicate is
// reported as an error.
func firstMatch(conds []StopCondition, env *envelope.Envelope, action *envelope.Action) (name string, matched bool, err error) {
	for _, c := range conds {
		ok, perr := safeMatch(c, env, action)
		if perr != nil {
			return c.Name, false, perr
		}
		if ok {
			return c.Name, true, nil
		}
	}
	return "", false, nil
}

func safeMatch(c StopCondition, env *envelope.Envelope, action *envelope.Action) (matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stop condition %s panicked: %v", c.Name, r)
		}
	}()
	if c.Match == nil {
		return false, nil
	}
	return c.Match(env, action), nil
}
