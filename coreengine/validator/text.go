package validator

import (
	"encoding/json"
	"strings"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/envelope"
)

const (
	prefixAction      = "action:"
	prefixActionInput = "action input:"
	prefixFinalAnswer = "final answer:"
	prefixConfidence  = "confidence:"
)

// fromText handles string output: JSON (bare or fenced), ReAct text, and
// otherwise plain text as a final answer.
func (v *Validator) fromText(s string, depth int) (*envelope.Action, error) {
	text := strings.TrimSpace(s)
	if text == "" {
		return nil, malformed("", "empty model output")
	}

	if body, ok := fencedJSON(text); ok {
		text = body
	}
	if strings.HasPrefix(text, "{") {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(text), &decoded); err != nil {
			return nil, malformed("", "invalid JSON: %v", err)
		}
		return v.parse(decoded, depth+1)
	}

	if action, ok, err := v.fromReAct(text); ok || err != nil {
		return action, err
	}
	return envelope.NewFinalAnswer(text, nil), nil
}

// fencedJSON extracts the body of the first ``` fence whose content is a
// JSON object.
func fencedJSON(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		lang := strings.TrimSpace(rest[:nl])
		if lang == "" || strings.EqualFold(lang, "json") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	body := strings.TrimSpace(rest[:end])
	if !strings.HasPrefix(body, "{") {
		return "", false
	}
	return body, true
}

// fromReAct parses the line protocol:
//
//	Thought: ...
//	Action: search_flights
//	Action Input: {"from": "SFO"}
//
// or
//
//	Final Answer: Booked!
//
// A Final Answer wins over an Action in the same turn. Final Answer text runs
// to the end of the output.
func (v *Validator) fromReAct(text string) (*envelope.Action, bool, error) {
	lines := strings.Split(text, "\n")
	var (
		tool, input string
		haveTool    bool
		confRaw     string
	)
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, prefixFinalAnswer):
			rest := strings.TrimSpace(trimmed[len(prefixFinalAnswer):])
			tail := strings.TrimSpace(strings.Join(lines[i+1:], "\n"))
			if tail != "" {
				rest = strings.TrimSpace(rest + "\n" + tail)
			}
			conf, err := v.textConfidence(confRaw)
			if err != nil {
				return nil, true, err
			}
			return envelope.NewFinalAnswer(rest, conf), true, nil
		case strings.HasPrefix(lower, prefixActionInput):
			input = strings.TrimSpace(trimmed[len(prefixActionInput):])
		case strings.HasPrefix(lower, prefixAction):
			tool = strings.TrimSpace(trimmed[len(prefixAction):])
			haveTool = true
		case strings.HasPrefix(lower, prefixConfidence):
			confRaw = strings.TrimSpace(trimmed[len(prefixConfidence):])
		}
	}
	if !haveTool {
		return nil, false, nil
	}

	// LangChain agents write "Action: Final Answer"
	if parseKind(tool) == envelope.ActionKindFinalAnswer {
		conf, err := v.textConfidence(confRaw)
		if err != nil {
			return nil, true, err
		}
		return envelope.NewFinalAnswer(input, conf), true, nil
	}

	args := map[string]any{}
	if input != "" {
		if strings.HasPrefix(input, "{") {
			if err := json.Unmarshal([]byte(input), &args); err != nil {
				return nil, true, malformed("action_input", "tool input is not a JSON object")
			}
			if args == nil {
				args = map[string]any{}
			}
		} else {
			args["input"] = input
		}
	}
	conf, err := v.textConfidence(confRaw)
	if err != nil {
		return nil, true, err
	}
	return envelope.NewToolCall(tool, args, conf), true, nil
}

func (v *Validator) textConfidence(raw string) (*float64, error) {
	if raw == "" {
		return nil, nil
	}
	return v.confidence(raw)
}
