package grpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/kernel"
)

// toStruct converts a JSON-shaped map to a Struct. Values structpb cannot
// take directly ([]string, typed structs) are normalized through JSON.
func toStruct(m map[string]any) (*structpb.Struct, error) {
	if s, err := structpb.NewStruct(m); err == nil {
		return s, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode struct: %w", err)
	}
	var normalized map[string]any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return nil, fmt.Errorf("decode struct: %w", err)
	}
	return structpb.NewStruct(normalized)
}

// messageFromStruct parses an inbound {payload, _correlation} request.
func messageFromStruct(req *structpb.Struct) (*kernel.Message, error) {
	m := req.AsMap()
	if _, ok := m["payload"]; !ok {
		return nil, InvalidArgument("payload")
	}
	return kernel.MessageFromMap(m), nil
}

// outputsToStruct renders each Send as its five positional slots.
func outputsToStruct(sends []kernel.Outputs, extra map[string]any) (*structpb.Struct, error) {
	outputs := make([]any, len(sends))
	for i, out := range sends {
		outputs[i] = out.ToSlice()
	}
	resp := map[string]any{"outputs": outputs}
	for k, v := range extra {
		resp[k] = v
	}
	return toStruct(resp)
}
