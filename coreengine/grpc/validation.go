package grpc

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// =============================================================================
// REQUEST VALIDATION
// =============================================================================

// requiredString returns field of req, or InvalidArgument when it is missing
// or not a non-empty string.
func requiredString(req *structpb.Struct, field string) (string, error) {
	v, ok := req.GetFields()[field]
	if !ok {
		return "", InvalidArgument(field)
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok || s.StringValue == "" {
		return "", InvalidArgument(field)
	}
	return s.StringValue, nil
}

// =============================================================================
// ERROR CODES
// =============================================================================

// InvalidArgument returns a gRPC InvalidArgument error for a missing field.
func InvalidArgument(fieldName string) error {
	return status.Errorf(codes.InvalidArgument, "%s is required", fieldName)
}

// NotFound returns a gRPC NotFound error.
func NotFound(resourceType, id string) error {
	return status.Errorf(codes.NotFound, "%s not found: %s", resourceType, id)
}

// Internal wraps an internal error with context.
func Internal(operation string, cause error) error {
	return status.Errorf(codes.Internal, "%s failed: %v", operation, cause)
}

// ResourceExhausted returns an error for rate or quota violations.
func ResourceExhausted(resourceType, limit string) error {
	return status.Errorf(codes.ResourceExhausted, "%s limit exceeded: %s", resourceType, limit)
}
