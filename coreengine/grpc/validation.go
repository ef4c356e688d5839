package grpc

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// =============================================================================
// STATUS BUILDERS
// =============================================================================
//
// Clients rely on stable codes and message shapes; build every returned
// status through these helpers.

// InvalidArgument reports a missing or malformed request field.
func InvalidArgument(fieldName string) error {
	return status.Errorf(codes.InvalidArgument, "%s is required", fieldName)
}

// NotFound reports an unknown pipeline or run.
func NotFound(resourceType, id string) error {
	return status.Errorf(codes.NotFound, "%s not found: %s", resourceType, id)
}

// Internal wraps an unexpected failure.
func Internal(operation string, cause error) error {
	return status.Errorf(codes.Internal, "%s failed: %v", operation, cause)
}

// FailedPrecondition reports an action the resource's state does not allow.
func FailedPrecondition(resource, currentState, attemptedAction string) error {
	return status.Errorf(codes.FailedPrecondition,
		"%s in state %s cannot %s", resource, currentState, attemptedAction)
}

// ResourceExhausted reports a hit limit.
func ResourceExhausted(resourceType, limit string) error {
	return status.Errorf(codes.ResourceExhausted,
		"%s limit exceeded: %s", resourceType, limit)
}
