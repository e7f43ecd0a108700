// Package errors provides the structured error taxonomy for taskroom.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Caller errors
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeForbidden       Code = "FORBIDDEN"

	// Task errors
	CodeTaskTitleEmpty      Code = "TASK_TITLE_EMPTY"
	CodeTaskOrgEmpty        Code = "TASK_ORG_EMPTY"
	CodeTaskInvalidStatus   Code = "TASK_INVALID_STATUS"
	CodeTaskInvalidPriority Code = "TASK_INVALID_PRIORITY"
	CodeTaskEmptyPatch      Code = "TASK_EMPTY_PATCH"
	CodeTaskInvalidFilter   Code = "TASK_INVALID_FILTER"

	// Assignment errors
	CodeAssignmentInvalidStatus Code = "ASSIGNMENT_INVALID_STATUS"
	CodeAssignmentAssigneeEmpty Code = "ASSIGNMENT_ASSIGNEE_EMPTY"

	// Comment errors
	CodeCommentTextEmpty Code = "COMMENT_TEXT_EMPTY"

	// Membership errors
	CodeMemberOrgEmpty  Code = "MEMBER_ORG_EMPTY"
	CodeMemberUserEmpty Code = "MEMBER_USER_EMPTY"

	// Access grant errors
	CodeAccessGrantInvalid  Code = "ACCESS_GRANT_INVALID"
	CodeAccessGrantExpired  Code = "ACCESS_GRANT_EXPIRED"
	CodeAccessGrantMismatch Code = "ACCESS_GRANT_MISMATCH"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
	CodeConflict Code = "CONFLICT"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeUnauthenticated:
		return codes.Unauthenticated

	case CodeForbidden:
		return codes.PermissionDenied

	// InvalidArgument - validation failures, bad input
	case CodeTaskTitleEmpty,
		CodeTaskOrgEmpty,
		CodeTaskInvalidStatus,
		CodeTaskInvalidPriority,
		CodeTaskEmptyPatch,
		CodeTaskInvalidFilter,
		CodeAssignmentInvalidStatus,
		CodeAssignmentAssigneeEmpty,
		CodeCommentTextEmpty,
		CodeMemberOrgEmpty,
		CodeMemberUserEmpty:
		return codes.InvalidArgument

	// Unauthenticated - grant verification failures
	case CodeAccessGrantInvalid,
		CodeAccessGrantExpired:
		return codes.Unauthenticated

	case CodeAccessGrantMismatch:
		return codes.PermissionDenied

	// AlreadyExists / contention
	case CodeConflict:
		return codes.AlreadyExists

	case CodeNotFound:
		return codes.NotFound

	default:
		return codes.Internal
	}
}
