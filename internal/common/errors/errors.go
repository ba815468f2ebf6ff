// Package errors provides custom error types for the agentmux application.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeBadRequest           = "BAD_REQUEST"
	ErrCodeInternalError        = "INTERNAL_ERROR"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeValidationError      = "VALIDATION_ERROR"
	ErrCodeWorkspaceConflict    = "WORKSPACE_CONFLICT"
	ErrCodeBaseBranchNotFound   = "BASE_BRANCH_NOT_FOUND"
	ErrCodeDirtyWorkspace       = "DIRTY_WORKSPACE"
	ErrCodeSpawnFailed          = "SPAWN_FAILED"
	ErrCodeTargetNotFound       = "TARGET_NOT_FOUND"
	ErrCodeNothingToCommit      = "NOTHING_TO_COMMIT"
	ErrCodeRemoteUnavailable    = "REMOTE_UNAVAILABLE"
	ErrCodeInvalidConfiguration = "INVALID_CONFIGURATION"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// WorkspaceConflict indicates the requested branch is already in use by another
// workspace or the workspace directory already exists.
func WorkspaceConflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeWorkspaceConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// BaseBranchNotFound indicates the requested base branch does not exist in the repository.
func BaseBranchNotFound(branch string) *AppError {
	return &AppError{
		Code:       ErrCodeBaseBranchNotFound,
		Message:    fmt.Sprintf("base branch '%s' not found", branch),
		HTTPStatus: http.StatusNotFound,
	}
}

// DirtyWorkspace indicates a workspace has uncommitted changes and cannot be
// removed without force.
func DirtyWorkspace(path string) *AppError {
	return &AppError{
		Code:       ErrCodeDirtyWorkspace,
		Message:    fmt.Sprintf("workspace '%s' has uncommitted changes", path),
		HTTPStatus: http.StatusConflict,
	}
}

// SpawnFailed indicates a process could not be started.
func SpawnFailed(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeSpawnFailed,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// TargetNotFound indicates input or a resize was directed at a process that
// does not exist or has exited.
func TargetNotFound(agentID, role string) *AppError {
	return &AppError{
		Code:       ErrCodeTargetNotFound,
		Message:    fmt.Sprintf("no live process for agent '%s' role '%s'", agentID, role),
		HTTPStatus: http.StatusNotFound,
	}
}

// NothingToCommit indicates a pull request was requested with no commits ahead
// of the base branch.
func NothingToCommit(branch string) *AppError {
	return &AppError{
		Code:       ErrCodeNothingToCommit,
		Message:    fmt.Sprintf("branch '%s' has no commits ahead of its base", branch),
		HTTPStatus: http.StatusConflict,
	}
}

// RemoteUnavailable indicates the PR host could not be reached within the
// configured timeout.
func RemoteUnavailable(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeRemoteUnavailable,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// InvalidConfiguration indicates a malformed manifest, command definition, or
// request parameter.
func InvalidConfiguration(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidConfiguration,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsCode reports whether err is an AppError carrying the given code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return IsCode(err, ErrCodeNotFound) || IsCode(err, ErrCodeTargetNotFound) ||
		IsCode(err, ErrCodeBaseBranchNotFound)
}

// IsConflict returns true if the error is a conflict error.
func IsConflict(err error) bool {
	return IsCode(err, ErrCodeConflict) || IsCode(err, ErrCodeWorkspaceConflict) ||
		IsCode(err, ErrCodeDirtyWorkspace) || IsCode(err, ErrCodeNothingToCommit)
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 for non-AppError errors.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// GetCode returns the error code for an error.
// Returns INTERNAL_ERROR for non-AppError errors.
func GetCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}
