// Package api is the request/response surface over sessions, conversations,
// providers and the feature gateway. Every call returns a Response; failures
// carry a stable error code so transports can map them without string matching.
package api

import (
	"errors"
	"net/http"

	"conductor/pkg/features"
	"conductor/pkg/orchestrator"
	"conductor/pkg/provider"
	"conductor/pkg/session"
)

// Code is a stable error identifier.
type Code string

// Error codes.
const (
	CodeNotFound            Code = "NOT_FOUND"
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeAlreadyRunning      Code = "ALREADY_RUNNING"
	CodeBusy                Code = "BUSY"
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
	CodeUnauthenticated     Code = "UNAUTHENTICATED"
	CodeUnsupportedModel    Code = "UNSUPPORTED_MODEL"
	CodeCorruptState        Code = "CORRUPT_STATE"
	CodeEmptyWriteRefused   Code = "CRITICAL_EMPTY_WRITE_REFUSED"
	CodeFeatureNotFound     Code = "FEATURE_NOT_FOUND"
	CodeInternal            Code = "INTERNAL"
)

// Error is the failure half of a Response.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Response is the result of every Service call.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// OK wraps data in a successful Response.
func OK(data any) Response {
	return Response{Success: true, Data: data}
}

// Fail converts err to a failed Response.
func Fail(err error) Response {
	return Response{Error: &Error{Code: CodeOf(err), Message: err.Error()}}
}

// Err returns the response's error, or nil on success.
func (r Response) Err() error {
	if r.Success || r.Error == nil {
		return nil
	}
	return r.Error
}

// codeTable is checked in order; the first sentinel found in the chain wins.
var codeTable = []struct {
	target error
	code   Code
}{
	{session.ErrNotFound, CodeNotFound},
	{session.ErrValidation, CodeValidation},
	{orchestrator.ErrAlreadyRunning, CodeAlreadyRunning},
	{orchestrator.ErrBusy, CodeBusy},
	{orchestrator.ErrProviderUnavailable, CodeProviderUnavailable},
	{orchestrator.ErrUnauthenticated, CodeUnauthenticated},
	{orchestrator.ErrUnsupportedModel, CodeUnsupportedModel},
	{features.ErrEmptyWriteRefused, CodeEmptyWriteRefused},
	{features.ErrCorruptState, CodeCorruptState},
	{features.ErrFeatureNotFound, CodeFeatureNotFound},
	{features.ErrInvalidStatus, CodeValidation},
	{features.ErrInvalidFeatureID, CodeValidation},
	{features.ErrLocked, CodeBusy},
	{provider.ErrUnsupportedModel, CodeUnsupportedModel},
	{provider.ErrUnknownProvider, CodeValidation},
	{provider.ErrNotRunnable, CodeProviderUnavailable},
}

// CodeOf maps err to its error code.
func CodeOf(err error) Code {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	for _, c := range codeTable {
		if errors.Is(err, c.target) {
			return c.code
		}
	}
	return CodeInternal
}

// HTTPStatus returns the HTTP status used for code.
func HTTPStatus(code Code) int {
	switch code {
	case CodeNotFound, CodeFeatureNotFound:
		return http.StatusNotFound
	case CodeValidation, CodeUnsupportedModel:
		return http.StatusBadRequest
	case CodeAlreadyRunning, CodeBusy:
		return http.StatusConflict
	case CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	case CodeUnauthenticated:
		return http.StatusFailedDependency
	case CodeCorruptState, CodeEmptyWriteRefused:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
