package spreadsheet

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// sentinels wrapped by AppError, matchable with errors.Is
var (
	ErrAlreadyBuiltin    = errors.New("function is a built-in")
	ErrWorksheetNotFound = errors.New("worksheet not found")
	ErrWorksheetExists   = errors.New("worksheet already exists")
	ErrInvalidAddress    = errors.New("invalid cell address")
	ErrInvalidFunction   = errors.New("invalid function name")
)

// AppError represents errors at the application level (not spreadsheet
// formula errors). codes follow gRPC conventions; we skip the ones that don't
// make sense for our use-case, like unauthenticated, or permission denied.
type AppError struct {
	Code    codes.Code
	Message string
	cause   error
}

func (e *AppError) Error() string {
	if e.cause != nil && e.Message == "" {
		return e.cause.Error()
	}
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.cause
}

// GRPCStatus lets status.Code and status.FromError see the error code
func (e *AppError) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Error())
}

// NewApplicationError creates a new application error
func NewApplicationError(code codes.Code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// wrapApplicationError creates an application error around a cause,
// usually one of the sentinels above
func wrapApplicationError(code codes.Code, cause error, format string, args ...any) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

// ErrorCodeOf returns the code of an application error, codes.OK for nil and
// codes.Unknown for anything that isn't one
func ErrorCodeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return status.Code(err)
}
