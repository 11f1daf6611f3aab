package server

import (
	"errors"
	"fmt"

	"github.com/matgreaves/watt/internal/itc"
)

// Error is a runtime error identified by a stable code. Codes survive the
// trip through a worker channel, so errors.Is matches them on either side.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// ErrorCode implements itc.Coded.
func (e *Error) ErrorCode() string { return e.Code }

var (
	ErrServiceNotFound       = &Error{Code: "PLT_RUNTIME_SERVICE_NOT_FOUND", Message: "service not found"}
	ErrServiceNotStarted     = &Error{Code: "PLT_RUNTIME_SERVICE_NOT_STARTED", Message: "service not started"}
	ErrServiceAlreadyStarted = &Error{Code: "PLT_RUNTIME_SERVICE_ALREADY_STARTED", Message: "service already started"}
	ErrDependencyFailed      = &Error{Code: "PLT_RUNTIME_DEPENDENCY_FAILED", Message: "dependency failed to start"}
	ErrRuntimeClosed         = &Error{Code: "PLT_RUNTIME_CLOSED", Message: "runtime is closed"}
)

// ServiceError attributes an error to a single service.
type ServiceError struct {
	Service string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service %q: %v", e.Service, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

func serviceErr(id string, err error) error {
	if err == nil {
		return nil
	}
	return &ServiceError{Service: id, Err: handlerCause(err)}
}

// handlerCause strips the handler-failed envelope a worker response carries,
// leaving the error the worker's handler actually returned.
func handlerCause(err error) error {
	var re *itc.RemoteError
	if errors.As(err, &re) && re.Info.Code == itc.ErrHandlerFailed.Code && re.Info.Cause != nil {
		return re.Unwrap()
	}
	return err
}

// ErrorCode returns the first code found in err's chain, or "".
func ErrorCode(err error) string {
	var coded itc.Coded
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return ""
}
