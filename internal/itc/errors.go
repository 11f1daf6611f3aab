package itc

import (
	"errors"
	"fmt"
)

// Error is a protocol-level error identified by a stable code. Codes survive
// serialisation, so an Error raised on one side of a channel can be matched
// with errors.Is on the other.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// ErrorCode implements Coded.
func (e *Error) ErrorCode() string { return e.Code }

// Coded is implemented by errors that carry a machine-readable code.
type Coded interface {
	ErrorCode() string
}

func newError(code, msg string) *Error {
	return &Error{Code: "PLT_ITC_" + code, Message: msg}
}

var (
	// Construction and transport.
	ErrMissingName       = newError("MISSING_NAME", "itc: channel name is required")
	ErrMissingPort       = newError("MISSING_PORT", "itc: channel port is required")
	ErrAlreadyListening  = newError("ALREADY_LISTENING", "itc: channel is already listening")
	ErrSendBeforeListen  = newError("SEND_BEFORE_LISTEN", "itc: send called before listen")
	ErrMessagePortClosed = newError("MESSAGE_PORT_CLOSED", "itc: message port closed")
	ErrCyclicValue       = newError("CYCLIC_VALUE", "itc: value refers to itself")

	// Dispatch.
	ErrHandlerNotFound = newError("HANDLER_NOT_FOUND", "itc: handler not found")
	ErrHandlerFailed   = newError("HANDLER_FAILED", "itc: handler failed")

	// Inbound validation.
	ErrInvalidRequestVersion  = newError("INVALID_REQUEST_VERSION", "itc: invalid request version")
	ErrMissingRequestReqID    = newError("MISSING_REQUEST_REQ_ID", "itc: request is missing reqId")
	ErrMissingRequestName     = newError("MISSING_REQUEST_NAME", "itc: request is missing name")
	ErrInvalidResponseVersion = newError("INVALID_RESPONSE_VERSION", "itc: invalid response version")
	ErrMissingResponseReqID   = newError("MISSING_RESPONSE_REQ_ID", "itc: response is missing reqId")
	ErrMissingResponseName    = newError("MISSING_RESPONSE_NAME", "itc: response is missing name")
)

// ProtocolError adds detail to one of the validation sentinels.
type ProtocolError struct {
	Err    *Error
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return e.Err.Message
	}
	return e.Err.Message + ": " + e.Detail
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// HandlerFailedError wraps the error returned (or the panic raised) by a
// request handler.
type HandlerFailedError struct {
	Name string
	Err  error
}

func (e *HandlerFailedError) Error() string {
	return fmt.Sprintf("itc: handler %q failed: %v", e.Name, e.Err)
}

func (e *HandlerFailedError) Unwrap() error { return e.Err }

// Is matches ErrHandlerFailed.
func (e *HandlerFailedError) Is(target error) bool { return target == ErrHandlerFailed }

// ErrorInfo is the serialisable form of an error carried in a response.
type ErrorInfo struct {
	Code    string     `json:"code,omitempty"`
	Message string     `json:"message"`
	Cause   *ErrorInfo `json:"cause,omitempty"`
}

// infoFor converts err to its wire form.
func infoFor(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Message: err.Error()}

	var hf *HandlerFailedError
	if errors.As(err, &hf) {
		info.Code = ErrHandlerFailed.Code
		info.Cause = infoFor(hf.Err)
		return info
	}
	var coded Coded
	if errors.As(err, &coded) {
		info.Code = coded.ErrorCode()
	}
	return info
}

// RemoteError is an error received from the peer.
type RemoteError struct {
	Info ErrorInfo
}

func (e *RemoteError) Error() string { return e.Info.Message }

// ErrorCode implements Coded.
func (e *RemoteError) ErrorCode() string { return e.Info.Code }

// Unwrap returns the remote cause, if any.
func (e *RemoteError) Unwrap() error {
	if e.Info.Cause == nil {
		return nil
	}
	return &RemoteError{Info: *e.Info.Cause}
}

// Is matches any coded error with the same code.
func (e *RemoteError) Is(target error) bool {
	if e.Info.Code == "" {
		return false
	}
	if c, ok := target.(Coded); ok {
		return c.ErrorCode() == e.Info.Code
	}
	return false
}
