package bridge

import (
	"errors"
	"fmt"
)

const (
	CodeValidation       = "VALIDATION"
	CodeAlreadyStarting  = "ALREADY_STARTING"
	CodeHandshakeTimeout = "HANDSHAKE_TIMEOUT"
	CodeBridgeNotFound   = "BRIDGE_NOT_FOUND"
	CodeServerStopped    = "SERVER_STOPPED"
	CodeTransportClosed  = "TRANSPORT_CLOSED"
	CodeToolNotFound     = "TOOL_NOT_FOUND"
	CodePageNotFound     = "PAGE_NOT_FOUND"
	CodePageGone         = "PAGE_GONE"
	CodeCDPUnavailable   = "CDP_UNAVAILABLE"
	CodeEvalFailure      = "EVAL_FAILURE"
	CodeEvalTimeout      = "EVAL_TIMEOUT"
)

// CodedError is a typed error used for stable API mapping. The code is
// attached at the point the underlying failure is detected, never
// reconstructed later from message text.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

func newError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code string) bool {
	coded := AsCoded(err)
	return coded != nil && coded.Code == code
}

// AsCoded unwraps err to a *CodedError, or nil.
func AsCoded(err error) *CodedError {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded
	}
	return nil
}
