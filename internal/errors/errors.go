package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents internal error codes for engine operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeUnknownTaskKind ErrorCode = 1001
	ErrCodePayloadTooLarge ErrorCode = 1002
	ErrCodeCacheMiss       ErrorCode = 1003

	// Engine errors
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeQueueFull         ErrorCode = 2001
	ErrCodePoolStopped       ErrorCode = 2002
	ErrCodeTaskTimeout       ErrorCode = 2003
	ErrCodeCircuitOpen       ErrorCode = 2004
	ErrCodeCallTimeout       ErrorCode = 2005
	ErrCodePoolExhausted     ErrorCode = 2006
	ErrCodeResourceExhausted ErrorCode = 2007
	ErrCodeLeakThreshold     ErrorCode = 2008
	ErrCodeCacheCorrupted    ErrorCode = 2009
	ErrCodeSessionFailed     ErrorCode = 2010
	ErrCodeTooManyCalls      ErrorCode = 2011
	ErrCodeBreakerStopped    ErrorCode = 2012
)

// Sentinel errors for cheap errors.Is checks on hot paths.
var (
	ErrQueueFull      = errors.New("task queue full")
	ErrPoolStopped    = errors.New("worker pool stopped")
	ErrTaskTimeout    = errors.New("task timed out")
	ErrCircuitOpen    = errors.New("circuit breaker is open")
	ErrCallTimeout    = errors.New("call timed out")
	ErrPoolExhausted  = errors.New("resource pool exhausted")
	ErrPoolClosed     = errors.New("resource pool closed")
	ErrCacheMiss      = errors.New("cache miss")
	ErrLeakThreshold  = errors.New("resource leak threshold exceeded")
	ErrTooManyCalls   = errors.New("too many calls in half-open state")
	ErrBreakerStopped = errors.New("circuit breaker stopped")
)

// EngineError represents a structured error with code and context
type EngineError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// New creates a new EngineError
func New(code ErrorCode, message string, cause error) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	e.Details[key] = value
	return e
}

// CodeOf extracts the ErrorCode from err, unwrapping as needed.
// Returns ErrCodeInternal for unclassified errors and ErrCodeOK for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	switch {
	case errors.Is(err, ErrQueueFull):
		return ErrCodeQueueFull
	case errors.Is(err, ErrPoolStopped):
		return ErrCodePoolStopped
	case errors.Is(err, ErrTaskTimeout):
		return ErrCodeTaskTimeout
	case errors.Is(err, ErrCircuitOpen):
		return ErrCodeCircuitOpen
	case errors.Is(err, ErrCallTimeout):
		return ErrCodeCallTimeout
	case errors.Is(err, ErrPoolExhausted):
		return ErrCodePoolExhausted
	case errors.Is(err, ErrCacheMiss):
		return ErrCodeCacheMiss
	case errors.Is(err, ErrLeakThreshold):
		return ErrCodeLeakThreshold
	case errors.Is(err, ErrTooManyCalls):
		return ErrCodeTooManyCalls
	case errors.Is(err, ErrBreakerStopped):
		return ErrCodeBreakerStopped
	default:
		return ErrCodeInternal
	}
}

// IsRetryable reports whether an error class is worth retrying at all.
// Circuit-open and invalid-argument failures never are.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeCircuitOpen, ErrCodeInvalidArgument, ErrCodeUnknownTaskKind, ErrCodePoolStopped, ErrCodeBreakerStopped:
		return false
	default:
		return err != nil
	}
}
