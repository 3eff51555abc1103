package errorhandler

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"strings"

	xerrors "github.com/Mrassimo/datapilot-sub015/internal/errors"
)

// Category groups errors by the recovery strategy that applies to them
type Category string

const (
	CategoryMemory      Category = "memory"
	CategoryWorker      Category = "worker"
	CategoryFilesystem  Category = "filesystem"
	CategoryNetwork     Category = "network"
	CategoryTimeout     Category = "timeout"
	CategoryCircuitOpen Category = "circuit-open"
	CategoryValidation  Category = "validation"
	CategoryUnknown     Category = "unknown"
)

// Classify maps an error to its recovery category. Engine error codes
// carry the most signal and win; typed stdlib errors come next; message
// matching is the conservative fallback.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	switch xerrors.CodeOf(err) {
	case xerrors.ErrCodeCircuitOpen, xerrors.ErrCodeTooManyCalls:
		return CategoryCircuitOpen
	case xerrors.ErrCodeTaskTimeout, xerrors.ErrCodeCallTimeout:
		return CategoryTimeout
	case xerrors.ErrCodeInvalidArgument, xerrors.ErrCodeUnknownTaskKind, xerrors.ErrCodePayloadTooLarge:
		return CategoryValidation
	case xerrors.ErrCodeResourceExhausted, xerrors.ErrCodePoolExhausted, xerrors.ErrCodeLeakThreshold:
		return CategoryMemory
	case xerrors.ErrCodeQueueFull, xerrors.ErrCodePoolStopped, xerrors.ErrCodeBreakerStopped:
		return CategoryWorker
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, fs.ErrClosed) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return CategoryFilesystem
	}

	return categoryFromMessage(err.Error())
}

func categoryFromMessage(msg string) Category {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "out of memory"),
		strings.Contains(msg, "cannot allocate"),
		strings.Contains(msg, "memory limit"):
		return CategoryMemory
	case strings.Contains(msg, "worker"),
		strings.Contains(msg, "panic"):
		return CategoryWorker
	case strings.Contains(msg, "connection"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "network"):
		return CategoryNetwork
	case strings.Contains(msg, "no such file"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "file already closed"),
		strings.Contains(msg, "disk"):
		return CategoryFilesystem
	case strings.Contains(msg, "timed out"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline"):
		return CategoryTimeout
	default:
		return CategoryUnknown
	}
}
