package errorhandler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	xerrors "github.com/Mrassimo/datapilot-sub015/internal/errors"
)

type fakeNetTimeout struct{}

func (fakeNetTimeout) Error() string   { return "i/o wait expired" }
func (fakeNetTimeout) Timeout() bool   { return true }
func (fakeNetTimeout) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, CategoryUnknown},
		{"circuit open", xerrors.ErrCircuitOpen, CategoryCircuitOpen},
		{"half-open probe limit", xerrors.ErrTooManyCalls, CategoryCircuitOpen},
		{"task timeout", xerrors.ErrTaskTimeout, CategoryTimeout},
		{"call timeout", xerrors.ErrCallTimeout, CategoryTimeout},
		{"context deadline", context.DeadlineExceeded, CategoryTimeout},
		{"invalid argument", xerrors.New(xerrors.ErrCodeInvalidArgument, "bad input", nil), CategoryValidation},
		{"unknown task kind", xerrors.New(xerrors.ErrCodeUnknownTaskKind, "no handler", nil), CategoryValidation},
		{"pool exhausted", xerrors.ErrPoolExhausted, CategoryMemory},
		{"leak threshold", xerrors.ErrLeakThreshold, CategoryMemory},
		{"queue full", xerrors.ErrQueueFull, CategoryWorker},
		{"pool stopped", xerrors.ErrPoolStopped, CategoryWorker},
		{"path error", &fs.PathError{Op: "open", Path: "orders.csv", Err: fs.ErrNotExist}, CategoryFilesystem},
		{"wrapped permission", fmt.Errorf("load sample: %w", os.ErrPermission), CategoryFilesystem},
		{"unexpected eof", io.ErrUnexpectedEOF, CategoryFilesystem},
		{"net op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, CategoryNetwork},
		{"net timeout", fakeNetTimeout{}, CategoryTimeout},
		{"worker message", errors.New("worker terminated during execution"), CategoryWorker},
		{"panic message", errors.New("task panicked: nil map write"), CategoryWorker},
		{"oom message", errors.New("out of memory"), CategoryMemory},
		{"connection message", errors.New("connection reset by peer"), CategoryNetwork},
		{"timeout message", errors.New("operation timed out"), CategoryTimeout},
		{"unclassifiable", errors.New("abnormal condition"), CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
