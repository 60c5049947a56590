package bridge

import (
	"context"
	"time"

	"codeberg.org/mutker/droidmon/internal/errors"
)

// Adapter runs a shell command on the device and returns its stdout.
// Failures carry one of ErrDeviceUnavailable, ErrCommandTimeout,
// ErrCommandFailed or ErrMalformedOutput.
type Adapter interface {
	RunQuery(ctx context.Context, command string, timeout time.Duration) (string, error)
}

// AdapterFunc lets a plain function act as an Adapter.
type AdapterFunc func(ctx context.Context, command string, timeout time.Duration) (string, error)

func (f AdapterFunc) RunQuery(ctx context.Context, command string, timeout time.Duration) (string, error) {
	return f(ctx, command, timeout)
}

// CommandFailure is attached to ErrCommandFailed errors.
type CommandFailure struct {
	Command  string
	ExitCode int
	Stderr   string
}

// ExitCode extracts the exit status from an ErrCommandFailed error, or -1.
func ExitCode(err error) int {
	var coded errors.Error
	if errors.As(err, &coded) && coded.Code() == ErrCommandFailed {
		if f, ok := coded.GetData().(CommandFailure); ok {
			return f.ExitCode
		}
	}
	return -1
}
