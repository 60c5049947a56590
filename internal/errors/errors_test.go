package errors_test

import (
	"context"
	"fmt"
	"testing"

	"codeberg.org/mutker/droidmon/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestFactoryMessages(t *testing.T) {
	errFactory := errors.New()

	err := errFactory.New(errors.ErrDeviceUnavailable)
	assert.Equal(t, "Device unavailable", err.Error())
	assert.Equal(t, errors.ErrDeviceUnavailable, err.Code())

	wrapped := errFactory.Wrap(errors.ErrCommandTimeout, context.DeadlineExceeded)
	assert.Contains(t, wrapped.Error(), "context deadline exceeded")
	assert.ErrorIs(t, wrapped, context.DeadlineExceeded)

	withData := errFactory.WithData(errors.ErrCommandFailed, struct{ ExitCode int }{ExitCode: 3})
	assert.Contains(t, withData.Error(), "{3}")
	assert.Equal(t, struct{ ExitCode int }{ExitCode: 3}, withData.GetData())

	renamed := withData.WithMessage("pidof failed")
	assert.Equal(t, errors.ErrCommandFailed, renamed.Code())
	assert.Contains(t, renamed.Error(), "pidof failed")
}

func TestHasCode(t *testing.T) {
	errFactory := errors.New()

	inner := errFactory.New(errors.ErrCommandTimeout)
	outer := errFactory.Wrap(errors.ErrParse, inner)
	plain := fmt.Errorf("poll: %w", outer)

	assert.True(t, errors.HasCode(plain, errors.ErrParse))
	assert.True(t, errors.HasCode(plain, errors.ErrCommandTimeout))
	assert.False(t, errors.HasCode(plain, errors.ErrDeviceUnavailable))
	assert.False(t, errors.HasCode(nil, errors.ErrParse))

	assert.Equal(t, errors.ErrParse, errors.CodeOf(plain))
	assert.Equal(t, errors.ErrorCode(""), errors.CodeOf(fmt.Errorf("plain")))
}
