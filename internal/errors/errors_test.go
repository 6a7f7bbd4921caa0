package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vungocdu/actiwell-iot-sub000/internal/errors"
)

func TestFactoryMessages(t *testing.T) {
	errFactory := errors.New()

	err := errFactory.New(errors.ErrTimeout)
	assert.Equal(t, "Operation timed out", err.Error())
	assert.Equal(t, errors.ErrTimeout, err.Code())

	wrapped := errFactory.Wrap(errors.ErrOperationFailed, stderrors.New("port closed"))
	assert.Equal(t, "Operation failed: port closed", wrapped.Error())

	custom := errFactory.WithMessage(errors.ErrInvalidArgument, "bad address")
	assert.Equal(t, "bad address", custom.Error())

	withData := errFactory.WithData(errors.ErrInvalidPort, 70000)
	assert.Equal(t, "Invalid port value: 70000", withData.Error())
	assert.Equal(t, 70000, withData.GetData())
}

func TestUnknownCodeFallsBackToCode(t *testing.T) {
	err := errors.New().New(errors.ErrorCode("tanita_frame_rejected"))
	assert.Equal(t, "tanita_frame_rejected", err.Error())
}

func TestIsMatchesByCode(t *testing.T) {
	errFactory := errors.New()
	sentinel := errFactory.New(errors.ErrResourceNotFound)

	err := fmt.Errorf("lookup: %w", errFactory.Wrap(errors.ErrResourceNotFound, stderrors.New("missing")))
	assert.True(t, errors.Is(err, sentinel))
	assert.False(t, errors.Is(err, errFactory.New(errors.ErrTimeout)))
}

func TestHasCodeAndCodeOf(t *testing.T) {
	errFactory := errors.New()
	inner := errFactory.Wrap(errors.ErrTimeout, stderrors.New("deadline"))
	outer := errFactory.Wrap(errors.ErrOperationFailed, inner)

	assert.True(t, errors.HasCode(outer, errors.ErrTimeout))
	assert.True(t, errors.HasCode(outer, errors.ErrOperationFailed))
	assert.False(t, errors.HasCode(outer, errors.ErrInvalidConfig))

	assert.Equal(t, errors.ErrOperationFailed, errors.CodeOf(outer))
	assert.Equal(t, errors.ErrInternal, errors.CodeOf(stderrors.New("plain")))

	var domainErr errors.Error
	require.True(t, errors.As(outer, &domainErr))
	assert.Equal(t, inner, domainErr.Unwrap())
}
