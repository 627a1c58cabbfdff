package errors_test

import (
	"context"
	"fmt"
	"testing"

	"codeberg.org/mutker/bmcctl/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	errFactory := errors.New()

	assert.Equal(t, "HTTP error: 503", errFactory.WithData(errors.ErrHTTPStatus, 503).Error())
	assert.Equal(t, "Session expired. Please log in again.", errFactory.New(errors.ErrUnauthorized).Error())
	assert.Equal(t, "custom", errFactory.WithMessage(errors.ErrInternal, "custom").Error())
	assert.Equal(t, "unknown_code", errFactory.New("unknown_code").Error())
}

func TestWrapKeepsCause(t *testing.T) {
	errFactory := errors.New()

	err := errFactory.Wrap(errors.ErrNetwork, context.Canceled)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, errors.ErrNetwork, err.Code())
	assert.Contains(t, err.Error(), "context canceled")
}

func TestHasCodeWalksChain(t *testing.T) {
	errFactory := errors.New()

	inner := errFactory.New(errors.ErrUnauthorized)
	outer := fmt.Errorf("fetch power status: %w", errFactory.Wrap(errors.ErrOperationFailed, inner))

	assert.True(t, errors.HasCode(outer, errors.ErrUnauthorized))
	assert.True(t, errors.HasCode(outer, errors.ErrOperationFailed))
	assert.False(t, errors.HasCode(outer, errors.ErrNetwork))
	assert.Equal(t, errors.ErrOperationFailed, errors.CodeOf(outer))
	assert.Equal(t, errors.ErrorCode(""), errors.CodeOf(fmt.Errorf("plain")))
}
