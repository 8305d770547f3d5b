package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_UnwrapsChains(t *testing.T) {
	err := Newf(KindNotFound, "study absent")
	wrapped := fmt.Errorf("handling message: %w", err)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindNotFound))
	assert.Empty(t, KindOf(fmt.Errorf("plain")))
}

func TestRetryablePolicyByKind(t *testing.T) {
	retryable := []Kind{KindTransferTimeout, KindUploadFailure, KindSecretUnavailable, KindCircuitOpen}
	terminal := []Kind{KindNotFound, KindUnknownProject, KindAnonymisationFailure, KindValidationFailure, KindLedgerConflict, KindConfigInvalid}

	for _, kind := range retryable {
		assert.True(t, New(kind, "x").IsRetryable(), string(kind))
	}
	for _, kind := range terminal {
		assert.False(t, New(kind, "x").IsRetryable(), string(kind))
		assert.True(t, New(kind, "x").IsFatal(), string(kind))
	}
}

func TestAsFatalOverridesKind(t *testing.T) {
	err := New(KindUploadFailure, "rejected").AsFatal()
	assert.False(t, err.IsRetryable())
	assert.True(t, err.IsFatal())

	back := New(KindNotFound, "x").AsRetryable()
	assert.True(t, back.IsRetryable())
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(KindUploadFailure, "x", nil))
}

func TestErrorFormatting(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(KindUploadFailure, "failed to reach endpoint", cause)

	assert.Contains(t, err.Error(), "UploadFailure")
	assert.Contains(t, err.Error(), "connection refused")
	assert.ErrorIs(t, err, cause)
}

func TestDeadLetter(t *testing.T) {
	assert.True(t, DeadLetter(New(KindUnknownProject, "x")))
	assert.False(t, DeadLetter(New(KindNotFound, "x")))
}

func TestIsSkip(t *testing.T) {
	assert.True(t, IsSkip(New(KindSkipInstance, "filtered")))
	assert.False(t, IsSkip(New(KindNotFound, "x")))
}
