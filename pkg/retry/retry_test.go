package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pixlerrors "pixl/pkg/errors"
)

func fastPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy(), func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy(), func() error {
		attempts++
		return fmt.Errorf("always failing")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_FatalErrorsAbortImmediately(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy(), func() error {
		attempts++
		return pixlerrors.New(pixlerrors.KindValidationFailure, "structural")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDo_RetryableKindsRetry(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy(), func() error {
		attempts++
		return pixlerrors.New(pixlerrors.KindTransferTimeout, "slow peer")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoWithCallback_ReportsAttempts(t *testing.T) {
	var reported []int
	_ = DoWithCallback(context.Background(), fastPolicy(), func() error {
		return fmt.Errorf("transient")
	}, func(attempt int, err error, next time.Duration) {
		reported = append(reported, attempt)
		assert.Positive(t, next)
	})
	assert.Equal(t, []int{1, 2}, reported)
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, fastPolicy(), func() error {
		return fmt.Errorf("transient")
	})
	assert.Error(t, err)
}
