package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryRerunsConflictsOnly(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := Retry(ctx, 5, func() error {
		calls++
		if calls < 3 {
			return ErrConflict
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	calls = 0
	boom := errors.New("boom")
	err = Retry(ctx, 5, func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)

	calls = 0
	err = Retry(ctx, 4, func() error {
		calls++
		return ErrConflict
	})
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, 4, calls)
}

func TestRetryStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, DefaultMaxAttempts, func() error {
		calls++
		cancel()
		return ErrConflict
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestBackoffIsBoundedAndStops(t *testing.T) {
	b, err := newBackoff(6)
	require.NoError(t, err)

	ceiling := retryMaxDelay + retryMaxDelay*retryJitterPercent/100
	for i := 0; i < 5; i++ {
		d, stop := b.Next()
		require.False(t, stop, "retry %d", i+1)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, ceiling)
	}
	_, stop := b.Next()
	require.True(t, stop)
}
