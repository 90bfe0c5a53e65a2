package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *time.Time) {
	t.Helper()
	l := NewLimiter(cfg, nil, zap.NewNop())
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	// Tests never want a real sleep; advance the clock instead.
	l.sleep = func(_ context.Context, d time.Duration) error {
		now = now.Add(d)
		return nil
	}
	return l, &now
}

func TestConsume_TokenConservation(t *testing.T) {
	const k = 5
	l, now := newTestLimiter(t, Config{MaxPerSecond: k, MaxWait: time.Nanosecond})

	ctx := context.Background()
	for i := 0; i < k; i++ {
		_, err := l.Consume(ctx, "global:abcd")
		require.NoError(t, err, "call %d should be admitted", i+1)
	}

	_, err := l.Consume(ctx, "global:abcd")
	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, LimitCPS, rlErr.Type)
	assert.Equal(t, "global:abcd", rlErr.Scope)

	// Capacity fully replenishes after one second, bounded by the max.
	*now = now.Add(time.Second)
	for i := 0; i < k; i++ {
		_, err := l.Consume(ctx, "global:abcd")
		require.NoError(t, err, "call %d after refill should be admitted", i+1)
	}
	_, err = l.Consume(ctx, "global:abcd")
	require.ErrorAs(t, err, &rlErr)
}

func TestConsume_BoundedWaitAdmits(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxPerSecond: 2, MaxWait: time.Second})

	ctx := context.Background()
	// Burst capacity plus one more; the extra call waits for a refill
	// instead of failing because the wait is under MaxWait.
	for i := 0; i < 3; i++ {
		_, err := l.Consume(ctx, "global:abcd")
		require.NoError(t, err)
	}
}

func TestConsume_DailyQuotaDeterminism(t *testing.T) {
	const d = 3
	l, now := newTestLimiter(t, Config{MaxPerDay: d, DailyResetHourUTC: 0})

	ctx := context.Background()
	for i := 0; i < d; i++ {
		state, err := l.Consume(ctx, "global:abcd")
		require.NoError(t, err)
		assert.Equal(t, d-i-1, state.DailyRemaining)
	}

	_, err := l.Consume(ctx, "global:abcd")
	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, LimitDaily, rlErr.Type)
	assert.True(t, rlErr.ResetAt.After(*now), "reset must be strictly after now")

	// Counter resets at the next UTC boundary.
	*now = rlErr.ResetAt.Add(time.Minute)
	_, err = l.Consume(ctx, "global:abcd")
	require.NoError(t, err)
}

func TestConsume_DailyRejectionReturnsToken(t *testing.T) {
	// A call rejected on the daily quota never happened, so the
	// per-second token it reserved goes back to the bucket.
	l, _ := newTestLimiter(t, Config{MaxPerSecond: 2, MaxPerDay: 1, MaxWait: time.Nanosecond})

	ctx := context.Background()
	_, err := l.Consume(ctx, "global:abcd")
	require.NoError(t, err)

	var rlErr *RateLimitError
	for i := 0; i < 3; i++ {
		_, err = l.Consume(ctx, "global:abcd")
		require.ErrorAs(t, err, &rlErr)
		// Always the daily limit; the bucket never drains because each
		// rejected call cancels its reservation.
		assert.Equal(t, LimitDaily, rlErr.Type, "call %d", i+2)
	}
}

func TestConsume_DailyResetHour(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxPerDay: 10, DailyResetHourUTC: 8})

	// now is 10:00 UTC, so the next 08:00 boundary is tomorrow.
	state, err := l.Consume(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, 8, state.NextReset.UTC().Hour())
	assert.Equal(t, 2, state.NextReset.UTC().Day())
}

func TestConsume_DisabledIsNoop(t *testing.T) {
	l, _ := newTestLimiter(t, Config{})

	for i := 0; i < 1000; i++ {
		state, err := l.Consume(context.Background(), "s")
		require.NoError(t, err)
		assert.Zero(t, state.RemainingTokens)
	}
}

func TestConsume_ScopesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxPerSecond: 1, MaxWait: time.Nanosecond})

	ctx := context.Background()
	_, err := l.Consume(ctx, "chain:1:aa")
	require.NoError(t, err)
	_, err = l.Consume(ctx, "chain:56:aa")
	require.NoError(t, err)

	_, err = l.Consume(ctx, "chain:1:aa")
	var rlErr *RateLimitError
	require.True(t, errors.As(err, &rlErr))
	assert.Equal(t, "chain:1:aa", rlErr.Scope)
}

func TestConsume_ConcurrentNoDoubleSpend(t *testing.T) {
	const k = 8
	l := NewLimiter(Config{MaxPerSecond: k, MaxWait: time.Nanosecond}, nil, zap.NewNop())
	fixed := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	results := make(chan error, 2*k)
	for i := 0; i < 2*k; i++ {
		go func() {
			_, err := l.Consume(context.Background(), "s")
			results <- err
		}()
	}

	admitted := 0
	for i := 0; i < 2*k; i++ {
		if err := <-results; err == nil {
			admitted++
		}
	}
	assert.Equal(t, k, admitted)
}

func TestScopeKey(t *testing.T) {
	global := ScopeKey(ScopeModeGlobal, 1, "key-a")
	perChain := ScopeKey(ScopeModePerChain, 1, "key-a")
	assert.NotEqual(t, global, perChain)
	assert.Contains(t, perChain, "chain:1:")

	// Different credentials never share a bucket.
	assert.NotEqual(t, ScopeKey(ScopeModeGlobal, 1, "key-a"), ScopeKey(ScopeModeGlobal, 1, "key-b"))
}

func TestMemoryCounterStore_WindowRollover(t *testing.T) {
	store := NewMemoryCounterStore()
	ctx := context.Background()
	reset1 := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	reset2 := reset1.Add(24 * time.Hour)

	n, err := store.Incr(ctx, "s", reset1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, _ = store.Incr(ctx, "s", reset1)
	assert.EqualValues(t, 2, n)

	// New window starts fresh.
	n, _ = store.Incr(ctx, "s", reset2)
	assert.EqualValues(t, 1, n)
}
