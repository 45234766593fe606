package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(globalCap, senderCap int64) *Limiter {
	return NewLimiter(NewMemoryCounterStore(), globalCap, senderCap)
}

// With cap C and N concurrent acquires in one window, exactly C succeed
// no matter the interleaving: the check is folded into the atomic
// increment, so there is no race window.
func TestTryAcquireConcurrentExactness(t *testing.T) {
	const (
		capacity = 50
		n        = 200
	)
	l := newTestLimiter(capacity, capacity)
	ctx := context.Background()

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.TryAcquire(ctx, ScopeGlobal)
			require.NoError(t, err)
			if ok {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, capacity, allowed)

	count, err := l.Peek(ctx, ScopeGlobal)
	require.NoError(t, err)
	assert.EqualValues(t, n, count, "refused acquires still increment until released")
}

func TestReleaseSymmetry(t *testing.T) {
	l := newTestLimiter(10, 10)
	ctx := context.Background()

	before, err := l.Peek(ctx, ScopeGlobal)
	require.NoError(t, err)

	ok, err := l.TryAcquire(ctx, ScopeGlobal)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release(ctx, ScopeGlobal))

	after, err := l.Peek(ctx, ScopeGlobal)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

// A refused dual-scope acquire must leave both counters untouched, even
// the one that individually succeeded, or capacity silently leaks.
func TestAcquireSendRollsBackPartialAcquisition(t *testing.T) {
	l := newTestLimiter(100, 1)
	ctx := context.Background()

	ok, err := l.AcquireSend(ctx, "alice@example.com")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.AcquireSend(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.False(t, ok, "sender cap of 1 is spent")

	globalCount, err := l.Peek(ctx, ScopeGlobal)
	require.NoError(t, err)
	assert.EqualValues(t, 1, globalCount, "global slot from the refused acquire must be rolled back")

	senderCount, err := l.Peek(ctx, SenderScope("alice@example.com"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, senderCount)
}

// A release that lands after the window rolled over targets a key that
// no longer exists; decrementing it anyway would leave a stray negative
// counter with no expiry.
func TestReleaseAfterWindowRolloverLeavesNoStrayCounter(t *testing.T) {
	l := newTestLimiter(10, 10)
	ctx := context.Background()

	base := time.Date(2026, 8, 31, 10, 59, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	ok, err := l.TryAcquire(ctx, ScopeGlobal)
	require.NoError(t, err)
	require.True(t, ok)

	// The window boundary passes before the release arrives.
	l.now = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, l.Release(ctx, ScopeGlobal))

	count, err := l.Peek(ctx, ScopeGlobal)
	require.NoError(t, err)
	assert.Zero(t, count, "the new window must start clean, not at -1")
}

func TestSenderScopesAreIndependent(t *testing.T) {
	l := newTestLimiter(100, 1)
	ctx := context.Background()

	ok, err := l.AcquireSend(ctx, "alice@example.com")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.AcquireSend(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.True(t, ok, "a different sender has its own window")
}

func TestWindowRollover(t *testing.T) {
	l := newTestLimiter(1, 1)
	ctx := context.Background()

	base := time.Date(2026, 8, 31, 10, 30, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	ok, err := l.AcquireSend(ctx, "alice@example.com")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.AcquireSend(ctx, "alice@example.com")
	require.NoError(t, err)
	require.False(t, ok)

	// The next hour bucket starts fresh.
	l.now = func() time.Time { return base.Add(time.Hour) }

	ok, err = l.AcquireSend(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
}
