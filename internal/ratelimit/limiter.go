package ratelimit

import (
	"context"
	"fmt"
	"time"
)

const (
	keyPrefix   = "email_rate:"
	window      = time.Hour
	windowSlack = 5 * time.Second
)

// Scope is a rate-limiting dimension: the whole organization or one sender.
type Scope string

const ScopeGlobal Scope = "global"

// SenderScope returns the scope for a single sender address.
func SenderScope(sender string) Scope {
	return Scope("sender:" + sender)
}

// Limiter enforces hourly send caps with wall-clock window bucketing: all
// increments in the same truncated hour share one counter, which expires
// shortly after the window ends so stale counters self-clean. A burst can
// straddle a window boundary; strict sliding-window accounting would need
// a sorted-timestamp structure per scope at higher memory cost.
type Limiter struct {
	store     CounterStore
	globalCap int64
	senderCap int64
	now       func() time.Time
}

func NewLimiter(store CounterStore, globalCap, senderCap int64) *Limiter {
	return &Limiter{
		store:     store,
		globalCap: globalCap,
		senderCap: senderCap,
		now:       time.Now,
	}
}

func (l *Limiter) capFor(scope Scope) int64 {
	if scope == ScopeGlobal {
		return l.globalCap
	}
	return l.senderCap
}

func (l *Limiter) key(scope Scope) string {
	windowStart := l.now().UTC().Truncate(window)
	return fmt.Sprintf("%s%s:%s", keyPrefix, scope, windowStart.Format(time.RFC3339))
}

// TryAcquire atomically increments the current window counter for scope
// and reports whether the post-increment count is within the cap. The
// increment happens even when the answer is false, so a refused acquire
// must be undone with Release.
func (l *Limiter) TryAcquire(ctx context.Context, scope Scope) (bool, error) {
	count, err := l.store.Incr(ctx, l.key(scope), window+windowSlack)
	if err != nil {
		return false, fmt.Errorf("rate counter incr failed: %w", err)
	}
	return count <= l.capFor(scope), nil
}

// Release undoes one acquisition for scope.
func (l *Limiter) Release(ctx context.Context, scope Scope) error {
	_, err := l.store.Decr(ctx, l.key(scope))
	if err != nil {
		return fmt.Errorf("rate counter decr failed: %w", err)
	}
	return nil
}

// Peek returns the current window count for scope without mutating it.
func (l *Limiter) Peek(ctx context.Context, scope Scope) (int64, error) {
	return l.store.Get(ctx, l.key(scope))
}

// AcquireSend claims one send slot in both the global and the sender
// window. If either cap is hit, both increments are rolled back before
// returning so partial acquisition never leaks capacity.
func (l *Limiter) AcquireSend(ctx context.Context, sender string) (bool, error) {
	globalOK, err := l.TryAcquire(ctx, ScopeGlobal)
	if err != nil {
		return false, err
	}
	senderOK, err := l.TryAcquire(ctx, SenderScope(sender))
	if err != nil {
		// The global increment is already in; undo it so the slot is not lost.
		_ = l.Release(ctx, ScopeGlobal)
		return false, err
	}

	if globalOK && senderOK {
		return true, nil
	}

	if err := l.Release(ctx, ScopeGlobal); err != nil {
		return false, err
	}
	if err := l.Release(ctx, SenderScope(sender)); err != nil {
		return false, err
	}
	return false, nil
}
