package waitdeps

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Wait blocks until ping succeeds, retrying with exponential backoff.
// Used at startup so the service does not crash-loop while its
// dependencies are still coming up.
func Wait(ctx context.Context, name string, logger *zap.Logger, ping func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 2 * time.Minute

	operation := func() error {
		return ping(ctx)
	}

	notify := func(err error, next time.Duration) {
		logger.Warn("Dependency not ready, retrying",
			zap.String("dependency", name),
			zap.Duration("next_attempt_in", next),
			zap.Error(err),
		)
	}

	return backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
}
