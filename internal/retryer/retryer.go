// Package retryer runs operations repeatedly until they succeed or fail
// with a permanent error.
package retryer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/simplesurance/prmeta/internal/logfields"
	"github.com/simplesurance/prmeta/internal/prmetaerr"
)

const loggerName = "retryer"

const (
	DefMaxAttempts                = 4
	DefTimeout                    = 10 * time.Minute
	DefBackoffInitialInterval     = time.Second
	DefBackoffMaxInterval         = 10 * time.Second
	DefBackoffRandomizationFactor = backoff.DefaultRandomizationFactor
)

// Retryer executes a function until it was successful, it returned an
// error that does not wrap prmetaerr.RetryableError, the attempt limit
// was reached or the context was cancelled.
type Retryer struct {
	logger *zap.Logger

	maxAttempts                int
	defTimeout                 time.Duration
	backoffInitialInterval     time.Duration
	backoffMaxInterval         time.Duration
	backoffRandomizationFactor float64
}

func New() *Retryer {
	return &Retryer{
		logger:                     zap.L().Named(loggerName),
		maxAttempts:                DefMaxAttempts,
		defTimeout:                 DefTimeout,
		backoffInitialInterval:     DefBackoffInitialInterval,
		backoffMaxInterval:         DefBackoffMaxInterval,
		backoffRandomizationFactor: DefBackoffRandomizationFactor,
	}
}

// Run executes fn until it succeeded or retrying is not possible
// anymore.
// The last error of fn is returned, or the context error if the context
// was cancelled first.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	ctx, cancelFn := context.WithTimeout(ctx, r.defTimeout)
	defer cancelFn()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval
	bo.MaxInterval = r.backoffMaxInterval
	bo.RandomizationFactor = r.backoffRandomizationFactor
	bo.Reset()

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	for attempt := 1; ; attempt++ {
		logger := r.logger.With(logF...).With(zap.Int("try_count", attempt))

		select {
		case <-ctx.Done():
			logger.Info(
				"operation cancelled",
				logfields.Event("operation_cancelled"),
			)

			return ctx.Err()

		case <-retryTimer.C:
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info(
					"operation succeeded after retrying",
					logfields.Event("operation_succeeded"),
				)
			}

			return nil
		}

		logger = logger.With(zap.Error(err))

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var retryErr *prmetaerr.RetryableError
		if !errors.As(err, &retryErr) {
			logger.Debug(
				"operation failed, error is not retryable",
				logfields.Event("operation_failed"),
			)

			return err
		}

		if attempt >= r.maxAttempts {
			logger.Warn(
				"giving up retrying operation, attempt limit reached",
				logfields.Event("operation_retry_limit_reached"),
				zap.Int("max_attempts", r.maxAttempts),
			)

			return err
		}

		var retryIn time.Duration
		if retryErr.After.IsZero() {
			retryIn = bo.NextBackOff()
		} else {
			retryIn = time.Until(retryErr.After)
			if retryIn < 0 {
				retryIn = bo.NextBackOff()
			}
		}

		retryTimer.Reset(retryIn)
		logger.Info(
			"operation failed, retry scheduled",
			logfields.Event("operation_retry_scheduled"),
			zap.Duration("retry_in", retryIn),
		)
	}
}
