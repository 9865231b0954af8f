// Package retryer runs collaborator calls repeatedly when they fail with a
// transient error.
package retryer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/simplesurance/depbump/internal/bumperr"
	"github.com/simplesurance/depbump/internal/logfields"
)

const (
	DefaultMaxRetryTime           = 30 * time.Second
	defBackoffInitialInterval     = 500 * time.Millisecond
	defBackoffRandomizationFactor = 0.5
)

// Retryer executes a function repeatedly until it was successful or a cancel
// condition happened.
type Retryer struct {
	logger       *zap.Logger
	maxRetryTime time.Duration
	shutdownChan chan struct{}

	backoffInitialInterval     time.Duration
	backoffRandomizationFactor float64
}

// New returns a Retryer that gives up retrying after maxRetryTime.
// If maxRetryTime is <=0, DefaultMaxRetryTime is used.
func New(maxRetryTime time.Duration) *Retryer {
	if maxRetryTime <= 0 {
		maxRetryTime = DefaultMaxRetryTime
	}

	return &Retryer{
		logger:                     zap.L().Named("retryer"),
		maxRetryTime:               maxRetryTime,
		shutdownChan:               make(chan struct{}),
		backoffInitialInterval:     defBackoffInitialInterval,
		backoffRandomizationFactor: defBackoffRandomizationFactor,
	}
}

// Run executes fn until it was successful, it returned an error that
// does not wrap bumperr.RetryableError, the max retry time expired or the
// execution was aborted via the context.
// When retrying is given up, the last error returned by fn is returned.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint

	endTime := time.Now().Add(r.maxRetryTime)

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval
	bo.RandomizationFactor = r.backoffRandomizationFactor
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error

	for {
		tryCnt++
		logger := r.logger.With(logF...).With(zap.Uint("try_count", tryCnt))

		select {
		case <-ctx.Done():
			logger.Debug(
				"execution cancelled",
				logfields.Event("retryer_execution_cancelled"),
				zap.Error(ctx.Err()),
			)

			if lastErr != nil {
				return fmt.Errorf("%w, last error: %w", ctx.Err(), lastErr)
			}

			return ctx.Err()

		case <-r.shutdownChan:
			logger.Debug(
				"retryer terminating, execution aborted",
				logfields.Event("retryer_execution_aborted_terminating"),
			)

			if lastErr != nil {
				return lastErr
			}

			return errors.New("retryer terminated")

		case <-retryTimer.C:
			err := fn(ctx)
			if err == nil {
				if tryCnt > 1 {
					logger.Debug(
						"execution succeeded after retrying",
						logfields.Event("retryer_execution_succeeded"),
					)
				}

				return nil
			}

			lastErr = err
			logger = logger.With(zap.Error(err))

			if errors.Is(err, context.Canceled) {
				return err
			}

			var retryError *bumperr.RetryableError
			if !errors.As(err, &retryError) {
				return err
			}

			var retryIn time.Duration
			if retryError.After.IsZero() {
				retryIn = bo.NextBackOff()
			} else {
				retryIn = time.Until(retryError.After)
				if minInterval := r.minInterval(); retryIn < minInterval {
					retryIn = minInterval
				}
			}

			if time.Now().Add(retryIn).After(endTime) {
				logger.Info(
					"giving up retrying, next retry would happen after the max retry time",
					logfields.Event("retryer_max_retry_time_exceeded"),
					zap.Duration("retry_in", retryIn),
					zap.Duration("max_retry_time", r.maxRetryTime),
				)

				return err
			}

			logger.Info(
				"execution failed, retry scheduled",
				logfields.Event("retryer_retry_scheduled"),
				zap.Duration("retry_in", retryIn),
			)

			retryTimer.Reset(retryIn)
		}
	}
}

func (r *Retryer) minInterval() time.Duration {
	return time.Duration(float64(r.backoffInitialInterval) * (1 - r.backoffRandomizationFactor))
}

// Stop notifies all Run() methods to terminate.
// It does not wait for their termination.
func (r *Retryer) Stop() {
	r.logger.Debug("retryer terminating", logfields.Event("retryer_terminating"))

	select {
	case <-r.shutdownChan:
		return // already closed
	default:
		close(r.shutdownChan)
	}
}
