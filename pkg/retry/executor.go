package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/autosync-hq/actual-autosync/pkg/logger"
	"github.com/autosync-hq/actual-autosync/pkg/metrics"
	"github.com/autosync-hq/actual-autosync/pkg/models"
)

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// ClassifyFunc reports whether err is retryable and its error type
type ClassifyFunc func(err error) (bool, string)

// Executor runs remote operations with bounded exponential backoff
type Executor struct {
	logger   logger.Logger
	server   string
	sleep    SleepFunc
	classify ClassifyFunc
}

// Option configures an Executor
type Option func(*Executor)

// WithSleep replaces the backoff wait, mainly for tests
func WithSleep(sleep SleepFunc) Option {
	return func(e *Executor) {
		e.sleep = sleep
	}
}

// WithClassifier replaces the default error classification
func WithClassifier(classify ClassifyFunc) Option {
	return func(e *Executor) {
		e.classify = classify
	}
}

// NewExecutor creates a new retry executor
func NewExecutor(logger logger.Logger, opts ...Option) *Executor {
	e := &Executor{
		logger:   logger,
		sleep:    Sleep,
		classify: Classify,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ForServer returns a copy of the executor that tags its log lines with a server name
func (e *Executor) ForServer(name string) *Executor {
	cp := *e
	cp.server = name
	return &cp
}

// Execute calls fn until it succeeds, fails with a non-retryable error, or
// policy.Attempts() calls have been made. The last error is returned unchanged.
func (e *Executor) Execute(ctx context.Context, op string, policy models.RetryPolicy, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, e, op, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is the value-returning form of Executor.Execute
func Do[T any](ctx context.Context, e *Executor, op string, policy models.RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := policy.Attempts()

	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				e.logger.DebugWithServer(e.server, "%s succeeded after %d retries", op, attempt)
			}
			return result, nil
		}

		shouldRetry, errorType := e.classify(err)
		if !shouldRetry {
			e.logger.DebugWithServer(e.server, "Not retrying %s due to permanent error type %s: %v", op, errorType, err)
			metrics.PermanentErrors.WithLabelValues(op, errorType).Inc()
			return result, err
		}

		if attempt+1 >= attempts {
			e.logger.ErrorWithServer(e.server, "Max retries reached for %s, giving up after %d attempts (error: %s): %v",
				op, attempts, errorType, err)
			metrics.MaxRetriesReached.WithLabelValues(op, errorType).Inc()
			return result, err
		}

		delay := policy.Delay(attempt)
		metrics.RetryCount.WithLabelValues(op, errorType).Inc()
		e.logger.NoticeWithServer(e.server, "Retry %d/%d for %s in %v (error: %s): %v",
			attempt+1, policy.MaxRetries, op, delay, errorType, err)

		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return result, fmt.Errorf("%w (retry aborted: %w)", err, sleepErr)
		}
	}
}

// Sleep waits for d, returning early with ctx.Err() when ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
