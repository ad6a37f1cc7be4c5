// Package retry wraps a single batch call with bounded retries and
// exponential backoff, driven by the enrichment error taxonomy. The sleep
// function is injectable so the backoff schedule is testable with a fake
// clock and a scripted sequence of failures.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/calunde/nameforge/internal/enrich"
)

// SleepFunc blocks for d or until ctx is done, returning ctx.Err() in the
// latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// sleepWithContext is the default SleepFunc.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Controller runs one batch call through the retry state machine. A batch
// either succeeds, exhausts its budget (the caller fails every record in it
// and moves on), or hits a fatal error (the caller aborts the run).
type Controller struct {
	maxRetries int
	baseDelay  time.Duration
	sleep      SleepFunc
	log        *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithSleep replaces the sleep function (for tests).
func WithSleep(sleep SleepFunc) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// New creates a controller allowing maxRetries re-attempts after the initial
// one, with delays of baseDelay * 2^attempt between them.
func New(maxRetries int, baseDelay time.Duration, opts ...Option) *Controller {
	c := &Controller{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		sleep:      sleepWithContext,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call performs one attempt against the enrichment service.
type Call func(ctx context.Context) ([]enrich.RecordResult, error)

// Run drives call through the retry loop. It returns the results and the
// number of attempts made. On terminal failure the returned error is the
// last one seen; the caller inspects its kind to decide between failing the
// batch and aborting the run. A cancelled context surfaces as ctx.Err() so
// graceful shutdown is distinguishable from service failure.
func (c *Controller) Run(ctx context.Context, call Call) ([]enrich.RecordResult, int, error) {
	attempt := 0
	for {
		results, err := call(ctx)
		if err == nil {
			return results, attempt + 1, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, attempt + 1, ctxErr
		}

		kind := enrich.KindOf(err)
		if kind == enrich.KindFatal {
			return nil, attempt + 1, err
		}
		if !enrich.Retryable(err) || attempt >= c.maxRetries {
			return nil, attempt + 1, err
		}

		delay := c.baseDelay << attempt
		c.log.Warn("batch attempt failed, backing off",
			"attempt", attempt+1,
			"kind", string(kind),
			"delay", delay,
			"error", err)

		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return nil, attempt + 1, sleepErr
		}
		attempt++
	}
}
