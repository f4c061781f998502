package storage

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/coreflow/workflow/pkg/workflow"
)

// MaxRetries is the hard cap on retry attempts for any single operation
// before the adapter surfaces workflow.KindMaxRetries.
const MaxRetries = 16

// RetryConfig controls the backoff schedule for transient/pool-exhausted
// errors.
type RetryConfig struct {
	BaseInterval time.Duration
	MaxInterval  time.Duration
	MaxAttempts  int
}

// DefaultRetryConfig returns base 750ms backoff capped at 16 attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{BaseInterval: 750 * time.Millisecond, MaxInterval: 16 * 750 * time.Millisecond, MaxAttempts: MaxRetries}
}

// Retrying wraps any Adapter with an automatic retry loop: transaction
// conflicts retry immediately with small jitter, transient I/O and
// pool-exhaustion retry with exponential backoff, and fatal errors
// propagate untouched. classifier is backend-supplied so the retry loop
// never string-matches driver error text.
type Retrying struct {
	inner      Adapter
	classifier Classifier
	cfg        RetryConfig
	sleep      func(context.Context, time.Duration) error
}

// NewRetrying constructs a Retrying decorator around adapter using cfg and
// classifier. Pass DefaultRetryConfig() for the default schedule.
func NewRetrying(adapter Adapter, classifier Classifier, cfg RetryConfig) *Retrying {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = MaxRetries
	}
	return &Retrying{inner: adapter, classifier: classifier, cfg: cfg, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs op, retrying according to the classification of any error it
// returns, until it succeeds, a fatal error is hit, or cfg.MaxAttempts is
// exhausted (in which case a workflow.KindMaxRetries error wraps the last
// attempt's error).
func (r *Retrying) Do(ctx context.Context, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.BaseInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.2

	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		kind := r.classifier.Classify(lastErr)
		switch kind {
		case ErrKindFatal:
			return lastErr
		case ErrKindConflict:
			jitter := time.Duration(rand.Int63n(int64(20 * time.Millisecond)))
			if err := r.sleep(ctx, jitter); err != nil {
				return err
			}
		case ErrKindTransientIO, ErrKindPoolExhausted:
			d := b.NextBackOff()
			if d == backoff.Stop {
				d = r.cfg.MaxInterval
			}
			if err := r.sleep(ctx, d); err != nil {
				return err
			}
		}
	}
	return workflow.Wrap(workflow.KindMaxRetries, lastErr, "exceeded max retries")
}
