package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreflow/workflow/pkg/workflow"
)

type fixedClassifier struct {
	kind ErrorKind
}

func (c fixedClassifier) Classify(error) ErrorKind { return c.kind }

func noSleep(context.Context, time.Duration) error { return nil }

func TestRetryingSucceedsWithoutRetryingOnNilError(t *testing.T) {
	r := NewRetrying(nil, fixedClassifier{}, DefaultRetryConfig())
	r.sleep = noSleep

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryingStopsImmediatelyOnFatal(t *testing.T) {
	boom := errors.New("constraint violation")
	r := NewRetrying(nil, fixedClassifier{kind: ErrKindFatal}, DefaultRetryConfig())
	r.sleep = noSleep

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls, "a fatal classification must not retry")
}

func TestRetryingRetriesTransientUntilSuccess(t *testing.T) {
	r := NewRetrying(nil, fixedClassifier{kind: ErrKindTransientIO}, DefaultRetryConfig())
	r.sleep = noSleep

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryingSurfacesMaxRetriesAfterExhaustion(t *testing.T) {
	cfg := RetryConfig{BaseInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxAttempts: 3}
	r := NewRetrying(nil, fixedClassifier{kind: ErrKindTransientIO}, cfg)
	r.sleep = noSleep

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("still down")
	})
	require.Error(t, err)
	kind, ok := workflow.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, workflow.KindMaxRetries, kind)
	assert.Equal(t, 3, calls)
}

func TestRetryingConflictRetriesWithJitter(t *testing.T) {
	cfg := RetryConfig{BaseInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxAttempts: 5}
	r := NewRetrying(nil, fixedClassifier{kind: ErrKindConflict}, cfg)
	slept := 0
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept++
		return nil
	}

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("serialization failure")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, slept)
}
