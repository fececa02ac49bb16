package retryer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/prmeta/internal/prmetaerr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNonRetryableErrorIsReturnedImmediately(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := New()

	calls := 0
	wantErr := errors.New("permanent")

	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		return wantErr
	}, nil)

	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, calls)
}

func TestRetriesUntilAttemptLimit(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := New()
	r.backoffInitialInterval = time.Millisecond
	r.backoffMaxInterval = 5 * time.Millisecond
	r.maxAttempts = 3

	calls := 0
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		return prmetaerr.NewRetryableAnytimeError(errors.New("err"))
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestSucceedsAfterRetry(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := New()
	r.backoffInitialInterval = time.Millisecond

	calls := 0
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return prmetaerr.NewRetryableAnytimeError(errors.New("err"))
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryAfterInThePastFallsBackToBackoff(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := New()
	r.backoffInitialInterval = time.Millisecond
	r.maxAttempts = 2

	var retryTimes []time.Time
	err := r.Run(context.Background(), func(context.Context) error {
		retryTimes = append(retryTimes, time.Now())
		return prmetaerr.NewRetryableError(errors.New("err"), time.Now().Add(-time.Second))
	}, nil)

	require.Error(t, err)
	require.Len(t, retryTimes, 2)
	assert.True(t, retryTimes[1].After(retryTimes[0]))
}

func TestCancelledContextAborts(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := New()
	r.backoffInitialInterval = time.Hour

	ctx, cancelFn := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancelFn()
	}()

	err := r.Run(ctx, func(context.Context) error {
		calls++
		return prmetaerr.NewRetryableAnytimeError(errors.New("err"))
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
