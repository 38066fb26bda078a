package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/autolog/internal/model"
	"github.com/ashita-ai/autolog/internal/tracking"
)

var fastPolicy = RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}

func TestTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"wrapped lock timeout", fmt.Errorf("copy metrics: %w", &pgconn.PgError{Code: "55P03"}), true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"param conflict", fmt.Errorf("storage: %w", tracking.ErrParamConflict), false},
		{"unknown run", model.ErrNotFound, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Transient(tc.err))
		})
	}
}

func TestRetryPolicyRetriesTransientFailures(t *testing.T) {
	calls := 0
	err := fastPolicy.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := fastPolicy.Do(context.Background(), func() error {
		calls++
		return tracking.ErrParamConflict
	})
	require.ErrorIs(t, err, tracking.ErrParamConflict)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	err := fastPolicy.Do(context.Background(), func() error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "40P01", pgErr.Code)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyZeroAttemptsStillRunsOnce(t *testing.T) {
	calls := 0
	err := RetryPolicy{}.Do(context.Background(), func() error {
		calls++
		return &pgconn.PgError{Code: "40001"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := RetryPolicy{Attempts: 5, BaseDelay: time.Second}
	err := slow.Do(ctx, func() error {
		return &pgconn.PgError{Code: "55P03"}
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetryPolicyBackoffIsCapped(t *testing.T) {
	p := RetryPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}
	for retry := range 8 {
		d := p.backoff(retry)
		window := min(p.BaseDelay<<retry, p.MaxDelay)
		assert.GreaterOrEqual(t, d, window/2, "retry %d", retry)
		assert.Less(t, d, window, "retry %d", retry)
	}
}
