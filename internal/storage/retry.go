package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// RetryPolicy bounds how a tracking write is re-attempted after a transient
// Postgres failure. Attempts counts the first try.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// writePolicy is used by run creation and batch ingestion. A flush worker
// already retries whole batches on its own schedule, so this stays short.
var writePolicy = RetryPolicy{Attempts: 4, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}

// Transient reports whether err is worth retrying without changing the
// request: transaction rollbacks (class 40), lock timeouts, a server going
// away, or a request pgx never sent.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "40"): // serialization_failure, deadlock_detected, ...
			return true
		case pgErr.Code == "55P03": // lock_not_available, FOR SHARE on a busy run row
			return true
		case pgErr.Code == "57P01", pgErr.Code == "53300": // admin_shutdown, too_many_connections
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err)
}

// Do runs fn until it succeeds, fails permanently or the attempts run out.
// Delays double from BaseDelay, are capped at MaxDelay and jittered into
// the upper half of the window.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := max(p.Attempts, 1)
	var err error
	for i := range attempts {
		if err = fn(); err == nil || !Transient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(p.backoff(i))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

func (p RetryPolicy) backoff(retry int) time.Duration {
	d := p.BaseDelay << retry
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half))) //nolint:gosec // jitter doesn't need crypto-strength randomness
}
