// Package retry bounds store calls with a per-attempt deadline and retries
// transient failures with exponential backoff.
package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/lib/pq"

	"driver-state-service/apperrors"
)

type Policy struct {
	Attempts int           // total attempts, including the first
	Initial  time.Duration // first backoff interval
	Max      time.Duration // backoff ceiling
	Timeout  time.Duration // deadline of each attempt
}

// Do runs fn until it succeeds, fails permanently, or the attempts are
// spent. Use it only for reads and idempotent writes.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	err := backoff.Retry(func() error {
		err := attempt(ctx, p.Timeout, fn)
		if err != nil && !Transient(ctx, err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	return classify(op, err)
}

// Once runs fn a single time under the attempt deadline. Writes that are
// not safe to repeat go through here.
func Once(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	return classify(op, attempt(ctx, p.Timeout, fn))
}

func attempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(actx)
}

// Transient reports whether err is worth another attempt now. Cancellation
// of the caller's own context is final.
func Transient(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() == nil && Retryable(err)
}

// Retryable reports whether err belongs to a failure class that a fresh
// attempt can clear: a dropped connection, an attempt deadline, a lost
// optimistic transaction or a store that is briefly unable to serve. Query,
// scan and constraint errors are not retryable.
func Retryable(err error) bool {
	var domain *apperrors.Error
	if errors.As(err, &domain) {
		return domain.Kind == apperrors.StoreUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, redis.TxFailedErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57": // connection, resources, operator intervention
			return true
		}
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		for _, prefix := range busyReplies {
			if strings.HasPrefix(redisErr.Error(), prefix) {
				return true
			}
		}
	}
	return false
}

// Redis error replies sent while a server is loading, failing over or
// resharding.
var busyReplies = []string{"LOADING", "BUSY", "TRYAGAIN", "MASTERDOWN", "READONLY", "CLUSTERDOWN"}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var domain *apperrors.Error
	if errors.As(err, &domain) {
		return err
	}
	if Retryable(err) {
		return apperrors.NewStoreUnavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
