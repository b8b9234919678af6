package migration

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driver-state-service/logging"
)

func TestEmbeddedSource(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	r, _, err := src.ReadUp(first)
	require.NoError(t, err)
	defer r.Close()
	up, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(up), "work_status_events"))
	assert.True(t, strings.Contains(string(up), "WHERE off_at IS NULL"))

	r, _, err = src.ReadDown(first)
	require.NoError(t, err)
	r.Close()
}

type stubPinger struct {
	failures int
	calls    int
}

func (p *stubPinger) PingContext(context.Context) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
	}
	return nil
}

func quickPolicy(ctx context.Context, retries uint64) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), retries), ctx)
}

func TestWaitForRetriesUntilDatabaseAnswers(t *testing.T) {
	ctx := context.Background()
	db := &stubPinger{failures: 2}

	require.NoError(t, waitFor(ctx, db, quickPolicy(ctx, 5), logging.Discard()))
	assert.Equal(t, 3, db.calls)
}

func TestWaitForGivesUp(t *testing.T) {
	ctx := context.Background()
	db := &stubPinger{failures: 100}

	err := waitFor(ctx, db, quickPolicy(ctx, 2), logging.Discard())
	require.Error(t, err)
	assert.Equal(t, 3, db.calls)
}

func TestWaitForStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	db := &stubPinger{failures: 100}

	err := waitFor(ctx, db, connectPolicy(ctx), logging.Discard())
	require.Error(t, err)
	assert.LessOrEqual(t, db.calls, 1)
}
