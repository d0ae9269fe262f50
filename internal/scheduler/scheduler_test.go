package scheduler

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisproxy/backend/internal/audit"
	"github.com/aegisproxy/backend/internal/hitl"
	"github.com/aegisproxy/backend/internal/infra"
	"github.com/aegisproxy/backend/internal/metrics"
)

var schedNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

func newMockDB(t *testing.T) (sqlmock.Sqlmock, *audit.Service, *hitl.Gateway) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	trail := audit.NewService(db, infra.NewMemoryStore())
	gateway := hitl.NewGateway(db, nil).WithClock(func() time.Time { return schedNow })
	return mock, trail, gateway
}

// ============================================================
// CYCLES
// ============================================================

func TestFlushCycleCountsSkippedOnEmptyBuffer(t *testing.T) {
	_, trail, _ := newMockDB(t)
	m := metrics.New(prometheus.NewRegistry())
	s := New(trail, nil, nil, nil, nil, m, Intervals{})

	s.flushAudit(context.Background())

	assert.Equal(t, float64(1), testutil.ToFloat64(m.AuditFlushes.WithLabelValues("skipped")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.AuditBufferDepth))
}

func TestExpireCycleRecordsExpiredCount(t *testing.T) {
	mock, _, gateway := newMockDB(t)
	m := metrics.New(prometheus.NewRegistry())
	s := New(nil, gateway, nil, nil, nil, m, Intervals{})

	mock.ExpectExec(regexp.QuoteMeta(
		`UPDATE hitl_requests SET status = 'expired' WHERE status = 'pending' AND expires_at <= $1`)).
		WithArgs(schedNow).
		WillReturnResult(sqlmock.NewResult(0, 3))

	s.expireHITL(context.Background())

	assert.Equal(t, float64(3), testutil.ToFloat64(m.HITLRequests.WithLabelValues("expired")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireCycleQuietWhenNothingStale(t *testing.T) {
	mock, _, gateway := newMockDB(t)
	m := metrics.New(prometheus.NewRegistry())
	s := New(nil, gateway, nil, nil, nil, m, Intervals{})

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE hitl_requests SET status = 'expired'`)).
		WithArgs(schedNow).
		WillReturnResult(sqlmock.NewResult(0, 0))

	s.expireHITL(context.Background())

	assert.Equal(t, float64(0), testutil.ToFloat64(m.HITLRequests.WithLabelValues("expired")))
}

// ============================================================
// LIFECYCLE
// ============================================================

func TestStopRunsFinalFlush(t *testing.T) {
	_, trail, _ := newMockDB(t)
	s := New(trail, nil, nil, nil, nil, nil, Intervals{})
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Empty buffer: the final flush is a no-op but must not hang or
	// touch the database.
	s.Stop(ctx)
}

func TestIntervalDefaults(t *testing.T) {
	s := New(nil, nil, nil, nil, nil, nil, Intervals{})
	assert.Equal(t, defaultFlushEvery, s.iv.AuditFlush)
	assert.Equal(t, defaultExpiryEvery, s.iv.HITLExpiry)
	assert.Equal(t, defaultProfilesEvery, s.iv.Profiles)
	assert.Equal(t, defaultRotationEvery, s.iv.RotationSweep)
}
