package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/autocompta/internal/authctx"
	"gorm.io/gorm"
)

func TestClassifyJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: JobReasonDeadlineExceeded},
		{name: "forbidden", err: fmt.Errorf("sync: %w", authctx.ErrForbidden), want: JobReasonForbidden},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: JobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: JobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: JobReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: JobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestSyncSessionCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewJobMetrics(registry, Config{ServiceName: "autocompta", Environment: "test"})

	m.IncSyncSession("sandbox", SyncStatusSuccess)
	m.IncSyncSession("sandbox", SyncStatusSuccess)
	m.IncSyncSession("sandbox", SyncStatusFailed)
	m.ObserveSyncDuration("sandbox", 120*time.Millisecond)

	if got := testutil.ToFloat64(m.syncSessions.WithLabelValues("sandbox", SyncStatusSuccess)); got != 2 {
		t.Fatalf("expected 2 successful sessions, got %v", got)
	}
	if got := testutil.ToFloat64(m.syncSessions.WithLabelValues("sandbox", SyncStatusFailed)); got != 1 {
		t.Fatalf("expected 1 failed session, got %v", got)
	}
}
