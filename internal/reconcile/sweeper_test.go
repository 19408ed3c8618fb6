package reconcile

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"importq/internal/constants"
	"importq/internal/lock"
	"importq/internal/models"
	"importq/internal/state"
	"importq/internal/status"
	"importq/internal/store"
)

func TestSweeper_SweepMarksExpiredJobs(t *testing.T) {
	s := store.NewMemoryJobStore(10)
	ctx := context.Background()

	old := time.Now().Add(-400 * time.Second)
	_, err := s.Upsert(ctx, &models.JobRecord{
		JobID:           "stale-running",
		Status:          state.StatusRunning,
		StartedAt:       &old,
		LastHeartbeatAt: &old,
	})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, &models.JobRecord{JobID: "fresh-queued", Status: state.StatusQueued})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, &models.JobRecord{JobID: "done", Status: state.StatusComplete})
	require.NoError(t, err)

	driver := status.NewDriver(s, nil, 330*time.Second, 300*time.Second)
	sweeper := NewSweeper(s, driver, nil, time.Minute)

	sweeper.Sweep(ctx)

	stale, _ := s.Get(ctx, "stale-running")
	assert.Equal(t, state.StatusError, stale.Status)
	require.NotNil(t, stale.LastError)
	assert.Equal(t, "stalled_worker", stale.LastError.Code)

	fresh, _ := s.Get(ctx, "fresh-queued")
	assert.Equal(t, state.StatusQueued, fresh.Status)

	done, _ := s.Get(ctx, "done")
	assert.Equal(t, state.StatusComplete, done.Status)
	assert.Nil(t, done.LastError)
}

func TestSweeper_SweepTakesDistributedLock(t *testing.T) {
	dbConn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer dbConn.Close()

	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_lock($1)")).
		WithArgs(constants.SweepLock).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
		WithArgs(constants.SweepLock).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := store.NewMemoryJobStore(10)
	driver := status.NewDriver(s, nil, 330*time.Second, 300*time.Second)
	sweeper := NewSweeper(s, driver, lock.NewPostgresDistributedLockManager(dbConn), time.Minute)

	sweeper.Sweep(context.Background())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweeper_StartAndStop(t *testing.T) {
	s := store.NewMemoryJobStore(10)
	driver := status.NewDriver(s, nil, 330*time.Second, 300*time.Second)
	sweeper := NewSweeper(s, driver, nil, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sweeper.Start(ctx))
	sweeper.Stop()
}
