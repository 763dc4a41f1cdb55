package cron

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"github.com/aiseo-platform/orchestrator/internal/domain/entity"
	"github.com/aiseo-platform/orchestrator/internal/domain/valueobject"
	"github.com/aiseo-platform/orchestrator/internal/eventbus"
	"github.com/aiseo-platform/orchestrator/internal/logging"
	"github.com/aiseo-platform/orchestrator/internal/orchestrator"
	"github.com/aiseo-platform/orchestrator/internal/quota"
)

type fakeTenantLookup struct{}

func (fakeTenantLookup) GetTenant(_ context.Context, tenantID string) (*entity.Tenant, error) {
	return &entity.Tenant{ID: tenantID, Plan: valueobject.PlanStarter}, nil
}

type fakeQuotaChecker struct{}

func (fakeQuotaChecker) CheckAndIncrement(_ context.Context, _ string, _ valueobject.QuotaKind, _, _ int64) (quota.Result, error) {
	return quota.Result{OK: true, Current: 1}, nil
}

func (fakeQuotaChecker) CurrentUsage(_ context.Context, _ string, _ valueobject.QuotaKind) (int64, error) {
	return 0, nil
}

func (fakeQuotaChecker) CheckMonthlyAlertGate(_ context.Context, _ *sql.Tx, _, _ string) (bool, error) {
	return true, nil
}

func newTestScheduler(t *testing.T) (*Scheduler, sqlmock.Sqlmock, func()) {
	t.Helper()

	mr := miniredis.RunT(t)
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := eventbus.New(redisClient, logging.Nop())

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	builder := func(name string, input orchestrator.FlowInput) (*orchestrator.DAG, error) {
		return orchestrator.LocalSEOOptimization(input)
	}

	s := New(db, asynqClient, bus, builder, fakeTenantLookup{}, fakeQuotaChecker{}, logging.Nop())

	cleanup := func() {
		asynqClient.Close()
		db.Close()
	}

	return s, mock, cleanup
}

func TestUpsertSchedule_EnabledRegistersCronEntry(t *testing.T) {
	s, mock, cleanup := newTestScheduler(t)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO schedules`).WillReturnResult(sqlmock.NewResult(1, 1))

	sc := entity.Schedule{
		ID:       "sched-1",
		TenantID: "tenant-1",
		Cron:     "*/5 * * * *",
		Timezone: "UTC",
		FlowName: "local-seo-optimization",
		Enabled:  true,
	}

	require.NoError(t, s.UpsertSchedule(context.Background(), sc))
	require.NoError(t, mock.ExpectationsWereMet())

	s.mu.Lock()
	_, ok := s.byID[sc.ID]
	s.mu.Unlock()
	require.True(t, ok, "enabled schedule must be registered with the cron runner")
}

func TestUpsertSchedule_DisabledDoesNotRegister(t *testing.T) {
	s, mock, cleanup := newTestScheduler(t)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO schedules`).WillReturnResult(sqlmock.NewResult(1, 1))

	sc := entity.Schedule{
		ID:       "sched-2",
		TenantID: "tenant-1",
		Cron:     "*/5 * * * *",
		Timezone: "UTC",
		FlowName: "local-seo-optimization",
		Enabled:  false,
	}

	require.NoError(t, s.UpsertSchedule(context.Background(), sc))
	require.NoError(t, mock.ExpectationsWereMet())

	s.mu.Lock()
	_, ok := s.byID[sc.ID]
	s.mu.Unlock()
	require.False(t, ok)
}

func TestUpsertSchedule_DisablingRemovesExistingRegistration(t *testing.T) {
	s, mock, cleanup := newTestScheduler(t)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO schedules`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO schedules`).WillReturnResult(sqlmock.NewResult(1, 1))

	sc := entity.Schedule{
		ID:       "sched-3",
		TenantID: "tenant-1",
		Cron:     "*/5 * * * *",
		Timezone: "UTC",
		FlowName: "local-seo-optimization",
		Enabled:  true,
	}
	require.NoError(t, s.UpsertSchedule(context.Background(), sc))

	s.mu.Lock()
	_, ok := s.byID[sc.ID]
	s.mu.Unlock()
	require.True(t, ok)

	sc.Enabled = false
	require.NoError(t, s.UpsertSchedule(context.Background(), sc))

	s.mu.Lock()
	_, ok = s.byID[sc.ID]
	s.mu.Unlock()
	require.False(t, ok, "disabling must remove the repeating registration, not just skip firing")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveSchedule_UnregistersBeforeDeleting(t *testing.T) {
	s, mock, cleanup := newTestScheduler(t)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO schedules`).WillReturnResult(sqlmock.NewResult(1, 1))

	sc := entity.Schedule{
		ID:       "sched-4",
		TenantID: "tenant-1",
		Cron:     "*/5 * * * *",
		Timezone: "UTC",
		FlowName: "local-seo-optimization",
		Enabled:  true,
	}
	require.NoError(t, s.UpsertSchedule(context.Background(), sc))

	mock.ExpectExec(`DELETE FROM schedules`).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.RemoveSchedule(context.Background(), sc.ID))
	require.NoError(t, mock.ExpectationsWereMet())

	s.mu.Lock()
	_, ok := s.byID[sc.ID]
	s.mu.Unlock()
	require.False(t, ok)
}

func TestRegisterSystemJob_AddsEntryWithoutTenantContext(t *testing.T) {
	s, _, cleanup := newTestScheduler(t)
	defer cleanup()

	require.NoError(t, s.RegisterSystemJob("@every 6h", func() {}))
	require.Len(t, s.runner.Entries(), 1)
}

func TestRegisterSystemJob_RejectsMalformedSpec(t *testing.T) {
	s, _, cleanup := newTestScheduler(t)
	defer cleanup()

	require.Error(t, s.RegisterSystemJob("not-a-valid-spec", func() {}))
}

func TestCronInLocation_NextUsesScheduleTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse("0 9 * * *")
	require.NoError(t, err)

	wrapped := cronInLocation{schedule: schedule, loc: loc}

	// Noon UTC is 8am in New York in July (EDT, UTC-4), so the next 9am
	// New York fire is the same calendar day at 13:00 UTC.
	from := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	next := wrapped.Next(from)

	nextInNY := next.In(loc)
	require.Equal(t, 9, nextInNY.Hour())
	require.Equal(t, 31, nextInNY.Day())
}
