// Package cron implements the mutable, removable cron registry.
// asynq ships its own *asynq.Scheduler for periodic tasks registered at
// process start, but that API cannot remove an entry once Run() starts,
// and disabling a schedule must remove its repeating registration so a
// dormant cron cannot resurrect. This package is built on robfig/cron/v3
// instead, which supports removable registration.
package cron

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"

	"github.com/aiseo-platform/orchestrator/internal/domain/entity"
	"github.com/aiseo-platform/orchestrator/internal/eventbus"
	"github.com/aiseo-platform/orchestrator/internal/logging"
	"github.com/aiseo-platform/orchestrator/internal/orchestrator"
	"github.com/aiseo-platform/orchestrator/internal/worker"
)

// FlowBuilder resolves a flow name to its DAG-template constructor, so the
// scheduler can materialise a Schedule row into a submittable DAG without
// a hardcoded switch living outside this package.
type FlowBuilder func(name string, input orchestrator.FlowInput) (*orchestrator.DAG, error)

// Scheduler keeps an in-memory map of scheduleID -> cron.EntryID guarded
// by a mutex, alongside the underlying *cron.Cron runner.
type Scheduler struct {
	db       *sql.DB
	client   *asynq.Client
	bus      *eventbus.Bus
	builder  FlowBuilder
	tenants  worker.TenantLookup
	quotaEng orchestrator.QuotaChecker
	logger   logging.Logger

	runner *cron.Cron
	mu     sync.Mutex
	byID   map[string]cron.EntryID
}

// New builds a Scheduler. The returned value's runner is not started
// until Start is called. tenants and quotaEng back the
// orchestrator.SERPTrackingFlowName special case fire() routes around
// FlowBuilder, since per-keyword admission needs a live plan lookup and
// quota check the other four templates don't.
func New(db *sql.DB, client *asynq.Client, bus *eventbus.Bus, builder FlowBuilder, tenants worker.TenantLookup, quotaEng orchestrator.QuotaChecker, logger logging.Logger) *Scheduler {
	return &Scheduler{
		db:       db,
		client:   client,
		bus:      bus,
		builder:  builder,
		tenants:  tenants,
		quotaEng: quotaEng,
		logger:   logger,
		runner:   cron.New(),
		byID:     make(map[string]cron.EntryID),
	}
}

// LoadSchedules re-registers every enabled=true row from Postgres,
// restoring in-memory state across a process restart; disabled rows are
// intentionally skipped so a dormant schedule cannot resurrect itself.
func (s *Scheduler) LoadSchedules(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, cron, timezone, flow_name, project_id, input
		FROM schedules WHERE enabled = true
	`)
	if err != nil {
		return fmt.Errorf("cron: load schedules: %w", err)
	}
	defer rows.Close()

	var loaded []entity.Schedule
	for rows.Next() {
		var sc entity.Schedule
		var inputRaw []byte
		if err := rows.Scan(&sc.ID, &sc.TenantID, &sc.Cron, &sc.Timezone, &sc.FlowName, &sc.ProjectID, &inputRaw); err != nil {
			return fmt.Errorf("cron: scan schedule: %w", err)
		}
		if len(inputRaw) > 0 {
			_ = json.Unmarshal(inputRaw, &sc.Input)
		}
		sc.Enabled = true
		loaded = append(loaded, sc)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, sc := range loaded {
		if err := s.register(sc); err != nil {
			s.logger.Error("cron: failed to register schedule on load", "schedule_id", sc.ID, "error", err)
		}
	}

	return nil
}

// RegisterSystemJob registers a process-level periodic job (e.g. backup
// snapshots) directly with the underlying cron.Cron runner, bypassing the
// tenant-scoped schedules table. spec follows the standard cron/v3 syntax,
// including the "@every 6h" shorthand. The job runs in the process's own
// timezone since it has no tenant to derive one from.
func (s *Scheduler) RegisterSystemJob(spec string, job func()) error {
	_, err := s.runner.AddFunc(spec, job)
	if err != nil {
		return fmt.Errorf("cron: register system job %q: %w", spec, err)
	}
	return nil
}

// Start begins running the underlying cron.Cron. Call after LoadSchedules.
func (s *Scheduler) Start() { s.runner.Start() }

// Stop halts the underlying cron.Cron, waiting for running jobs to
// complete.
func (s *Scheduler) Stop() { <-s.runner.Stop().Done() }

// UpsertSchedule persists sc and, if enabled, (re)registers it —
// replacing any prior registration for the same id first so a rename of
// the cron expression or timezone takes effect immediately.
func (s *Scheduler) UpsertSchedule(ctx context.Context, sc entity.Schedule) error {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}

	inputRaw, err := json.Marshal(sc.Input)
	if err != nil {
		return fmt.Errorf("cron: marshal input: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, tenant_id, cron, timezone, flow_name, project_id, input, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			cron = EXCLUDED.cron, timezone = EXCLUDED.timezone, flow_name = EXCLUDED.flow_name,
			project_id = EXCLUDED.project_id, input = EXCLUDED.input, enabled = EXCLUDED.enabled, updated_at = now()
	`, sc.ID, sc.TenantID, sc.Cron, sc.Timezone, sc.FlowName, sc.ProjectID, inputRaw, sc.Enabled)
	if err != nil {
		return fmt.Errorf("cron: upsert schedule row: %w", err)
	}

	s.unregister(sc.ID)

	if !sc.Enabled {
		return nil
	}

	return s.register(sc)
}

// RemoveSchedule deletes sc from Postgres and unregisters its cron entry
// first, so a concurrently-firing tick can never fire again after this
// call returns.
func (s *Scheduler) RemoveSchedule(ctx context.Context, scheduleID string) error {
	s.unregister(scheduleID)

	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, scheduleID)
	if err != nil {
		return fmt.Errorf("cron: delete schedule: %w", err)
	}
	return nil
}

func (s *Scheduler) register(sc entity.Schedule) error {
	loc, err := time.LoadLocation(sc.Timezone)
	if err != nil {
		return fmt.Errorf("cron: load timezone %q: %w", sc.Timezone, err)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(sc.Cron)
	if err != nil {
		return fmt.Errorf("cron: parse expression %q: %w", sc.Cron, err)
	}

	tzSchedule := cronInLocation{schedule: schedule, loc: loc}

	entryID := s.runner.Schedule(tzSchedule, cron.FuncJob(func() {
		s.fire(sc)
	}))

	s.mu.Lock()
	s.byID[sc.ID] = entryID
	s.mu.Unlock()

	return nil
}

func (s *Scheduler) unregister(scheduleID string) {
	s.mu.Lock()
	entryID, ok := s.byID[scheduleID]
	if ok {
		delete(s.byID, scheduleID)
	}
	s.mu.Unlock()

	if ok {
		s.runner.Remove(entryID)
	}
}

func (s *Scheduler) fire(sc entity.Schedule) {
	ctx := context.Background()

	if sc.FlowName == orchestrator.SERPTrackingFlowName {
		s.fireSERPTracking(ctx, sc)
		return
	}

	dag, err := s.builder(sc.FlowName, orchestrator.FlowInput{
		TenantID:  sc.TenantID,
		ProjectID: sc.ProjectID,
		Seed:      sc.Input,
		Approved:  true,
	})
	if err != nil {
		s.logger.Error("cron: flow builder failed", "schedule_id", sc.ID, "flow_name", sc.FlowName, "error", err)
		return
	}

	if err := dag.Submit(ctx, s.db, s.client); err != nil {
		s.logger.Error("cron: flow submit failed", "schedule_id", sc.ID, "error", err)
	}
}

// fireSERPTracking resolves sc's tenant and tracked keywords, then fans
// out per-keyword against the tenant's plan-aware serp_jobs quota
// instead of materialising a fixed-shape DAG up front.
func (s *Scheduler) fireSERPTracking(ctx context.Context, sc entity.Schedule) {
	tenant, err := s.tenants.GetTenant(ctx, sc.TenantID)
	if err != nil {
		s.logger.Error("cron: serp tracking tenant lookup failed", "schedule_id", sc.ID, "error", err)
		return
	}

	keywords, err := orchestrator.LoadProjectKeywords(ctx, s.db, sc.ProjectID)
	if err != nil {
		s.logger.Error("cron: serp tracking keyword lookup failed", "schedule_id", sc.ID, "error", err)
		return
	}
	if len(keywords) == 0 {
		return
	}

	input := orchestrator.FlowInput{TenantID: sc.TenantID, ProjectID: sc.ProjectID, Seed: sc.Input}
	result, err := orchestrator.SubmitSERPTracking(ctx, s.db, s.client, s.bus, s.quotaEng, tenant, input, keywords)
	if err != nil {
		s.logger.Error("cron: serp tracking submit failed", "schedule_id", sc.ID, "error", err)
		return
	}

	s.logger.Info("cron: serp tracking fired", "schedule_id", sc.ID, "enqueued", result.Enqueued, "rejected", result.Rejected)
}

// cronInLocation wraps a cron.Schedule so Next() is always computed in
// the schedule's own timezone rather than the process's local time.
type cronInLocation struct {
	schedule cron.Schedule
	loc      *time.Location
}

func (c cronInLocation) Next(t time.Time) time.Time {
	return c.schedule.Next(t.In(c.loc))
}
