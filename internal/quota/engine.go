// Package quota implements the hot-path (Redis) and durable (Postgres)
// quota counters. The hot path fails open: a Redis
// outage never blocks an agent invocation, it only loses strict
// enforcement for the outage's duration, a deliberate
// availability-over-strict-caps tradeoff.
package quota

import (
	"context"
	_ "embed"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aiseo-platform/orchestrator/internal/apperror"
	"github.com/aiseo-platform/orchestrator/internal/domain/valueobject"
	"github.com/aiseo-platform/orchestrator/internal/logging"
)

//go:embed script.lua
var incrementScript string

// Engine enforces per-tenant, per-kind monthly quotas.
type Engine struct {
	redis   *redis.Client
	db      *sql.DB
	logger  logging.Logger
	script  *redis.Script
	syncing atomic.Bool
}

// New builds an Engine.
func New(redisClient *redis.Client, db *sql.DB, logger logging.Logger) *Engine {
	return &Engine{
		redis:  redisClient,
		db:     db,
		logger: logger,
		script: redis.NewScript(incrementScript),
	}
}

// Result is the outcome of a CheckAndIncrement call.
type Result struct {
	OK      bool
	Current int64
}

func redisKey(tenantID string, kind valueobject.QuotaKind) string {
	period := time.Now().UTC().Format("2006-01")
	return fmt.Sprintf("quota:%s:%s:%s", tenantID, period, kind)
}

// secondsUntilMonthEnd is the TTL applied to a quota key so a stale key
// from a prior month never blocks the next month's usage even if the
// hourly sync job is down.
func secondsUntilMonthEnd(now time.Time) int64 {
	firstOfNextMonth := time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	return int64(firstOfNextMonth.Sub(now).Seconds()) + 3600
}

// CheckAndIncrement atomically checks delta against limit and, if it would
// not exceed it, increments. limit == 0 means unlimited. delta == 0 is a
// no-op that never round-trips to Redis.
func (e *Engine) CheckAndIncrement(ctx context.Context, tenantID string, kind valueobject.QuotaKind, delta, limit int64) (Result, error) {
	if delta == 0 {
		return Result{OK: true}, nil
	}

	key := redisKey(tenantID, kind)
	ttl := secondsUntilMonthEnd(time.Now())

	res, err := e.script.Run(ctx, e.redis, []string{key}, delta, limit, ttl).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Result{OK: true}, nil
		}
		e.logger.Warn("quota: redis unavailable, failing open", "error", err, "tenant_id", tenantID, "kind", string(kind))
		return Result{OK: true, Current: 0}, nil
	}

	arr, ok := res.([]any)
	if !ok || len(arr) != 2 {
		return Result{}, fmt.Errorf("quota: unexpected script result shape: %#v", res)
	}

	ok1, _ := arr[0].(int64)
	current, _ := arr[1].(int64)

	if ok1 == 0 {
		return Result{OK: false, Current: current}, &apperror.QuotaExceeded{
			Kind:      string(kind),
			Period:    time.Now().UTC().Format("2006-01"),
			Limit:     limit,
			Current:   current,
			Requested: delta,
		}
	}

	return Result{OK: true, Current: current}, nil
}

// CurrentUsage reads the counter's present value without incrementing,
// used to report pre-call usage when a batch is partially rejected. Fails
// open like CheckAndIncrement: a Redis outage reads as zero usage.
func (e *Engine) CurrentUsage(ctx context.Context, tenantID string, kind valueobject.QuotaKind) (int64, error) {
	val, err := e.redis.Get(ctx, redisKey(tenantID, kind)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		e.logger.Warn("quota: redis unavailable, reading usage as zero", "error", err, "tenant_id", tenantID, "kind", string(kind))
		return 0, nil
	}
	return val, nil
}

// CheckKeywordCount enforces the durable (non-Redis-mirrored) keyword
// quota directly against Postgres, since bulk keyword inserts are never
// frequent enough to warrant a hot-path cache.
func (e *Engine) CheckKeywordCount(ctx context.Context, tx *sql.Tx, projectID string, requested, limit int64) (allowed int64, truncated bool, err error) {
	if limit == 0 {
		return requested, false, nil
	}

	var current int64
	err = tx.QueryRowContext(ctx, `
		SELECT count(*) FROM keywords k JOIN projects p ON p.id = k.project_id
		WHERE p.id = $1
	`, projectID).Scan(&current)
	if err != nil {
		return 0, false, fmt.Errorf("quota: count keywords: %w", err)
	}

	remaining := limit - current
	if remaining <= 0 {
		return 0, true, nil
	}
	if requested > remaining {
		return remaining, true, nil
	}
	return requested, false, nil
}

// SyncToDurable scans quota:* keys (never KEYS, to avoid blocking Redis)
// and upserts GREATEST(existing, redis) into tenant_usage, one transaction
// per quota key. A running-flag suppresses concurrent sweeps if the previous
// sync is still in flight when the next scheduled tick fires.
func (e *Engine) SyncToDurable(ctx context.Context) error {
	if !e.syncing.CompareAndSwap(false, true) {
		e.logger.Debug("quota: sync already running, skipping tick")
		return nil
	}
	defer e.syncing.Store(false)

	var cursor uint64
	period := time.Now().UTC().Format("2006-01")

	for {
		keys, next, err := e.redis.Scan(ctx, cursor, "quota:*", 200).Result()
		if err != nil {
			return fmt.Errorf("quota: scan: %w", err)
		}

		for _, key := range keys {
			if err := e.syncOne(ctx, key, period); err != nil {
				e.logger.Error("quota: sync key failed", "key", key, "error", err)
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return nil
}

func (e *Engine) syncOne(ctx context.Context, key, period string) error {
	val, err := e.redis.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	tenantID, kind, ok := parseQuotaKey(key)
	if !ok {
		return nil
	}

	column := columnForKind(kind)
	if column == "" {
		return nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO tenant_usage (tenant_id, period, %s)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, period) DO UPDATE SET %s = GREATEST(tenant_usage.%s, EXCLUDED.%s)
	`, column, column, column, column), tenantID, period, val)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func columnForKind(kind valueobject.QuotaKind) string {
	switch kind {
	case valueobject.QuotaAPICalls:
		return "api_calls"
	case valueobject.QuotaSERPJobs:
		return "serp_jobs"
	case valueobject.QuotaCrawlJobs:
		return "crawl_jobs"
	default:
		return ""
	}
}

func parseQuotaKey(key string) (tenantID string, kind valueobject.QuotaKind, ok bool) {
	// quota:<tenantId>:<period>:<kind>
	const prefix = "quota:"
	if len(key) <= len(prefix) {
		return "", "", false
	}
	rest := key[len(prefix):]

	var parts []string
	start := 0
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' {
			parts = append(parts, rest[start:i])
			start = i + 1
		}
	}
	parts = append(parts, rest[start:])
	if len(parts) != 3 {
		return "", "", false
	}
	return parts[0], valueobject.QuotaKind(parts[2]), true
}

// CheckMonthlyAlertGate reports whether a quota.exceeded event should fire
// this hour for tenantID, atomically claiming the hour via a conditional
// upsert so concurrent workers never double-fire. The insert arm covers a
// tenant whose tenant_usage row has not been created by the durable sync
// yet; the conditional update arm suppresses a second alert within the
// hour.
func (e *Engine) CheckMonthlyAlertGate(ctx context.Context, tx *sql.Tx, tenantID, period string) (shouldAlert bool, err error) {
	row := tx.QueryRowContext(ctx, `
		INSERT INTO tenant_usage (tenant_id, period, last_alert_at)
		VALUES ($1, $2, now())
		ON CONFLICT (tenant_id, period) DO UPDATE SET last_alert_at = now()
		WHERE tenant_usage.last_alert_at IS NULL OR tenant_usage.last_alert_at < now() - interval '1 hour'
		RETURNING tenant_id
	`, tenantID, period)

	var returned string
	switch err := row.Scan(&returned); {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, fmt.Errorf("quota: alert gate: %w", err)
	}
}
