package tenantdb

import (
	"context"
	"database/sql"
	"fmt"
)

// ErrNoTenantContext is returned when RLSQuery/RLSExec is called without a
// TenantContext having been attached via WithTenant.
var ErrNoTenantContext = fmt.Errorf("tenantdb: no tenant context in ctx")

// RLSQuery opens a transaction, establishes row-level-security context via
// set_config, runs fn, and commits on success or rolls back on error. This
// is the only sanctioned way any repository reads or writes tenant-scoped
// rows; no repository keeps a raw *sql.DB or *sql.Tx beyond
// this call.
func RLSQuery[T any](ctx context.Context, db *sql.DB, fn func(*sql.Tx) (T, error)) (T, error) {
	var zero T

	tc, ok := FromContext(ctx)
	if !ok {
		return zero, ErrNoTenantContext
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("tenantdb: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := setSessionContext(ctx, tx, tc); err != nil {
		return zero, err
	}

	result, err := fn(tx)
	if err != nil {
		return zero, err
	}

	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("tenantdb: commit: %w", err)
	}

	return result, nil
}

// RLSExec is RLSQuery's no-return-value counterpart for statements that only
// need a success/error outcome.
func RLSExec(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	_, err := RLSQuery(ctx, db, func(tx *sql.Tx) (struct{}, error) {
		return struct{}{}, fn(tx)
	})
	return err
}

func setSessionContext(ctx context.Context, tx *sql.Tx, tc TenantContext) error {
	if _, err := tx.ExecContext(ctx, `SELECT set_config('app.current_tenant_id', $1, true)`, tc.TenantID); err != nil {
		return fmt.Errorf("tenantdb: set tenant context: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT set_config('app.current_user_id', $1, true)`, tc.UserID); err != nil {
		return fmt.Errorf("tenantdb: set user context: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT set_config('app.current_role', $1, true)`, tc.Role); err != nil {
		return fmt.Errorf("tenantdb: set role context: %w", err)
	}
	return nil
}
