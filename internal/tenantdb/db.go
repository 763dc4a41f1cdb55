// Package tenantdb owns the one connection pool every tenant-scoped
// repository in this substrate goes through. No repository holds a raw
// *sql.DB or *sql.Tx outside this package; every read or write is routed
// through RLSQuery or RLSExec so the three set_config statements that
// establish row-level-security context always run first.
package tenantdb

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

const (
	maxRetries     = 10
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	pingTimeout    = 5 * time.Second
)

// Pool holds the shared *sql.DB connection pool.
type Pool struct {
	*sql.DB
}

// Open creates a new pool, retrying the initial connection with
// exponential backoff and a bounded ping per attempt.
func Open(ctx context.Context, databaseURL string) (*Pool, error) {
	var db *sql.DB
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("database connection cancelled: %w", ctx.Err())
		default:
		}

		if attempt > 0 {
			log.Printf("tenantdb: connection attempt %d/%d after error: %v", attempt+1, maxRetries, lastErr)
		}

		db, lastErr = sql.Open("postgres", databaseURL)
		if lastErr != nil {
			backoff := calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("database connection cancelled: %w", ctx.Err())
			case <-time.After(backoff):
				continue
			}
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetConnMaxIdleTime(1 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		lastErr = db.PingContext(pingCtx)
		cancel()

		if lastErr == nil {
			return &Pool{db}, nil
		}

		db.Close()

		backoff := calculateBackoff(attempt)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("database connection cancelled: %w", ctx.Err())
		case <-time.After(backoff):
			continue
		}
	}

	return nil, fmt.Errorf("tenantdb: failed to connect after %d attempts: %w", maxRetries, lastErr)
}

func calculateBackoff(attempt int) time.Duration {
	backoff := initialBackoff * time.Duration(1<<uint(attempt))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// Close closes the pool.
func (p *Pool) Close() error {
	return p.DB.Close()
}
