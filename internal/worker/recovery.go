package worker

import (
	"context"
	"database/sql"
	"time"

	"github.com/ignite/newsletter-service/internal/config"
	"github.com/ignite/newsletter-service/internal/pkg/logger"
)

// RecoverySweeper reclaims delivery tasks abandoned mid-processing. If a
// worker crashes after claiming a task, the row stays in 'processing' forever
// unless something notices. The sweeper counts a reclaimed abandonment as an
// attempt, so a task that repeatedly kills its worker still hits the retry
// ceiling.
type RecoverySweeper struct {
	db         *sql.DB
	interval   time.Duration
	staleAge   time.Duration
	maxRetries int
}

// NewRecoverySweeper builds a sweeper from the worker config section.
func NewRecoverySweeper(db *sql.DB, cfg config.WorkerConfig) *RecoverySweeper {
	return &RecoverySweeper{
		db:         db,
		interval:   cfg.RecoveryInterval(),
		staleAge:   cfg.StaleAge(),
		maxRetries: cfg.MaxRetries,
	}
}

// Start runs the sweep loop. It blocks until ctx is cancelled.
func (rs *RecoverySweeper) Start(ctx context.Context) {
	logger.Info("recovery sweeper starting",
		"interval", rs.interval.String(),
		"stale_age", rs.staleAge.String(),
		"max_retries", rs.maxRetries)

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("recovery sweeper stopping")
			return
		case <-ticker.C:
			rs.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs a single recovery pass: stale claims under the retry
// ceiling go back to the queue, the rest are retired permanently.
func (rs *RecoverySweeper) SweepOnce(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := rs.db.ExecContext(queryCtx, `
		UPDATE delivery_tasks
		SET status = 'queued',
		    worker_id = NULL,
		    claimed_at = NULL,
		    n_retries = n_retries + 1,
		    error_message = 'reclaimed from crashed worker'
		WHERE status = 'processing'
		  AND claimed_at < NOW() - $1::interval
		  AND n_retries + 1 < $2
	`, rs.staleAge.String(), rs.maxRetries)
	if err != nil {
		logger.Error("recovery requeue error", "error", err.Error())
	} else if n, _ := res.RowsAffected(); n > 0 {
		logger.Info("requeued abandoned delivery tasks", "count", n)
	}

	res, err = rs.db.ExecContext(queryCtx, `
		UPDATE delivery_tasks
		SET status = 'failed_permanent',
		    worker_id = NULL,
		    claimed_at = NULL,
		    n_retries = n_retries + 1,
		    error_message = 'abandoned after retry limit'
		WHERE status = 'processing'
		  AND claimed_at < NOW() - $1::interval
		  AND n_retries + 1 >= $2
	`, rs.staleAge.String(), rs.maxRetries)
	if err != nil {
		logger.Error("recovery retire error", "error", err.Error())
	} else if n, _ := res.RowsAffected(); n > 0 {
		logger.Warn("retired abandoned delivery tasks", "count", n)
	}
}
