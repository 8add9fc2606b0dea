package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/newsletter-service/internal/config"
	"github.com/ignite/newsletter-service/internal/email"
	"github.com/ignite/newsletter-service/internal/pkg/logger"
	"github.com/ignite/newsletter-service/internal/subscriber"
)

// DeliveryWorkerPool drains the delivery_tasks queue. Each worker claims a
// batch of queued tasks, renders the issue for each subscriber, and hands the
// result to the email transport. Claims use FOR UPDATE SKIP LOCKED so pools
// on different hosts never fight over the same row.
type DeliveryWorkerPool struct {
	db           *sql.DB
	workerID     string
	numWorkers   int
	batchSize    int
	pollInterval time.Duration
	maxRetries   int

	sender    email.Sender
	templates *email.TemplateService
	limiter   *RateLimiter // optional

	totalSent    int64
	totalFailed  int64
	totalSkipped int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// deliveryItem is a claimed task joined with the subscriber and issue rows it
// points at, everything a worker needs to build the outgoing message.
type deliveryItem struct {
	IssueID        uuid.UUID
	SubscriberID   uuid.UUID
	Email          string
	SubscriberName string
	Title          string
	HTMLContent    string
	TextContent    string
	NRetries       int
}

// NewDeliveryWorkerPool builds a pool from the worker section of the config.
func NewDeliveryWorkerPool(db *sql.DB, cfg config.WorkerConfig, sender email.Sender, templates *email.TemplateService) *DeliveryWorkerPool {
	return &DeliveryWorkerPool{
		db:           db,
		workerID:     fmt.Sprintf("delivery-%s", uuid.New().String()[:8]),
		numWorkers:   cfg.NumWorkers,
		batchSize:    cfg.BatchSize,
		pollInterval: cfg.PollInterval(),
		maxRetries:   cfg.MaxRetries,
		sender:       sender,
		templates:    templates,
	}
}

// SetRateLimiter attaches an outbound send limiter. Without one the pool
// sends as fast as the transport allows.
func (p *DeliveryWorkerPool) SetRateLimiter(rl *RateLimiter) {
	p.limiter = rl
}

// WorkerID returns the identity stamped onto claimed rows.
func (p *DeliveryWorkerPool) WorkerID() string { return p.workerID }

// Start launches the worker goroutines. Safe to call once; repeated calls
// are no-ops until Stop.
func (p *DeliveryWorkerPool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	logger.Info("delivery pool starting",
		"worker_id", p.workerID, "workers", p.numWorkers, "batch_size", p.batchSize)

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop cancels the workers and waits for in-flight tasks to finish.
func (p *DeliveryWorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	logger.Info("delivery pool stopped",
		"worker_id", p.workerID,
		"total_sent", atomic.LoadInt64(&p.totalSent),
		"total_failed", atomic.LoadInt64(&p.totalFailed),
		"total_skipped", atomic.LoadInt64(&p.totalSkipped))
}

// Stats reports cumulative counters for the pool's lifetime.
func (p *DeliveryWorkerPool) Stats() map[string]int64 {
	return map[string]int64{
		"total_sent":    atomic.LoadInt64(&p.totalSent),
		"total_failed":  atomic.LoadInt64(&p.totalFailed),
		"total_skipped": atomic.LoadInt64(&p.totalSkipped),
	}
}

func (p *DeliveryWorkerPool) worker(workerNum int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
			n, err := p.RunOnce(p.ctx)
			if err != nil {
				if errors.Is(err, ErrDailyLimitExceeded) {
					// Nothing will fit until the window rolls over.
					logger.Warn("daily send budget spent, backing off", "worker", workerNum)
					p.sleep(time.Minute)
				} else {
					logger.Error("delivery batch error", "worker", workerNum, "error", err.Error())
					p.sleep(time.Second)
				}
				continue
			}
			if n == 0 {
				p.sleep(p.pollInterval)
			}
		}
	}
}

func (p *DeliveryWorkerPool) sleep(d time.Duration) {
	select {
	case <-p.ctx.Done():
	case <-time.After(d):
	}
}

// RunOnce claims one batch and processes it to completion, returning the
// number of tasks handled. Zero with a nil error means the queue was empty.
func (p *DeliveryWorkerPool) RunOnce(ctx context.Context) (int, error) {
	items, err := p.claimBatch(ctx)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	if p.limiter != nil {
		if err := p.waitForBudget(ctx, len(items)); err != nil {
			// No attempt was made, so the tasks keep their full retry
			// budget. Hand the claims back for a later cycle.
			p.releaseClaims(ctx, items)
			return 0, err
		}
	}

	for _, item := range items {
		p.processItem(ctx, item)
	}
	return len(items), nil
}

// claimBatch atomically flips a batch of queued tasks to processing and
// returns them joined with their subscriber and issue content. Rows another
// pool holds a lock on are skipped, not waited for.
func (p *DeliveryWorkerPool) claimBatch(ctx context.Context) ([]deliveryItem, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := p.db.QueryContext(queryCtx, `
		WITH claimed AS (
			UPDATE delivery_tasks
			SET status = 'processing',
			    worker_id = $1,
			    claimed_at = NOW()
			WHERE (issue_id, subscriber_id) IN (
				SELECT t.issue_id, t.subscriber_id
				FROM delivery_tasks t
				WHERE t.status = 'queued'
				ORDER BY t.issue_id, t.subscriber_id
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING issue_id, subscriber_id, n_retries
		)
		SELECT
			c.issue_id,
			c.subscriber_id,
			s.email,
			COALESCE(s.name, ''),
			i.title,
			i.html_content,
			i.text_content,
			c.n_retries
		FROM claimed c
		JOIN subscribers s ON s.id = c.subscriber_id
		JOIN newsletter_issues i ON i.id = c.issue_id
	`, p.workerID, p.batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim delivery batch: %w", err)
	}
	defer rows.Close()

	var items []deliveryItem
	for rows.Next() {
		var item deliveryItem
		if err := rows.Scan(
			&item.IssueID,
			&item.SubscriberID,
			&item.Email,
			&item.SubscriberName,
			&item.Title,
			&item.HTMLContent,
			&item.TextContent,
			&item.NRetries,
		); err != nil {
			return nil, fmt.Errorf("scan claimed task: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// processItem delivers one task. Send failures requeue the task until the
// retry ceiling moves it to failed_permanent; a corrupt stored email is not
// retryable and is skipped outright.
func (p *DeliveryWorkerPool) processItem(ctx context.Context, item deliveryItem) {
	// State transitions get their own context. A send that dies with its
	// context must still be recorded, or the row sits in processing until
	// the sweeper finds it and the error message is lost.
	markCtx, cancelMark := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelMark()

	if _, err := subscriber.ValidateEmail(item.Email); err != nil {
		// A row written before validation tightened. Retrying cannot fix it.
		logger.Warn("skipping task with invalid stored email",
			"issue_id", item.IssueID, "subscriber_email", item.Email)
		atomic.AddInt64(&p.totalSkipped, 1)
		p.markSkipped(markCtx, item, "invalid stored email")
		return
	}

	msg, err := p.templates.NewsletterEmail(
		item.Title, item.HTMLContent, item.TextContent, item.SubscriberName, item.Email)
	if err != nil {
		logger.Error("issue template render failed",
			"issue_id", item.IssueID, "error", err.Error())
		atomic.AddInt64(&p.totalFailed, 1)
		p.markFailed(markCtx, item, "template render: "+err.Error())
		return
	}

	sendCtx, cancelSend := context.WithTimeout(ctx, 30*time.Second)
	defer cancelSend()
	if _, err := p.sender.Send(sendCtx, msg); err != nil {
		logger.Error("issue delivery failed",
			"issue_id", item.IssueID,
			"subscriber_email", item.Email,
			"attempt", item.NRetries+1,
			"error", err.Error())
		atomic.AddInt64(&p.totalFailed, 1)
		p.markFailed(markCtx, item, err.Error())
		return
	}

	atomic.AddInt64(&p.totalSent, 1)
	if err := p.markDone(markCtx, item); err != nil {
		logger.Error("mark done failed", "issue_id", item.IssueID, "error", err.Error())
	}
}

// releaseClaims returns unattempted tasks to the queue. Unlike markFailed it
// leaves n_retries alone: a task that was never handed to the transport has
// not spent an attempt.
func (p *DeliveryWorkerPool) releaseClaims(ctx context.Context, items []deliveryItem) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	for _, item := range items {
		_, err := p.db.ExecContext(relCtx, `
			UPDATE delivery_tasks
			SET status = 'queued', worker_id = NULL, claimed_at = NULL
			WHERE issue_id = $1 AND subscriber_id = $2
			  AND worker_id = $3 AND status = 'processing'
		`, item.IssueID, item.SubscriberID, p.workerID)
		if err != nil {
			logger.Error("release claim error", "issue_id", item.IssueID, "error", err.Error())
		}
	}
}

// Every transition below is fenced on worker_id and status so a stalled
// worker cannot clobber a row the sweeper already requeued and another
// worker re-claimed.

func (p *DeliveryWorkerPool) markDone(ctx context.Context, item deliveryItem) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE delivery_tasks
		SET status = 'done', last_attempted_at = NOW(), error_message = NULL
		WHERE issue_id = $1 AND subscriber_id = $2
		  AND worker_id = $3 AND status = 'processing'
	`, item.IssueID, item.SubscriberID, p.workerID)
	return err
}

// markFailed records a failed attempt. The status decision lives inside the
// UPDATE so two observers of the same row cannot disagree about whether the
// ceiling was reached.
func (p *DeliveryWorkerPool) markFailed(ctx context.Context, item deliveryItem, errMsg string) {
	_, err := p.db.ExecContext(ctx, `
		UPDATE delivery_tasks
		SET status = CASE WHEN n_retries + 1 >= $3 THEN 'failed_permanent' ELSE 'queued' END,
		    n_retries = n_retries + 1,
		    last_attempted_at = NOW(),
		    claimed_at = NULL,
		    worker_id = NULL,
		    error_message = $4
		WHERE issue_id = $1 AND subscriber_id = $2
		  AND worker_id = $5 AND status = 'processing'
	`, item.IssueID, item.SubscriberID, p.maxRetries, errMsg, p.workerID)
	if err != nil {
		logger.Error("mark failed error", "issue_id", item.IssueID, "error", err.Error())
	}
}

func (p *DeliveryWorkerPool) markSkipped(ctx context.Context, item deliveryItem, reason string) {
	_, err := p.db.ExecContext(ctx, `
		UPDATE delivery_tasks
		SET status = 'failed_permanent', last_attempted_at = NOW(), error_message = $3
		WHERE issue_id = $1 AND subscriber_id = $2
		  AND worker_id = $4 AND status = 'processing'
	`, item.IssueID, item.SubscriberID, reason, p.workerID)
	if err != nil {
		logger.Error("mark skipped error", "issue_id", item.IssueID, "error", err.Error())
	}
}

// waitForBudget blocks until the limiter grants n sends or ctx ends.
func (p *DeliveryWorkerPool) waitForBudget(ctx context.Context, n int) error {
	for {
		allowed, wait, err := p.limiter.CheckAndIncrement(ctx, n)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
