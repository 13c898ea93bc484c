package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"supply-orders/internal/models"
	"supply-orders/internal/util"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Trigger names what woke the coordinator.
type Trigger string

const (
	TriggerStartup      Trigger = "startup"
	TriggerConnectivity Trigger = "connectivity"
	TriggerBackground   Trigger = "background"
	TriggerManual       Trigger = "manual"
	TriggerRetry        Trigger = "retry"
)

var (
	// ErrDrainInProgress is returned when a drain is already running in this process.
	ErrDrainInProgress = errors.New("sync drain already in progress")
	// ErrLeaseHeld is returned when another process holds the drain lease.
	ErrLeaseHeld = errors.New("drain lease held by another process")
)

// Queue is the durable pending-order queue as seen by a drain.
type Queue interface {
	ListPending(ctx context.Context) ([]*models.PendingOrder, error)
	Remove(ctx context.Context, localID int64) error
	RecordFailure(ctx context.Context, localID int64, cause error) (int, error)
	MarkForReconciliation(ctx context.Context, localID int64, reason string) error
	AcquireLease(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, owner string) error
}

// Submitter creates orders remotely.
type Submitter interface {
	Submit(ctx context.Context, req *models.OrderRequest) (*models.Order, error)
}

// Options tunes the coordinator. Zero fields take the defaults.
type Options struct {
	MaxAttempts        int
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	LeaseTTL           time.Duration
	SubmitTimeout      time.Duration
	BackgroundInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = time.Minute
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 30 * time.Second
	}
	if o.BackgroundInterval <= 0 {
		o.BackgroundInterval = time.Minute
	}
	return o
}

// DrainResult summarizes one pass over the queue.
type DrainResult struct {
	Synced         int
	Failed         int
	Flagged        int
	Skipped        int
	RetryScheduled bool
}

// Coordinator drains the pending-order queue through the submission service.
// Entries are submitted one at a time in queue order.
type Coordinator struct {
	queue     Queue
	submitter Submitter
	owner     string
	opts      Options

	draining atomic.Bool
	wake     chan Trigger

	mu         sync.Mutex
	backoff    *backoff.ExponentialBackOff
	retryTimer *time.Timer
	onSynced   func(localID int64, order *models.Order)

	logger *zap.Logger
}

// New creates a coordinator. owner identifies this process in the drain lease.
func New(queue Queue, submitter Submitter, owner string, opts Options) *Coordinator {
	opts = opts.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialBackoff
	b.MaxInterval = opts.MaxBackoff

	return &Coordinator{
		queue:     queue,
		submitter: submitter,
		owner:     owner,
		opts:      opts,
		wake:      make(chan Trigger, 1),
		backoff:   b,
		logger:    util.Named("sync").With(zap.String("owner", owner)),
	}
}

// OnSynced registers a callback run after a queued order is created remotely
// and removed from the queue.
func (c *Coordinator) OnSynced(fn func(localID int64, order *models.Order)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSynced = fn
}

// Trigger asks Run to drain. Triggers arriving while one is already waiting
// are merged.
func (c *Coordinator) Trigger(t Trigger) {
	select {
	case c.wake <- t:
	default:
	}
}

// Run drains once at startup and then on every trigger and background tick
// until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.BackgroundInterval)
	defer ticker.Stop()
	defer c.Stop()

	c.logger.Info("Starting sync coordinator",
		zap.Int("max_attempts", c.opts.MaxAttempts),
		zap.Duration("background_interval", c.opts.BackgroundInterval))

	c.runDrain(ctx, TriggerStartup)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-c.wake:
			c.runDrain(ctx, t)
		case <-ticker.C:
			c.runDrain(ctx, TriggerBackground)
		}
	}
}

// Stop cancels a scheduled retry.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Coordinator) runDrain(ctx context.Context, t Trigger) {
	result, err := c.Drain(ctx, t)
	switch {
	case errors.Is(err, ErrDrainInProgress), errors.Is(err, ErrLeaseHeld):
		c.logger.Debug("Drain skipped", zap.String("trigger", string(t)), zap.Error(err))
	case err != nil:
		c.logger.Error("Drain failed", zap.String("trigger", string(t)), zap.Error(err))
	case result.Synced+result.Failed+result.Flagged > 0:
		c.logger.Info("Drain finished",
			zap.String("trigger", string(t)),
			zap.Int("synced", result.Synced),
			zap.Int("failed", result.Failed),
			zap.Int("flagged", result.Flagged),
			zap.Int("skipped", result.Skipped),
			zap.Bool("retry_scheduled", result.RetryScheduled))
	}
}

// Drain submits queued orders oldest first. It returns ErrDrainInProgress
// if this process is already draining and ErrLeaseHeld if another process
// is. A retryable failure stops the pass and schedules a retry with
// backoff; an entry that keeps failing, or fails terminally, is flagged for
// manual reconciliation and left in the queue.
func (c *Coordinator) Drain(ctx context.Context, t Trigger) (*DrainResult, error) {
	if !c.draining.CompareAndSwap(false, true) {
		return nil, ErrDrainInProgress
	}
	defer c.draining.Store(false)

	ctx, span := util.StartSpan(ctx, "Sync.Drain", attribute.String("sync.trigger", string(t)))
	defer span.End()

	util.SyncDrainsTotal.WithLabelValues(string(t)).Inc()

	ok, err := c.queue.AcquireLease(ctx, c.owner, c.opts.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	defer func() {
		if err := c.queue.ReleaseLease(context.WithoutCancel(ctx), c.owner); err != nil {
			c.logger.Warn("Failed to release drain lease", zap.Error(err))
		}
	}()

	pending, err := c.queue.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	result := &DrainResult{}
	for _, p := range pending {
		if ctx.Err() != nil {
			break
		}
		if p.Status == models.PendingStatusNeedsReconciliation {
			result.Skipped++
			continue
		}

		stop, err := c.syncOne(ctx, p, result)
		if err != nil {
			return result, err
		}
		if stop {
			c.scheduleRetry()
			result.RetryScheduled = true
			break
		}

		if err := c.queue.RenewLease(ctx, c.owner, c.opts.LeaseTTL); err != nil {
			return result, fmt.Errorf("drain stopped: %w", err)
		}
	}
	return result, nil
}

// syncOne submits one entry. stop reports a retryable failure that must
// hold back the entries queued after it.
func (c *Coordinator) syncOne(ctx context.Context, p *models.PendingOrder, result *DrainResult) (stop bool, err error) {
	// a submission and its bookkeeping run to completion even if the drain is cancelled
	writeCtx := context.WithoutCancel(ctx)
	subCtx, cancel := context.WithTimeout(writeCtx, c.opts.SubmitTimeout)
	defer cancel()

	subCtx, span := util.StartSpan(subCtx, "Sync.SubmitPending", util.AttrLocalID.Int64(p.LocalID))
	order, serr := c.submitter.Submit(subCtx, p.Request())
	util.FailSpan(span, serr)
	span.End()
	if serr == nil {
		if err := c.queue.Remove(writeCtx, p.LocalID); err != nil {
			// the next drain replays the key and gets the same order back
			return false, fmt.Errorf("order %d created but local entry %d not removed: %w", order.ID, p.LocalID, err)
		}
		result.Synced++
		util.SyncEntriesTotal.WithLabelValues("synced").Inc()
		c.synced(p.LocalID, order)
		return false, nil
	}

	attempts, err := c.queue.RecordFailure(writeCtx, p.LocalID, serr)
	if err != nil {
		return false, err
	}

	log := c.logger.With(
		zap.Int64("local_id", p.LocalID),
		zap.Int("attempts", attempts),
		zap.Error(serr))

	if !models.IsRetryable(serr) {
		if err := c.queue.MarkForReconciliation(writeCtx, p.LocalID, serr.Error()); err != nil {
			return false, err
		}
		result.Flagged++
		util.SyncEntriesTotal.WithLabelValues("rejected").Inc()
		log.Error("Queued order rejected by backend")
		return false, nil
	}

	if attempts >= c.opts.MaxAttempts {
		reason := fmt.Sprintf("gave up after %d attempts: %v", attempts, serr)
		if err := c.queue.MarkForReconciliation(writeCtx, p.LocalID, reason); err != nil {
			return false, err
		}
		result.Flagged++
		util.SyncEntriesTotal.WithLabelValues("flagged").Inc()
		log.Error("Queued order needs manual reconciliation")
		return false, nil
	}

	result.Failed++
	util.SyncEntriesTotal.WithLabelValues("retry").Inc()
	log.Warn("Queued order submission failed, will retry")
	return true, nil
}

func (c *Coordinator) synced(localID int64, order *models.Order) {
	c.mu.Lock()
	c.backoff.Reset()
	fn := c.onSynced
	c.mu.Unlock()

	c.logger.Info("Queued order synced",
		zap.Int64("local_id", localID),
		zap.Int64("order_id", order.ID))
	if fn != nil {
		fn(localID, order)
	}
}

// scheduleRetry arms the retry timer unless one is already pending.
func (c *Coordinator) scheduleRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.retryTimer != nil {
		return
	}
	delay := c.backoff.NextBackOff()
	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.retryTimer = nil
		c.mu.Unlock()
		c.Trigger(TriggerRetry)
	})
	c.logger.Debug("Retry scheduled", zap.Duration("delay", delay))
}
