package worker

import (
	"context"
	"time"

	"supply-orders/internal/broker"
	"supply-orders/internal/models"
	"supply-orders/internal/util"

	"go.uber.org/zap"
)

// StatusSink receives status events read from the bus.
type StatusSink interface {
	PublishStatus(ctx context.Context, event *models.StatusEvent) error
}

// StatusWorker relays status events from Kafka to the local websocket hub
type StatusWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewStatusWorker creates a new status worker
func NewStatusWorker(consumer *broker.Consumer, sink StatusSink) *StatusWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnStatusChanged(sink.PublishStatus)

	return &StatusWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.Named("status-worker"),
	}
}

// Start starts the worker
func (w *StatusWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting status worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *StatusWorker) Stop() error {
	w.logger.Info("Stopping status worker")
	return w.consumer.Close()
}

// OrphanCleaner deletes header-only orders older than a cutoff.
type OrphanCleaner interface {
	SweepOrphans(ctx context.Context, maxAge time.Duration) (int, error)
}

// Locker provides a best-effort cluster-wide lock.
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
}

const sweepLockKey = "orphan-sweep"

// OrphanSweeper periodically removes orders whose item creation never
// happened. Only one server instance sweeps per interval.
type OrphanSweeper struct {
	cleaner  OrphanCleaner
	locker   Locker
	interval time.Duration
	maxAge   time.Duration
	logger   *zap.Logger
	done     chan struct{}
}

// NewOrphanSweeper creates a sweeper. locker may be nil on a single instance.
func NewOrphanSweeper(cleaner OrphanCleaner, locker Locker, interval, maxAge time.Duration) *OrphanSweeper {
	return &OrphanSweeper{
		cleaner:  cleaner,
		locker:   locker,
		interval: interval,
		maxAge:   maxAge,
		logger:   util.Named("orphan-sweeper"),
		done:     make(chan struct{}),
	}
}

// Start runs sweeps until ctx is cancelled or Stop is called
func (s *OrphanSweeper) Start(ctx context.Context) error {
	s.logger.Info("Starting orphan sweeper",
		zap.Duration("interval", s.interval),
		zap.Duration("max_age", s.maxAge))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep if this instance wins the lock. It returns
// the number of orders removed.
func (s *OrphanSweeper) SweepOnce(ctx context.Context) int {
	if s.locker != nil {
		// the lock expires on its own so a crashed sweeper cannot wedge the others
		ok, err := s.locker.AcquireLock(ctx, sweepLockKey, s.interval/2)
		if err != nil {
			s.logger.Warn("Failed to acquire sweep lock", zap.Error(err))
			return 0
		}
		if !ok {
			return 0
		}
	}

	swept, err := s.cleaner.SweepOrphans(ctx, s.maxAge)
	if err != nil {
		s.logger.Error("Orphan sweep failed", zap.Error(err))
		return 0
	}
	if swept > 0 {
		s.logger.Info("Orphan sweep finished", zap.Int("swept", swept))
	}
	return swept
}

// Stop stops the sweeper
func (s *OrphanSweeper) Stop() error {
	close(s.done)
	return nil
}
