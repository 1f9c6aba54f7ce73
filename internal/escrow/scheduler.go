package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charitycoin/coinescrow/internal/logging"
	"github.com/charitycoin/coinescrow/internal/metrics"
)

// maxSweepPages bounds how many listings one sweep makes while stepping past
// records that failed to expire.
const maxSweepPages = 5

// SweepResult summarizes one pass of the expiration scheduler.
type SweepResult struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Scheduler periodically expires open transactions whose window has passed
// and releases their locked coins.
type Scheduler struct {
	manager  *Manager
	store    Store
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewScheduler creates a new expiration scheduler.
func NewScheduler(manager *Manager, store Store, interval time.Duration, batch int, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		manager:  manager,
		store:    store,
		interval: interval,
		batch:    batch,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the scheduler loop is actively running.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start begins the expiration loop. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the scheduler to stop. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Scheduler) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SchedulerSweepsTotal.WithLabelValues("panic").Inc()
			s.logger.Error("panic in expiration scheduler", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep resolves at most one batch of due transactions. Records that fail
// are left open for a later sweep; within a sweep the listing is widened
// past them so they cannot starve records due after them.
func (s *Scheduler) Sweep(ctx context.Context) SweepResult {
	start := time.Now()
	defer func() {
		metrics.SchedulerSweepDuration.Observe(time.Since(start).Seconds())
	}()

	var res SweepResult
	now := s.manager.clock.Now()
	failed := make(map[string]bool)

	for page := 0; page < maxSweepPages && res.Expired+res.Skipped < s.batch; page++ {
		limit := s.batch + len(failed)
		due, err := s.store.ListExpirable(ctx, now, limit)
		if err != nil {
			s.logger.Warn("failed to list expirable transactions", "error", err)
			return res
		}

		fresh := 0
		for _, tx := range due {
			if ctx.Err() != nil {
				return res
			}
			if failed[tx.ID] {
				continue
			}
			fresh++
			res.Scanned++
			if !s.expireOne(ctx, tx, &res) {
				failed[tx.ID] = true
			}
			if res.Expired+res.Skipped >= s.batch {
				break
			}
		}
		if fresh == 0 || len(due) < limit {
			break
		}
	}
	return res
}

// expireOne reports false if the transaction could not be resolved.
func (s *Scheduler) expireOne(ctx context.Context, tx *Transaction, res *SweepResult) bool {
	expired, err := s.manager.Expire(logging.WithTransaction(ctx, tx.ID), tx)
	switch {
	case err != nil:
		res.Failed++
		metrics.SchedulerSweepsTotal.WithLabelValues("failed").Inc()
		s.logger.Warn("failed to expire transaction",
			"transactionId", tx.ID,
			"agent", tx.AgentID,
			"error", err,
		)
		return false
	case expired:
		res.Expired++
		metrics.SchedulerSweepsTotal.WithLabelValues("expired").Inc()
		s.logger.Info("expired transaction",
			"transactionId", tx.ID,
			"buyer", tx.BuyerID,
			"agent", tx.AgentID,
			"quantity", tx.Quantity,
		)
	default:
		res.Skipped++
		metrics.SchedulerSweepsTotal.WithLabelValues("skipped").Inc()
		s.logger.Debug("skipped transaction resolved concurrently", "transactionId", tx.ID)
	}
	return true
}
