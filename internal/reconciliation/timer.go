package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer periodically runs reconciliation checks.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	mu   sync.RWMutex
	last *Report
}

// NewTimer creates a new reconciliation timer. A non-positive interval
// means five minutes.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Last returns the most recent report, or nil before the first run.
func (t *Timer) Last() *Report {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last
}

// Start begins the periodic reconciliation loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// RunNow runs a reconciliation immediately and records it as the latest.
func (t *Timer) RunNow(ctx context.Context) (*Report, error) {
	report, err := t.runner.RunAll(ctx)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.last = report
	t.mu.Unlock()

	if !report.OK() {
		for _, m := range report.Mismatches {
			t.logger.Warn("reconciliation mismatch",
				"agent_id", m.AgentID,
				"problem", m.Problem,
				"total", m.TotalBalance,
				"locked", m.LockedBalance,
				"open", m.OpenQuantity,
			)
		}
	} else {
		t.logger.Info("reconciliation passed", "checked", report.Checked, "locked", report.LockedCoins)
	}
	return report, nil
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.RunNow(ctx); err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
	}
}
