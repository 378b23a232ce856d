package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer drives the Runner on a fixed interval and keeps the most recent
// report for operators.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	runs     atomic.Int64

	mu   sync.Mutex
	last *Report
}

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

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Runs is the number of finished passes, including failed ones.
func (t *Timer) Runs() int64 {
	return t.runs.Load()
}

// LastReport returns the report of the latest pass that produced one.
func (t *Timer) LastReport() *Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Start runs one pass immediately, then one per interval, until ctx is
// done or Stop is called. Each pass is bounded by the interval so a hung
// dependency cannot stack passes. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		t.pass(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
		}
	}
}

// Stop signals the loop to exit. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) pass(ctx context.Context) {
	defer t.runs.Add(1)
	defer func() {
		if r := recover(); r != nil {
			reconcileErrors.WithLabelValues("panic").Inc()
			t.logger.Error("panic in reconciliation pass", "panic", fmt.Sprint(r))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, t.interval)
	defer cancel()

	rep, err := t.runner.RunAll(runCtx)
	if rep != nil {
		t.mu.Lock()
		t.last = rep
		t.mu.Unlock()
	}
	if err != nil {
		t.logger.Warn("reconciliation pass failed", "error", err)
	}
}
