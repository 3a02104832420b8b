// Package worker runs the periodic reconciliation sweep.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/canvas-market/internal/logging"
	"github.com/canvas-market/internal/service"
)

// Sweeper is the sweep operation the worker drives on a schedule
type Sweeper interface {
	Sweep(ctx context.Context) (*service.SweepReport, error)
}

// SweepWorker periodically reconciles expired payment sessions and stale
// reservations. The system's correctness does not depend on clients
// returning; this loop is what makes abandoned state converge.
type SweepWorker struct {
	sweeper  Sweeper
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// SweepWorkerConfig holds configuration for the sweep worker
type SweepWorkerConfig struct {
	Sweeper  Sweeper
	Interval time.Duration // default 1 minute
}

// NewSweepWorker creates a sweep worker
func NewSweepWorker(cfg *SweepWorkerConfig) (*SweepWorker, error) {
	if cfg.Sweeper == nil {
		return nil, fmt.Errorf("sweeper cannot be nil")
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = time.Minute
	}
	return &SweepWorker{
		sweeper:  cfg.Sweeper,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins the periodic sweep loop
func (w *SweepWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("sweep worker is already running")
	}
	w.running = true
	w.mu.Unlock()

	logging.WithFields(map[string]interface{}{"interval": w.interval.String()}).Info("Starting sweep worker")
	go w.loop(ctx)
	return nil
}

// Stop gracefully stops the worker, waiting for an in-flight sweep to finish
func (w *SweepWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("sweep worker is not running")
	}
	w.mu.Unlock()

	close(w.stopCh)

	select {
	case <-w.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	logging.GetGlobalLogger().Info("Sweep worker stopped")
	return nil
}

// IsRunning reports whether the loop is active
func (w *SweepWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *SweepWorker) loop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// One sweep on startup so a restart picks up backlog immediately.
	w.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			w.runOnce(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *SweepWorker) runOnce(ctx context.Context) {
	if _, err := w.sweeper.Sweep(ctx); err != nil {
		logging.WithError(err).Error("Reconciliation sweep failed")
	}
}
