/*
scheduler.go - Periodic reconciliation sweep

PURPOSE:
  Status propagation runs when a contract's status changes, but some entry
  statuses depend on the calendar: a finished contract's pending entry turns
  overdue once its due date passes, with no status change to trigger it.
  The scheduler re-runs Handler.Sweep on an interval to catch those, and to
  converge entries left behind by a propagation that failed midway.

DESIGN:
  - One background goroutine, one ticker
  - Sweeps once immediately on Start
  - Errors are logged; the next tick retries

USAGE:
  scheduler := NewReconciliationScheduler(handler, time.Hour, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Sweep, TriggerSweep (manual run)
  - billing/reconciler.go: PropagateStatus
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ReconciliationScheduler runs the status sweep on a fixed interval.
type ReconciliationScheduler struct {
	Handler       *Handler
	CheckInterval time.Duration
	Enabled       bool

	log     zerolog.Logger
	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewReconciliationScheduler(h *Handler, interval time.Duration, log zerolog.Logger) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		Handler:       h,
		CheckInterval: interval,
		Enabled:       true,
		log:           log.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins the scheduler. Calling it on a running scheduler is a no-op.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.log.Info().Msg("disabled, not starting")
		return
	}
	if rs.running {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.running = true
	rs.wg.Add(1)

	go rs.run(rs.ticker, rs.stop)

	rs.log.Info().Dur("interval", rs.CheckInterval).Msg("started")
}

// Stop halts the scheduler and waits for an in-flight sweep to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.running {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.running = false
	rs.log.Info().Msg("stopped")
}

// RunNow performs one sweep synchronously.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) (SweepDTO, error) {
	return rs.sweep(ctx)
}

func (rs *ReconciliationScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	rs.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			rs.sweep(ctx)
		case <-stop:
			return
		}
	}
}

func (rs *ReconciliationScheduler) sweep(ctx context.Context) (SweepDTO, error) {
	summary, err := rs.Handler.Sweep(ctx)
	if err != nil {
		rs.log.Error().Err(err).Msg("sweep aborted")
		return summary, err
	}

	evt := rs.log.Debug()
	if summary.Updated > 0 || summary.Failed > 0 {
		evt = rs.log.Info()
	}
	evt.Int("contracts", summary.Contracts).
		Int("updated", summary.Updated).
		Int("failed", summary.Failed).
		Msg("sweep completed")

	return summary, nil
}
