/*
scheduler.go - Automated billing scheduler

PURPOSE:
  Periodically bills every sent contract: materializes invoices whose due
  date has arrived and refreshes the unsent ones. Same work as
  POST /api/admin/billing-runs, on a timer.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each tick runs settlement.Service.RunBilling as of today
  - Runs are idempotent; a tick that finds nothing due is a no-op
  - Per-contract failures are logged and retried on the next tick

CONFIGURATION:
  - Interval: How often to run (scheduler.interval, default 1 hour)
  - Workers:  Contracts billed in parallel (scheduler.workers)
  - Enabled:  Whether scheduler is active (scheduler.enabled)

USAGE:
  scheduler := NewBillingScheduler(svc, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunBilling endpoint (manual run)
  - settlement/billing.go: RunBilling
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/settlement-engine/logger"
	"github.com/warp/settlement-engine/settlement"
)

// BillingScheduler runs billing on a fixed interval.
type BillingScheduler struct {
	Service  *settlement.Service
	Interval time.Duration
	Workers  int
	Enabled  bool

	log    *logger.Logger
	ticker *time.Ticker
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewBillingScheduler creates a new scheduler with hourly defaults.
func NewBillingScheduler(svc *settlement.Service, log *logger.Logger) *BillingScheduler {
	if log == nil {
		log = logger.NewNop()
	}
	return &BillingScheduler{
		Service:  svc,
		Interval: time.Hour,
		Workers:  4,
		Enabled:  true,
		log:      log.With("component", "billing_scheduler"),
	}
}

// Start begins the scheduler. The first run happens immediately.
func (bs *BillingScheduler) Start() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if !bs.Enabled {
		bs.log.Info("scheduler disabled, not starting")
		return
	}
	if bs.ticker != nil {
		return
	}

	bs.ctx, bs.cancel = context.WithCancel(context.Background())
	bs.ticker = time.NewTicker(bs.Interval)
	bs.wg.Add(1)

	go bs.run()

	bs.log.Infow("scheduler started", "interval", bs.Interval, "workers", bs.Workers)
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (bs *BillingScheduler) Stop() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.ticker != nil {
		bs.ticker.Stop()
		bs.cancel()
		bs.wg.Wait()
		bs.ticker = nil
		bs.log.Info("scheduler stopped")
	}
}

func (bs *BillingScheduler) run() {
	defer bs.wg.Done()

	// Run immediately on start
	bs.runOnce()

	for {
		select {
		case <-bs.ticker.C:
			bs.runOnce()
		case <-bs.ctx.Done():
			return
		}
	}
}

func (bs *BillingScheduler) runOnce() {
	run, err := bs.Service.RunBilling(bs.ctx, bs.Service.Today(), bs.Workers)
	if err != nil {
		bs.log.Errorw("billing run failed", "error", err)
		return
	}
	if run.Failed > 0 {
		bs.log.Warnw("billing run finished with failures",
			"as_of", run.AsOf.String(),
			"contracts", len(run.Contracts),
			"failed", run.Failed,
		)
	}
}
