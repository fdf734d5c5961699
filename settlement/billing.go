package settlement

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/warp/settlement-engine/contract"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/invoice"
	"github.com/warp/settlement-engine/metrics"
)

// =============================================================================
// BILLING RUN
// =============================================================================

// ContractRun is the outcome of billing one contract.
type ContractRun struct {
	ContractID generic.ContractID `json:"contract_id"`
	InvoiceID  generic.InvoiceID  `json:"invoice_id,omitempty"`
	Skipped    bool               `json:"skipped,omitempty"` // nothing due yet
	Error      string             `json:"error,omitempty"`
}

// BillingRun summarizes a MaterializeOrRefresh sweep over every sent contract.
type BillingRun struct {
	AsOf      generic.Date  `json:"as_of"`
	Contracts []ContractRun `json:"contracts"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// RunBilling materializes and refreshes invoices for every sent contract as
// of asOf. Contracts are processed concurrently, each under its own lock;
// one contract failing does not stop the others.
func (s *Service) RunBilling(ctx context.Context, asOf generic.Date, workers int) (BillingRun, error) {
	start := time.Now()
	if workers < 1 {
		workers = 1
	}

	contracts, err := s.repo.ListContracts(ctx, contract.Filter{Status: contract.StatusSent})
	if err != nil {
		metrics.BillingRuns.WithLabelValues(metrics.OutcomeError).Inc()
		return BillingRun{}, err
	}
	metrics.BillingRunContracts.Set(float64(len(contracts)))

	p := pool.NewWithResults[ContractRun]().WithMaxGoroutines(workers)
	for _, c := range contracts {
		id := c.ID
		p.Go(func() ContractRun {
			return s.billOne(ctx, id, asOf)
		})
	}

	run := BillingRun{AsOf: asOf, Contracts: p.Wait()}
	for _, r := range run.Contracts {
		if r.Error != "" {
			run.Failed++
		}
	}
	run.Duration = time.Since(start)

	outcome := metrics.OutcomeOK
	if run.Failed > 0 {
		outcome = metrics.OutcomeError
	}
	metrics.BillingRuns.WithLabelValues(outcome).Inc()
	s.log.Infow("billing run finished", "as_of", asOf.String(), "contracts", len(run.Contracts),
		"failed", run.Failed, "duration", run.Duration.String())
	return run, nil
}

func (s *Service) billOne(ctx context.Context, id generic.ContractID, asOf generic.Date) ContractRun {
	inv, err := s.MaterializeOrRefresh(ctx, id, asOf)
	switch {
	case err == nil:
		return ContractRun{ContractID: id, InvoiceID: inv.ID}
	case generic.IsClientError(err):
		// asOf precedes the first due date or follows the last period.
		return ContractRun{ContractID: id, Skipped: true}
	default:
		return ContractRun{ContractID: id, Error: err.Error()}
	}
}

// DueInvoices lists unsent invoices whose due date has arrived.
func (s *Service) DueInvoices(ctx context.Context, today generic.Date) ([]*invoice.Invoice, error) {
	c, err := s.Classify(ctx, invoice.Filter{}, today)
	if err != nil {
		return nil, err
	}
	return c.Ready, nil
}
