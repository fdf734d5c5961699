package main

import (
	"encoding/json"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/warp/settlement-engine/generic"
)

var (
	asOfFlag    string
	workersFlag int
)

// billCmd runs one billing pass and prints the run summary as JSON.
// Exits non-zero when any contract failed.
var billCmd = &cobra.Command{
	Use:   "bill",
	Short: "Materialize and refresh invoices for every sent contract",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		asOf := a.svc.Today()
		if asOfFlag != "" {
			if asOf, err = generic.ParseDate(asOfFlag); err != nil {
				return errors.Wrap(err, "--as-of")
			}
		}
		workers := workersFlag
		if workers == 0 {
			workers = a.cfg.Scheduler.Workers
		}

		run, err := a.svc.RunBilling(cmd.Context(), asOf, workers)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(run); err != nil {
			return err
		}
		if run.Failed > 0 {
			return errors.Newf("%d of %d contracts failed", run.Failed, len(run.Contracts))
		}
		return nil
	},
}

func init() {
	billCmd.Flags().StringVar(&asOfFlag, "as-of", "", "billing day YYYY-MM-DD (default today)")
	billCmd.Flags().IntVar(&workersFlag, "workers", 0, "contracts billed in parallel (default scheduler.workers)")
}
