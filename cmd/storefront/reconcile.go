package main

import (
	"fmt"

	"digital-delivery/internal/worker"

	"github.com/spf13/cobra"
)

func reconcileCmd() *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Settle stuck pending orders once against the payment provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.wireCore(true); err != nil {
				return err
			}
			if batch <= 0 {
				batch = a.cfg.Reconcile.BatchSize
			}

			rw := worker.NewReconciliationWorker(a.orderRepo, a.checkout,
				a.cfg.Reconcile.Interval, a.cfg.Reconcile.StaleAfter, batch, a.logger)
			sum, err := rw.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d fulfilled=%d failed=%d pending=%d errors=%d\n",
				sum.Scanned, sum.Fulfilled, sum.Failed, sum.Pending, sum.Errors)
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "orders to examine (defaults to RECONCILE_BATCH_SIZE)")
	return cmd
}
