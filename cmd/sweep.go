package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/markjakearzadon/pushpay-gateway/internal/models"
	"github.com/markjakearzadon/pushpay-gateway/internal/services"
	"github.com/markjakearzadon/pushpay-gateway/internal/worker"
)

func sweepCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Poll the provider once for every stale PENDING transaction",
		Long: `Queue a status poll for each PENDING transaction older than --older-than
and wait for the results. Run it while the server is stopped; a running
server sweeps on its own when SWEEP_INTERVAL is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("older-than") {
				olderThan = cfg.PendingTimeout
			}

			ctx := log.Logger.WithContext(context.Background())
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.closer.close(context.Background())

			pool := worker.NewPool(cfg.SweepQueue, services.PollHandler(a.payments))
			pool.Start(ctx, cfg.SweepWorkers)
			queued, skipped, err := services.NewSweeper(a.store, pool, olderThan).SweepOnce(ctx)
			pool.Shutdown()
			if err != nil {
				return err
			}

			fmt.Printf("queued %d, skipped %d (queue full)\n", queued, skipped)
			still, err := a.store.ListPending(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Printf("%d transactions still pending\n", len(still))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 2*time.Minute, "only poll transactions created before now minus this (defaults to PENDING_TIMEOUT)")
	return cmd
}

func listCmd() *cobra.Command {
	var pendingOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.closer.close(context.Background())

			var txs []models.Transaction
			if pendingOnly {
				txs, err = a.store.ListPending(ctx, time.Now())
			} else {
				txs, err = a.store.ListAll(ctx)
			}
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "REFERENCE\tCORRELATION ID\tSTATUS\tAMOUNT\tRECEIPT\tCREATED")
			for _, tx := range txs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					tx.InternalReference, tx.CorrelationID, tx.Status, tx.Amount,
					tx.ReceiptNumber, tx.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&pendingOnly, "pending", false, "only PENDING transactions")
	return cmd
}
