package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iliyamo/booking-settlement/internal/settlement"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [stage]",
		Short: "Run a single settlement stage once",
		Long: `Run one stage of the pipeline and exit.

Stages: ` + strings.Join(settlement.StageNames, ", ") + `

Examples:
  settlement run update-bookings
  settlement run wallet-withdrawals`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: settlement.StageNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if !a.runner.Has(args[0]) {
				return fmt.Errorf("unknown stage %q (one of: %s)", args[0], strings.Join(a.runner.Stages(), ", "))
			}
			rep, err := a.runner.RunOne(ctx, args[0])
			printReport(cmd, rep)
			return err
		},
	}
}

func runAllCmd() *cobra.Command {
	var gap time.Duration
	cmd := &cobra.Command{
		Use:   "run-all",
		Short: "Run all stages in pipeline order",
		Long: `Run every stage once, in pipeline order, waiting --gap between stages.
A failing stage does not stop the ones after it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if !cmd.Flags().Changed("gap") {
				gap = a.cfg.RunAllGap
			}
			reports, err := a.runner.RunAll(ctx, gap)
			for _, rep := range reports {
				printReport(cmd, rep)
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&gap, "gap", time.Minute, "pause between stages (default from RUN_ALL_GAP)")
	return cmd
}

func printReport(cmd *cobra.Command, rep settlement.Report) {
	if rep.RunID == "" {
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s run %s: scanned %d, succeeded %d, rejected %d, skipped %d, failed %d (%s)\n",
		rep.Stage, rep.RunID, rep.Scanned, rep.Succeeded, rep.Rejected, rep.Skipped, rep.Failed,
		rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
}
