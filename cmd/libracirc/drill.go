package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"libracirc/internal/drill"
)

func newDrillCmd() *cobra.Command {
	cfg := drill.DefaultConfig()
	var verbose bool

	cmd := &cobra.Command{
		Use:   "drill",
		Short: "Run concurrency experiments against an in-process engine",
		Long: `Runs the circulation drills: a checkout race on a single copy, a return
racing checkouts on a book with a waiter, and random traffic with sweeps
running underneath. Each drill reports whether its hypothesis held.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			if verbose {
				logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
			}
			cfg.Logger = logger

			experiments, err := drill.Experiments(cfg)
			if err != nil {
				return err
			}
			results, runErr := drill.NewRunner(logger).RunAll(cmd.Context(), experiments)

			out := cmd.OutOrStdout()
			for _, line := range drill.Summary(results) {
				fmt.Fprintln(out, line)
			}
			for _, res := range results {
				for _, msg := range res.Failed {
					fmt.Fprintf(out, "  %s: %s\n", res.Experiment, msg)
				}
			}
			return runErr
		},
	}

	cmd.Flags().IntVarP(&cfg.Workers, "workers", "w", cfg.Workers, "Concurrent borrowers per drill")
	cmd.Flags().IntVar(&cfg.Rounds, "rounds", cfg.Rounds, "Operations per borrower in the traffic drill")
	cmd.Flags().DurationVar(&cfg.Step, "step", cfg.Step, "Simulated time each sweep advances")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log engine activity")

	return cmd
}
