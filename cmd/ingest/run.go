package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"go-ingest/internal/collect"
	"go-ingest/internal/pipeline"
	"go-ingest/pkg/models"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		input       string
		workers     int
		retryFailed bool
		every       int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch every resource in the input list that has not succeeded yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			records, err := collect.ReadList(input)
			if err != nil {
				return err
			}

			progress, err := a.openProgress(ctx)
			if err != nil {
				return err
			}
			defer progress.Close()

			f, err := a.fetcher()
			if err != nil {
				return err
			}
			p, cleanup, err := a.pipeline(ctx, pipeline.Config{
				Workers:       workers,
				ProgressEvery: every,
				RetryFailed:   retryFailed,
			}, progress, f)
			if err != nil {
				return err
			}
			defer cleanup()

			sum, err := p.Run(ctx, records)
			if sum != nil {
				printSummary(cmd.OutOrStdout(), sum)
			}
			if err != nil {
				return err
			}
			if sum.HasPermanentFailures() {
				return errPermanentFailures
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "resource list (.csv, .yaml or text with # Category headers)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "concurrent fetches (defaults to WORKERS)")
	cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "give permanently failed resources a fresh attempt budget")
	cmd.Flags().IntVar(&every, "progress-every", 10, "log progress after this many resources")
	cmd.MarkFlagRequired("input")
	return cmd
}

func printSummary(w io.Writer, sum *pipeline.Summary) {
	fmt.Fprintf(w, "run %s\n", sum.RunID)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "input\t%d\n", sum.Input)
	fmt.Fprintf(tw, "duplicates\t%d\n", sum.Duplicates)
	fmt.Fprintf(tw, "attempted\t%d\n", sum.Attempted)
	fmt.Fprintf(tw, "skipped\t%d\n", sum.Skipped)
	tw.Flush()
	printCounts(w, sum.Totals)
	fmt.Fprintf(w, "catalog rows: %d\n", sum.CatalogRows)
	fmt.Fprintf(w, "failure list: %s (%d ids)\n", sum.FailureList, sum.FailedIDs)
	fmt.Fprintf(w, "failure report: %s\n", sum.FailureReport)
}

func printCounts(w io.Writer, counts map[models.Status]int) {
	statuses := make([]models.Status, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, s := range statuses {
		fmt.Fprintf(tw, "%s\t%d\n", s, counts[s])
	}
	tw.Flush()
}
