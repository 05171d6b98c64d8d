package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"go-ingest/internal/pipeline"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print progress counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			progress, err := a.openProgress(cmd.Context())
			if err != nil {
				return err
			}
			defer progress.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "%d identifiers\n", progress.Len())
			printCounts(cmd.OutOrStdout(), progress.Counts())
			return nil
		},
	}
}

func newCatalogCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "Rewrite the catalog and failure list from the progress store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			progress, err := a.openProgress(ctx)
			if err != nil {
				return err
			}
			defer progress.Close()

			p, cleanup, err := a.pipeline(ctx, pipeline.Config{}, progress, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			sum, err := p.Export()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "catalog rows: %d\nfailure list: %s (%d ids)\n", sum.CatalogRows, sum.FailureList, sum.FailedIDs)
			return nil
		},
	}
}
