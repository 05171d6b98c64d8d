package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"go-ingest/internal/collect"
)

func newCollectCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Build resource lists from search sources",
	}
	cmd.AddCommand(newCollectBingCmd(a), newCollectExaCmd(a))
	return cmd
}

func newCollectBingCmd(a *app) *cobra.Command {
	var (
		keywords string
		out      string
		render   string
		pages    int
	)
	cmd := &cobra.Command{
		Use:   "bing",
		Short: "Scrape Bing image search for every keyword",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sets, err := collect.ReadKeywordDir(keywords)
			if err != nil {
				return err
			}

			var renderer collect.Renderer
			switch render {
			case "http":
				renderer = collect.HTTPRenderer{UserAgent: a.cfg.UserAgent}
			case "chrome":
				chrome := collect.NewChromeRenderer(ctx, a.cfg.UserAgent, a.cfg.FetchTimeout)
				defer chrome.Close()
				renderer = chrome
			default:
				return fmt.Errorf("unknown renderer %q (want http or chrome)", render)
			}

			b := collect.NewBingCollector(renderer, collect.BingPageInterval, a.log)
			b.MaxPages = pages
			rows, err := b.Collect(ctx, sets)
			if err != nil {
				return err
			}
			if err := collect.WriteImageCSV(out, rows); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d image urls written to %s\n", len(rows), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&keywords, "keywords", "k", "boiler_keywords", "keyword file or directory of .txt files")
	cmd.Flags().StringVarP(&out, "out", "o", "boiler_image_urls.csv", "output CSV")
	cmd.Flags().StringVar(&render, "render", "http", "page renderer: http or chrome")
	cmd.Flags().IntVar(&pages, "pages", collect.BingMaxPages, "result pages per keyword")
	return cmd
}

func newCollectExaCmd(a *app) *cobra.Command {
	var (
		queries string
		out     string
		results int
	)
	cmd := &cobra.Command{
		Use:   "exa",
		Short: "Search Exa for PDF documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.ExaAPIKey == "" {
				return fmt.Errorf("EXA_API_KEY is not set")
			}
			sets, err := collect.ReadKeywordDir(queries)
			if err != nil {
				return err
			}

			client := collect.NewExaClient(a.cfg.ExaAPIKey, a.policy(), a.log)
			recs, err := client.CollectPDFs(cmd.Context(), sets, results)
			if err != nil {
				return err
			}
			if err := collect.WriteResourceCSV(out, recs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d pdf candidates written to %s\n", len(recs), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&queries, "queries", "q", "", "query file or directory with # Category headers")
	cmd.Flags().StringVarP(&out, "out", "o", "pdf_candidates.csv", "output CSV")
	cmd.Flags().IntVarP(&results, "results", "n", 15, "results per query")
	cmd.MarkFlagRequired("queries")
	return cmd
}
