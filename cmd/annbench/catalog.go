package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/annbench"
	"github.com/hupe1980/annbench/catalog"
)

var defaultParetoThresholds = []float64{0.90, 0.95}

// openCatalog opens the catalog of --runs-dir without wiring a full harness.
func (c *cliContext) openCatalog() (*catalog.Catalog, error) {
	logger, err := c.logger()
	if err != nil {
		return nil, err
	}
	return catalog.Open(c.runsDir, catalog.WithLogger(logger.Logger)), nil
}

func newListCmd(cctx *cliContext) *cobra.Command {
	var (
		where  string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "lists cataloged runs",
		Long: `
Lists the runs of the catalog, oldest first. --where narrows the list by
case-insensitive substring, e.g. --where "dataset=sift algo=cagra".
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := cctx.openCatalog()
			if err != nil {
				return err
			}
			entries, err := cat.List(catalog.ParseFilter(where))
			if err != nil {
				return err
			}
			catalog.SortByCreated(entries)

			if asJSON {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, entryRow(e))
			}
			printTable(cmd.OutOrStdout(), entryColumns, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&where, "where", "", `filter such as "dataset=x algo=y"`)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}

func newBestCmd(cctx *cliContext) *cobra.Command {
	var (
		dataset string
		algo    string
		recall  float64
	)

	cmd := &cobra.Command{
		Use:   "best",
		Short: "shows the fastest runs reaching a recall",
		Long: `
For every topK, shows the run with the lowest indexing time and the run with
the lowest query time among the runs of --dataset and --algo whose recall
reaches --recall.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dataset == "" || algo == "" {
				return fmt.Errorf("%w: --dataset and --algo are required", annbench.ErrConfig)
			}
			cat, err := cctx.openCatalog()
			if err != nil {
				return err
			}
			best, err := cat.BestByRecall(dataset, algo, recall)
			if err != nil {
				return err
			}

			keys := make([]string, 0, len(best))
			for k := range best {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			rows := make([][]string, 0, len(keys))
			for _, k := range keys {
				rows = append(rows, append([]string{k}, entryRow(best[k])...))
			}
			printTable(cmd.OutOrStdout(), append([]string{"key"}, entryColumns...), rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataset, "dataset", "", "dataset name")
	cmd.Flags().StringVar(&algo, "algo", "", "algorithm name")
	cmd.Flags().Float64Var(&recall, "recall", 0.9, "minimum recall")
	return cmd
}

func newParetoCmd(cctx *cliContext) *cobra.Command {
	var (
		dataset    string
		algo       string
		thresholds []float64
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "pareto",
		Short: "finds the optimal configuration per recall threshold",
		Long: `
Computes, per algorithm and recall threshold, the Pareto frontier of indexing
and query time among the runs of --dataset and picks the configuration with
the lowest total time.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dataset == "" {
				return fmt.Errorf("%w: --dataset is required", annbench.ErrConfig)
			}
			cat, err := cctx.openCatalog()
			if err != nil {
				return err
			}
			entries, err := cat.Load()
			if err != nil {
				return err
			}

			var selected []catalog.Entry
			for _, e := range entries {
				if e.Dataset != dataset {
					continue
				}
				if algo != "" && !strings.EqualFold(e.Algo, algo) {
					continue
				}
				selected = append(selected, e)
			}

			optima := catalog.Pareto(selected, thresholds)
			if asJSON {
				return printJSON(cmd.OutOrStdout(), optima)
			}
			rows := make([][]string, 0, len(optima))
			for _, o := range optima {
				rows = append(rows, []string{
					o.Algo,
					formatMetric(o.RecallThreshold),
					formatMetric(o.ActualRecall),
					formatMetric(o.IndexingTime),
					formatMetric(o.QueryTime),
					formatMetric(o.TotalTime),
					o.RunID,
				})
			}
			printTable(cmd.OutOrStdout(),
				[]string{"algo", "threshold", "recall", "indexing_ms", "query_ms", "total_ms", "run_id"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataset, "dataset", "", "dataset name")
	cmd.Flags().StringVar(&algo, "algo", "", "restrict to one algorithm")
	cmd.Flags().Float64SliceVar(&thresholds, "thresholds", defaultParetoThresholds, "recall thresholds")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print optima as JSON")
	return cmd
}
