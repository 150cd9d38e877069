package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/annbench"
	"github.com/hupe1980/annbench/sweep"
)

func newRunCmd(cctx *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run <config>",
		Short: "executes a single benchmark run",
		Long: `
Executes one run from a JSON or YAML config file. A sweep file runs its first
combination only.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := cctx.harness(cmd)
			if err != nil {
				return err
			}
			if cctx.dryRun {
				m, err := h.LoadRunFile(args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), m)
			}
			rec, err := h.RunFile(cmd.Context(), args[0])
			if rec != nil {
				printRecord(cmd.OutOrStdout(), rec)
			}
			return err
		},
	}
}

func newSweepCmd(cctx *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep <file>",
		Short: "executes every combination of a parameter sweep",
		Long: `
Expands the base config and parameter matrix of a sweep file into individual
runs and executes them in order. Failed runs are reported and the sweep moves
on to the next combination.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := cctx.harness(cmd)
			if err != nil {
				return err
			}
			if cctx.dryRun {
				runs, err := h.DryRunSweep(args[0])
				if err != nil {
					return err
				}
				printRuns(cmd.OutOrStdout(), runs)
				return nil
			}
			report, err := h.Sweep(cmd.Context(), args[0])
			if report != nil {
				printReport(cmd.OutOrStdout(), report)
			}
			return err
		},
	}
}

func newMultiSweepCmd(cctx *cliContext) *cobra.Command {
	var ids []string

	cmd := &cobra.Command{
		Use:   "multi-sweep <file>",
		Short: "executes a sweep once per dataset",
		Long: `
Runs a sweep file against several datasets of the registry. Without --datasets
every available dataset is used.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := cctx.harness(cmd)
			if err != nil {
				return err
			}
			if cctx.dryRun {
				runs, err := h.DryRunMultiSweep(args[0], ids)
				if err != nil {
					return err
				}
				printRuns(cmd.OutOrStdout(), runs)
				return nil
			}
			report, err := h.MultiSweep(cmd.Context(), args[0], ids)
			if report != nil {
				printReport(cmd.OutOrStdout(), report)
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&ids, "datasets", nil, "comma separated dataset ids")
	return cmd
}

func newReplayCmd(cctx *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <run-id>",
		Short: "re-executes a recorded run",
		Long: `
Rebuilds a run from its lockfile and materialized config and executes it
again under the same run id.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := cctx.harness(cmd)
			if err != nil {
				return err
			}
			id := strings.TrimSpace(args[0])
			if cctx.dryRun {
				m, err := h.LoadReplay(id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), m)
			}
			rec, err := h.Replay(cmd.Context(), id)
			if rec != nil {
				printRecord(cmd.OutOrStdout(), rec)
			}
			return err
		},
	}
}

func printRuns(w io.Writer, runs []sweep.Materialized) {
	rows := make([][]string, 0, len(runs))
	for _, m := range runs {
		rows = append(rows, []string{m.ID, m.Name, m.Dataset(), fmt.Sprint(m.Config["algoToRun"])})
	}
	printTable(w, []string{"run_id", "name", "dataset", "algo"}, rows)
	fmt.Fprintf(w, "%d runs\n", len(runs))
}

func printRecord(w io.Writer, rec *annbench.Record) {
	e := rec.Entry
	printTable(w, entryColumns, [][]string{entryRow(e)})
	fmt.Fprintf(w, "run directory: %s\n", rec.Dir)
}

func printReport(w io.Writer, r *annbench.SweepReport) {
	fmt.Fprintf(w, "sweep %s: %d runs, %d succeeded, %d failed\n",
		r.SweepID, len(r.Runs), len(r.Succeeded), len(r.Failed))
	for _, id := range r.Failed {
		fmt.Fprintf(w, "  failed: %s\n", id)
	}
}
