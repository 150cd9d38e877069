package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hupe1980/annbench"
	"github.com/hupe1980/annbench/dataset"
)

func newDatasetsCmd(cctx *cliContext) *cobra.Command {
	var (
		availableOnly bool
		info          bool
	)

	cmd := &cobra.Command{
		Use:   "datasets",
		Short: "lists the datasets of the registry",
		Long: `
Lists the datasets of --datasets-file with their availability. --info also
inspects the files of every available dataset.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := cctx.registry(cmd)
			if err != nil {
				return err
			}
			if reg == nil {
				return fmt.Errorf("%w: no dataset registry at %s", annbench.ErrConfig, cctx.datasetsFile)
			}

			ids := reg.IDs()
			if availableOnly {
				ids = reg.Available()
			}

			var rows [][]string
			for _, id := range ids {
				d, err := reg.Get(id)
				if err != nil {
					return err
				}
				rows = append(rows, []string{
					id,
					d.Name,
					strconv.Itoa(d.VectorDimension),
					strconv.Itoa(d.NumDocs),
					strconv.Itoa(d.TopKGroundTruth),
					d.Status(),
				})
			}
			out := cmd.OutOrStdout()
			printTable(out, []string{"id", "name", "dim", "docs", "gt_depth", "status"}, rows)

			if !info {
				return nil
			}
			var files [][]string
			for _, id := range reg.Available() {
				d, _ := reg.Get(id)
				for _, path := range []string{d.BaseFile, d.QueryFile, d.GroundTruthFile} {
					fi, err := dataset.Inspect(path, 0)
					if err != nil {
						return err
					}
					files = append(files, []string{
						id,
						path,
						fi.Format.String(),
						strconv.Itoa(fi.Dimension),
						strconv.Itoa(fi.Count),
					})
				}
			}
			fmt.Fprintln(out)
			printTable(out, []string{"id", "file", "format", "dim", "records"}, files)
			return nil
		},
	}
	cmd.Flags().BoolVar(&availableOnly, "available", false, "list only datasets whose files exist")
	cmd.Flags().BoolVar(&info, "info", false, "inspect the files of available datasets")
	return cmd
}

func newConvertCmd(_ *cliContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "convert <in> <out>",
		Short: "converts a vector file between formats",
		Long: `
Re-encodes a vector file. Formats follow the file suffixes (.fvecs, .ivecs,
.bvecs, .fbin, .ibin) with an optional compression suffix (.gz, .zst, .lz4).
Integer files convert only to integer formats.
`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := convert(args[0], args[1], limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d records to %s\n", n, args[1])
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "convert at most this many records (0 for all)")
	return cmd
}

// convert streams the records of in to out and returns the number written.
func convert(in, out string, limit int) (int, error) {
	src, err := dataset.Detect(in)
	if err != nil {
		return 0, err
	}
	dst, err := dataset.Detect(out)
	if err != nil {
		return 0, err
	}
	integer := src.Framing.IsInteger()
	if integer != dst.Framing.IsInteger() {
		return 0, fmt.Errorf("%w: cannot convert %s to %s", annbench.ErrConfig, src, dst)
	}

	info, err := dataset.Inspect(in, limit)
	if err != nil {
		return 0, err
	}
	if info.Count == 0 {
		return 0, fmt.Errorf("%w: %s holds no records", annbench.ErrDataIntegrity, in)
	}

	r, err := dataset.Open(in)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	w, err := dataset.Create(out, info.Dimension, info.Count)
	if err != nil {
		return 0, err
	}

	for i := 0; i < info.Count; i++ {
		if integer {
			err = copyInts(r, w)
		} else {
			err = copyFloats(r, w)
		}
		if err != nil {
			_ = w.Close()
			return w.Count(), fmt.Errorf("%s: record %d: %w", in, i, err)
		}
	}
	return w.Count(), w.Close()
}

func copyFloats(r *dataset.FileReader, w *dataset.FileWriter) error {
	v, err := r.Next()
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	if err != nil {
		return err
	}
	return w.Write(v)
}

func copyInts(r *dataset.FileReader, w *dataset.FileWriter) error {
	v, err := r.NextInts()
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	if err != nil {
		return err
	}
	return w.WriteInts(v)
}
