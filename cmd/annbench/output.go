package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/hupe1980/annbench/catalog"
)

var entryColumns = []string{
	"run_id",
	"name",
	"dataset",
	"algo",
	"topK",
	"recall",
	"indexing_ms",
	"query_ms",
	"qps",
	"peak_mb",
	"status",
}

func entryRow(e catalog.Entry) []string {
	return []string{
		e.RunID,
		e.Name,
		e.Dataset,
		e.Algo,
		strconv.Itoa(e.TopK),
		formatMetric(e.Recall),
		formatMetric(e.IndexingTime),
		formatMetric(e.QueryTime),
		formatMetric(e.QPS),
		formatMetric(e.PeakMemoryMB),
		e.Status,
	}
}

// formatMetric renders Unset as "-".
func formatMetric(v float64) string {
	if v == catalog.Unset {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func printTable(w io.Writer, headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(w, 2, 1, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	_ = tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
