package catalog

import (
	"sort"
	"strings"
)

// Optimum is the best configuration of one algorithm at one recall threshold.
type Optimum struct {
	Algo            string         `json:"algorithm"`
	RecallThreshold float64        `json:"recallThreshold"`
	ActualRecall    float64        `json:"actualRecall"`
	IndexingTime    float64        `json:"indexingTime"`
	QueryTime       float64        `json:"queryTime"`
	TotalTime       float64        `json:"totalTime"`
	TopK            int            `json:"topK"`
	RunID           string         `json:"runId"`
	Params          map[string]any `json:"parameters"`
	// Frontier lists the run ids on the Pareto frontier the optimum was picked from.
	Frontier []string `json:"frontier"`
}

// Frontier returns the entries not dominated in (indexing time, query time) by any
// other entry. An entry dominates another when it is no slower on both axes and
// faster on at least one.
func Frontier(entries []Entry) []Entry {
	var out []Entry
	for i, c := range entries {
		dominated := false
		for j, o := range entries {
			if i == j {
				continue
			}
			if o.IndexingTime <= c.IndexingTime && o.QueryTime <= c.QueryTime &&
				(o.IndexingTime < c.IndexingTime || o.QueryTime < c.QueryTime) {
				dominated = true
				break
			}
		}
		if !dominated {
			out = append(out, c)
		}
	}
	return out
}

// Pareto finds, per algorithm and recall threshold, the frontier of the measured runs
// reaching the threshold and picks the one with the lowest total time. Runs with
// unmeasured metrics are ignored. Results are ordered by algorithm, then threshold.
func Pareto(entries []Entry, thresholds []float64) []Optimum {
	byAlgo := map[string][]Entry{}
	for _, e := range entries {
		if e.Recall > 0 && e.IndexingTime > 0 && e.QueryTime > 0 {
			byAlgo[e.Algo] = append(byAlgo[e.Algo], e)
		}
	}
	algos := make([]string, 0, len(byAlgo))
	for a := range byAlgo {
		algos = append(algos, a)
	}
	sort.Strings(algos)

	var out []Optimum
	for _, algo := range algos {
		for _, th := range thresholds {
			var valid []Entry
			for _, e := range byAlgo[algo] {
				if e.Recall >= th {
					valid = append(valid, e)
				}
			}
			frontier := Frontier(valid)
			if len(frontier) == 0 {
				continue
			}

			best := frontier[0]
			ids := make([]string, len(frontier))
			for i, e := range frontier {
				ids[i] = e.RunID
				if e.IndexingTime+e.QueryTime < best.IndexingTime+best.QueryTime {
					best = e
				}
			}
			out = append(out, Optimum{
				Algo:            algo,
				RecallThreshold: th,
				ActualRecall:    best.Recall,
				IndexingTime:    best.IndexingTime,
				QueryTime:       best.QueryTime,
				TotalTime:       best.IndexingTime + best.QueryTime,
				TopK:            best.TopK,
				RunID:           best.RunID,
				Params:          keyParams(best),
				Frontier:        ids,
			})
		}
	}
	return out
}

func keyParams(e Entry) map[string]any {
	out := map[string]any{"topK": e.TopK}
	if e.Params == nil {
		return out
	}
	var keys []string
	switch algo := strings.ToLower(e.Algo); {
	case strings.Contains(algo, "cagra"):
		keys = []string{"cagraGraphDegree", "cagraIntermediateGraphDegree", "cuvsWriterThreads"}
	case strings.Contains(algo, "lucene"):
		keys = []string{"hnswMaxConn", "hnswBeamWidth"}
	}
	keys = append(keys, "numIndexThreads", "flushFreq")
	for _, k := range keys {
		if v, ok := e.Params[k]; ok {
			out[k] = v
		}
	}
	return out
}
