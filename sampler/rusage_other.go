//go:build !unix

package sampler

import "time"

type rusage struct {
	user   time.Duration
	system time.Duration
	maxRSS int64
}

func readRusage() (rusage, bool) { return rusage{}, false }
