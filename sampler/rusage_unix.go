//go:build unix

package sampler

import (
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

type rusage struct {
	user   time.Duration
	system time.Duration
	maxRSS int64 // bytes
}

func readRusage() (rusage, bool) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return rusage{}, false
	}
	maxRSS := int64(ru.Maxrss)
	// Linux and the BSDs report kilobytes, Darwin reports bytes.
	if runtime.GOOS != "darwin" && runtime.GOOS != "ios" {
		maxRSS *= 1024
	}
	return rusage{
		user:   time.Duration(ru.Utime.Nano()),
		system: time.Duration(ru.Stime.Nano()),
		maxRSS: maxRSS,
	}, true
}
