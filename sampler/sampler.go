// Package sampler records process memory and CPU usage while a benchmark runs.
//
// A Sampler takes a snapshot immediately on Start and then every interval until Stop.
// Stop returns a Report with the samples, peak and average figures and the process
// CPU times; WriteFiles stores it as memory_metrics.json, cpu_metrics.json and
// metrics.json.
package sampler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// File names written by WriteFiles.
const (
	MemoryFile  = "memory_metrics.json"
	CPUFile     = "cpu_metrics.json"
	SummaryFile = "metrics.json"
)

// DefaultInterval is the sampling period when none is configured.
const DefaultInterval = 2 * time.Second

const mib = 1024 * 1024

// MemorySample is one memory snapshot. Elapsed is in milliseconds since Start.
type MemorySample struct {
	Elapsed       int64   `json:"timestamp"`
	HeapUsed      uint64  `json:"heapUsed"`
	HeapSys       uint64  `json:"heapMax"`
	OffHeapUsed   uint64  `json:"offHeapUsed"`
	RSS           uint64  `json:"rss"`
	HostUsedRatio float64 `json:"hostMemoryUsedPercent"`
	NumGC         uint32  `json:"gcCount"`
	Goroutines    int     `json:"goroutines"`
}

// CPUSample is one CPU snapshot in percent. Process usage can exceed 100 on several
// cores.
type CPUSample struct {
	Elapsed       int64   `json:"timestamp"`
	ProcessCPU    float64 `json:"cpuUsagePercent"`
	SystemCPU     float64 `json:"systemCpuUsagePercent"`
	NumCPU        int     `json:"availableProcessors"`
	UserSeconds   float64 `json:"userSeconds"`
	SystemSeconds float64 `json:"systemSeconds"`
}

// Snapshot is what a Probe observes at one instant.
type Snapshot struct {
	Memory MemorySample
	CPU    CPUSample
}

// Probe takes one snapshot. Elapsed fields are filled in by the Sampler.
type Probe interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Report summarizes a sampling session.
type Report struct {
	Memory []MemorySample `json:"-"`
	CPU    []CPUSample    `json:"-"`

	Samples        int     `json:"samples"`
	DurationMs     int64   `json:"durationMs"`
	PeakMemoryMB   float64 `json:"peakMemoryMB"`
	AvgMemoryMB    float64 `json:"avgMemoryMB"`
	PeakHeapMB     float64 `json:"peakHeapMB"`
	PeakCPUPercent float64 `json:"peakCpuPercent"`
	AvgCPUPercent  float64 `json:"avgCpuPercent"`
	UserCPUSeconds float64 `json:"userCpuSeconds"`
	SysCPUSeconds  float64 `json:"systemCpuSeconds"`
	MaxRSSMB       float64 `json:"maxRssMB"`
}

type options struct {
	interval time.Duration
	probe    Probe
	logger   *slog.Logger
}

// Option configures a Sampler.
type Option func(*options)

// WithInterval sets the sampling period.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithProbe replaces the system probe.
func WithProbe(p Probe) Option {
	return func(o *options) { o.probe = p }
}

// WithLogger sets the logger that reports failed snapshots.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Sampler collects snapshots in the background.
type Sampler struct {
	opts options

	mu      sync.Mutex
	memory  []MemorySample
	cpu     []CPUSample
	start   time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a Sampler. Without WithProbe it observes the current process.
func New(opts ...Option) *Sampler {
	o := options{
		interval: DefaultInterval,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.probe == nil {
		o.probe = NewProcessProbe()
	}
	return &Sampler{opts: o}
}

// Start begins sampling. Calling Start on a running Sampler does nothing.
func (s *Sampler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.memory, s.cpu = nil, nil
	s.start = time.Now()
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx, s.done)
}

func (s *Sampler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(s.opts.interval)
	defer t.Stop()

	s.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sample(ctx)
		}
	}
}

func (s *Sampler) sample(ctx context.Context) {
	snap, err := s.opts.probe.Snapshot(ctx)
	if err != nil {
		s.opts.logger.WarnContext(ctx, "sampling failed", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := time.Since(s.start).Milliseconds()
	snap.Memory.Elapsed = elapsed
	snap.CPU.Elapsed = elapsed
	s.memory = append(s.memory, snap.Memory)
	s.cpu = append(s.cpu, snap.CPU)
}

// Stop ends sampling and summarizes the samples. Stop without Start returns an
// empty report.
func (s *Sampler) Stop() Report {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return Report{}
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	r := summarize(s.memory, s.cpu)
	r.DurationMs = time.Since(s.start).Milliseconds()
	if len(s.cpu) > 0 {
		last := s.cpu[len(s.cpu)-1]
		r.UserCPUSeconds = last.UserSeconds
		r.SysCPUSeconds = last.SystemSeconds
	}
	if ru, ok := readRusage(); ok {
		r.UserCPUSeconds = ru.user.Seconds()
		r.SysCPUSeconds = ru.system.Seconds()
		r.MaxRSSMB = float64(ru.maxRSS) / mib
	}
	return r
}

func summarize(memory []MemorySample, cpuSamples []CPUSample) Report {
	r := Report{Memory: memory, CPU: cpuSamples, Samples: len(memory)}
	if len(memory) == 0 {
		return r
	}
	var sum float64
	for _, m := range memory {
		used := float64(resident(m)) / mib
		sum += used
		r.PeakMemoryMB = max(r.PeakMemoryMB, used)
		r.PeakHeapMB = max(r.PeakHeapMB, float64(m.HeapUsed)/mib)
	}
	r.AvgMemoryMB = sum / float64(len(memory))

	sum = 0
	for _, c := range cpuSamples {
		sum += c.ProcessCPU
		r.PeakCPUPercent = max(r.PeakCPUPercent, c.ProcessCPU)
	}
	if len(cpuSamples) > 0 {
		r.AvgCPUPercent = sum / float64(len(cpuSamples))
	}
	return r
}

// resident is the resident set size, or the Go heap plus off-heap runtime memory when
// the RSS is not available.
func resident(m MemorySample) uint64 {
	if m.RSS > 0 {
		return m.RSS
	}
	return m.HeapUsed + m.OffHeapUsed
}

// WriteFiles writes the sample series and the summary into dir.
func WriteFiles(dir string, r Report) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("sampler: %w", err)
	}
	memory := r.Memory
	if memory == nil {
		memory = []MemorySample{}
	}
	cpuSamples := r.CPU
	if cpuSamples == nil {
		cpuSamples = []CPUSample{}
	}
	files := []struct {
		name string
		v    any
	}{
		{MemoryFile, map[string]any{"memory_samples": memory}},
		{CPUFile, map[string]any{"cpu_samples": cpuSamples}},
		{SummaryFile, r},
	}
	for _, f := range files {
		data, err := json.MarshalIndent(f.v, "", "  ")
		if err != nil {
			return fmt.Errorf("sampler: encoding %s: %w", f.name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, f.name), data, 0o644); err != nil { //nolint:gosec // G306: results are world-readable
			return fmt.Errorf("sampler: %w", err)
		}
	}
	return nil
}

// ProcessProbe observes the current process through gopsutil and the Go runtime.
type ProcessProbe struct {
	proc *process.Process
}

// NewProcessProbe returns a probe for the current process. When the process handle
// is unavailable only Go runtime figures are reported.
func NewProcessProbe() *ProcessProbe {
	p, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // G115: pids fit in int32
	if err != nil {
		p = nil
	}
	return &ProcessProbe{proc: p}
}

// Snapshot implements Probe.
func (p *ProcessProbe) Snapshot(ctx context.Context) (Snapshot, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := Snapshot{
		Memory: MemorySample{
			HeapUsed:    ms.HeapAlloc,
			HeapSys:     ms.HeapSys,
			OffHeapUsed: ms.StackInuse + ms.MSpanInuse + ms.MCacheInuse + ms.GCSys + ms.OtherSys,
			NumGC:       ms.NumGC,
			Goroutines:  runtime.NumGoroutine(),
		},
		CPU: CPUSample{NumCPU: runtime.NumCPU()},
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.Memory.HostUsedRatio = vm.UsedPercent
	}
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		snap.CPU.SystemCPU = pcts[0]
	}
	if p.proc != nil {
		if mi, err := p.proc.MemoryInfoWithContext(ctx); err == nil {
			snap.Memory.RSS = mi.RSS
		}
		// Percent with a zero interval measures since the previous call.
		if pct, err := p.proc.PercentWithContext(ctx, 0); err == nil {
			snap.CPU.ProcessCPU = pct
		}
		if t, err := p.proc.TimesWithContext(ctx); err == nil {
			snap.CPU.UserSeconds = t.User
			snap.CPU.SystemSeconds = t.System
		}
	}
	return snap, nil
}
