package annbench

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/hupe1980/annbench/internal/fs"
	"github.com/hupe1980/annbench/sweep"
)

// Files written into every run directory before the benchmark starts.
const (
	ConfigFile   = "materialized-config.json"
	EnvFile      = "env.json"
	LockFile     = "run.lock.json"
	ErrorLogFile = "error.log"
)

// Environment is the env.json snapshot of the machine a run executed on.
type Environment struct {
	InvocationID string `json:"invocationId"`
	Fingerprint  string `json:"fingerprint"`
	Host         string `json:"host"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"availableProcessors"`
	GoVersion    string `json:"goVersion"`
	Revision     string `json:"revision,omitempty"`
	Modified     bool   `json:"modified,omitempty"`

	TotalMemory     uint64 `json:"totalMemory,omitempty"`
	AvailableMemory uint64 `json:"availableMemory,omitempty"`

	Timestamp string `json:"timestamp"`
}

func snapshotEnvironment(ctx context.Context, invocationID, fingerprint string, now time.Time) Environment {
	env := Environment{
		InvocationID: invocationID,
		Fingerprint:  fingerprint,
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		GoVersion:    runtime.Version(),
		Timestamp:    now.Format(time.RFC3339Nano),
	}
	env.Host, _ = os.Hostname()

	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				env.Revision = s.Value
			case "vcs.modified":
				env.Modified = s.Value == "true"
			}
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		env.TotalMemory = vm.Total
		env.AvailableMemory = vm.Available
	}
	return env
}

// LockDataset names the three input files of a run.
type LockDataset struct {
	DatasetFile     any `json:"datasetFile"`
	QueryFile       any `json:"queryFile"`
	GroundTruthFile any `json:"groundTruthFile"`
}

// Lock is the run.lock.json record that Replay reads back.
type Lock struct {
	RunID      string         `json:"runId"`
	Name       string         `json:"name"`
	Sweep      map[string]any `json:"sweep"`
	Dataset    LockDataset    `json:"dataset"`
	ConfigPath string         `json:"config_path"`
	EnvPath    string         `json:"env_path"`
	CreatedAt  string         `json:"created_at"`
}

func newLock(m sweep.Materialized, configPath, envPath string) Lock {
	return Lock{
		RunID: m.ID,
		Name:  m.Name,
		Sweep: m.Meta,
		Dataset: LockDataset{
			DatasetFile:     m.Config["datasetFile"],
			QueryFile:       m.Config["queryFile"],
			GroundTruthFile: m.Config["groundTruthFile"],
		},
		ConfigPath: configPath,
		EnvPath:    envPath,
		CreatedAt:  m.CreatedAt.Format(time.RFC3339Nano),
	}
}

func readLock(path string) (Lock, error) {
	var l Lock
	if err := readJSON(path, &l); err != nil {
		return Lock{}, err
	}
	return l, nil
}

func writeJSON(path string, v any) error {
	return fs.WriteFile(fs.Default, path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is inside the runs dir
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("annbench: decoding %s: %w", filepath.Base(path), err)
	}
	return nil
}

// appendErrorLog records a run failure. Failures of repeated attempts accumulate.
func appendErrorLog(dir string, runErr error, now time.Time) error {
	f, err := fs.Append(fs.Default, filepath.Join(dir, ErrorLogFile))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%s run failed: %v\n", now.Format(time.RFC3339), runErr); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
