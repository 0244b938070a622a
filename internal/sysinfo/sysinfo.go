// Package sysinfo collects raw system probe output for the system-info
// endpoint. Probe output is deliberately unparsed: callers get each probe's
// stdout, or its error text, verbatim.
package sysinfo

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// probeTimeout bounds each individual probe command.
const probeTimeout = 5 * time.Second

// Probe holds one probe's outcome. Exactly one of the fields is set.
type Probe struct {
	RawOutput string `json:"raw_output,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Info is the system-info snapshot.
type Info struct {
	Platform   string    `json:"platform"`
	DiskUsage  Probe     `json:"disk_usage"`
	MemoryInfo Probe     `json:"memory_info"`
	CPUInfo    Probe     `json:"cpu_info"`
	Timestamp  time.Time `json:"timestamp"`
}

// Collect runs the disk, memory, and CPU probes for the current platform.
// A failing probe never fails the snapshot; its error is part of the data.
func Collect(ctx context.Context) Info {
	disk, mem, cpu := probeCommands()
	return Info{
		Platform:   runtime.GOOS,
		DiskUsage:  runProbe(ctx, disk),
		MemoryInfo: runProbe(ctx, mem),
		CPUInfo:    runProbe(ctx, cpu),
		Timestamp:  time.Now().UTC(),
	}
}

func probeCommands() (disk, mem, cpu []string) {
	switch runtime.GOOS {
	case "windows":
		return []string{"wmic", "logicaldisk", "get", "size,freespace,caption"},
			[]string{"wmic", "OS", "get", "TotalVisibleMemorySize,FreePhysicalMemory", "/value"},
			[]string{"wmic", "cpu", "get", "name,NumberOfCores,MaxClockSpeed", "/value"}
	case "darwin":
		return []string{"df", "-h"},
			[]string{"vm_stat"},
			[]string{"sysctl", "-n", "machdep.cpu.brand_string"}
	default:
		return []string{"df", "-h"},
			[]string{"free", "-m"},
			[]string{"lscpu"}
	}
}

func runProbe(ctx context.Context, argv []string) Probe {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return Probe{Error: strings.TrimSpace(string(exitErr.Stderr))}
		}
		return Probe{Error: err.Error()}
	}
	return Probe{RawOutput: string(out)}
}
