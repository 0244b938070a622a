package sysinfo

import (
	"context"
	"runtime"
	"testing"
)

func TestCollect(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("probe assertions assume a unix toolchain")
	}

	info := Collect(context.Background())

	if info.Platform != runtime.GOOS {
		t.Fatalf("platform = %q, want %q", info.Platform, runtime.GOOS)
	}
	if info.Timestamp.IsZero() {
		t.Fatal("expected snapshot timestamp")
	}
	if info.DiskUsage.RawOutput == "" && info.DiskUsage.Error == "" {
		t.Fatal("disk probe produced neither output nor error")
	}
	if info.DiskUsage.RawOutput != "" && info.DiskUsage.Error != "" {
		t.Fatalf("disk probe set both fields: %+v", info.DiskUsage)
	}
}

func TestRunProbeMissingBinary(t *testing.T) {
	p := runProbe(context.Background(), []string{"/nonexistent/probe-xyz"})
	if p.Error == "" {
		t.Fatal("expected error text for missing binary")
	}
	if p.RawOutput != "" {
		t.Fatalf("output = %q, want empty", p.RawOutput)
	}
}
