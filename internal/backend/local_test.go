package backend

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestLocalRun_Success(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell test")
	}

	res := NewLocal().Run(context.Background(), "echo hi", 5*time.Second)

	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if !strings.Contains(res.Output, "hi") {
		t.Fatalf("output %q does not contain %q", res.Output, "hi")
	}
}

func TestLocalRun_NonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell test")
	}

	res := NewLocal().Run(context.Background(), "echo oops >&2; exit 3", 5*time.Second)

	if res.Success {
		t.Fatal("expected failure for non-zero exit")
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Error, "oops") {
		t.Fatalf("stderr %q does not contain %q", res.Error, "oops")
	}
}

func TestLocalRun_Timeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell test")
	}

	start := time.Now()
	res := NewLocal().Run(context.Background(), "sleep 10", 200*time.Millisecond)
	elapsed := time.Since(start)

	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if res.ExitCode != -1 {
		t.Fatalf("exit code = %d, want -1", res.ExitCode)
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Fatalf("error %q does not name the timeout", res.Error)
	}
	if res.Output != "" {
		t.Fatalf("output should be empty on timeout, got %q", res.Output)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("timeout took %s; process was not terminated promptly", elapsed)
	}
}

func TestLocalRun_TimeoutKillsForkedChildren(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell test")
	}

	// The backgrounded sleep inherits the shell's stdout pipe. The deadline
	// must still end the run: kill the process group, not just the shell.
	start := time.Now()
	res := NewLocal().Run(context.Background(), "sleep 3 &", 500*time.Millisecond)
	elapsed := time.Since(start)

	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Fatalf("error %q does not name the timeout", res.Error)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("run took %s; forked child kept the command alive", elapsed)
	}
}

func TestLocalRun_BackgroundChildWithinDeadline(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell test")
	}

	// The shell exits 0 immediately; the grandchild holding the pipes must
	// not block the result past the wait delay.
	start := time.Now()
	res := NewLocal().Run(context.Background(), "echo started; sleep 5 &", 30*time.Second)
	elapsed := time.Since(start)

	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if !strings.Contains(res.Output, "started") {
		t.Fatalf("output %q does not contain %q", res.Output, "started")
	}
	if elapsed > 3*time.Second {
		t.Fatalf("run took %s; pipe holder blocked the result", elapsed)
	}
}

func TestLocalRun_MissingBinary(t *testing.T) {
	res := NewLocal().Run(context.Background(), "/nonexistent/binary-xyz", 5*time.Second)

	if res.Success {
		t.Fatal("expected failure for missing binary")
	}
	if res.ExitCode == 0 {
		t.Fatal("exit code should be non-zero for missing binary")
	}
	if res.Error == "" {
		t.Fatal("error message should not be empty")
	}
}

func TestLocalRun_DefaultTimeoutApplied(t *testing.T) {
	// Passing a zero timeout must not mean "no timeout"; we only verify the
	// call still completes for a fast command.
	res := NewLocal().Run(context.Background(), "true", 0)
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
}
