package driver

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestNativeStartAndWait(t *testing.T) {
	d := NewNative(NativeConfig{
		Command: "echo",
		Args:    []string{"hello"},
	})

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	info := d.Info()
	if info.PID <= 0 {
		t.Errorf("expected positive PID, got %d", info.PID)
	}

	exitCode, err := d.Wait()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if exitCode != 0 {
		t.Errorf("expected exit code 0, got %d", exitCode)
	}

	// An exit nobody asked for is a failure from the tunnel's point of view.
	if info := d.Info(); info.State != StateFailed {
		t.Errorf("expected state failed (unrequested exit), got %v", info.State)
	}
}

func TestNativeArgsNotResplit(t *testing.T) {
	d := NewNative(NativeConfig{
		Command: "echo",
		Args:    []string{"-L 6122:localhost:6080"},
	})

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	d.Wait()

	lines := d.LogLines(10)
	if len(lines) != 1 || lines[0] != "-L 6122:localhost:6080" {
		t.Errorf("expected single argument echoed verbatim, got %v", lines)
	}
}

func TestNativeStdoutCapture(t *testing.T) {
	d := NewNative(NativeConfig{
		Command: "sh",
		Args:    []string{"-c", "echo out; echo err >&2"},
	})

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	d.Wait()

	joined := strings.Join(d.LogLines(10), "\n")
	if !strings.Contains(joined, "out") || !strings.Contains(joined, "err") {
		t.Errorf("expected stdout and stderr captured, got %q", joined)
	}
}

func TestNativeStopGraceful(t *testing.T) {
	d := NewNative(NativeConfig{
		Command: "sleep",
		Args:    []string{"60"},
	})

	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	if info := d.Info(); info.State != StateRunning {
		t.Fatalf("expected running, got %v", info.State)
	}

	if err := d.Stop(ctx, 5*time.Second); err != nil {
		t.Fatalf("failed to stop: %v", err)
	}

	if info := d.Info(); info.State != StateStopped {
		t.Errorf("expected stopped, got %v", info.State)
	}
}

func TestNativeStopEscalatesToKill(t *testing.T) {
	d := NewNative(NativeConfig{
		Command: "sh",
		Args:    []string{"-c", "trap '' TERM; sleep 60"},
	})

	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	// Give the shell a moment to install the trap.
	time.Sleep(100 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		done <- d.Stop(ctx, 50*time.Millisecond)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Stop() hung after SIGKILL")
	}
}

func TestNativeFailedProcess(t *testing.T) {
	d := NewNative(NativeConfig{Command: "false"})

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	exitCode, _ := d.Wait()
	if exitCode != 1 {
		t.Errorf("expected exit code 1, got %d", exitCode)
	}
	if info := d.Info(); info.State != StateFailed {
		t.Errorf("expected failed, got %v", info.State)
	}
}

func TestNativeMissingBinary(t *testing.T) {
	d := NewNative(NativeConfig{Command: "/nonexistent/gcloud"})

	if err := d.Start(context.Background()); err == nil {
		t.Fatal("expected error starting missing binary")
	}
	if info := d.Info(); info.State != StateFailed {
		t.Errorf("expected failed, got %v", info.State)
	}
}

func TestNativeStartCancelledContext(t *testing.T) {
	d := NewNative(NativeConfig{Command: "true"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.Start(ctx); err == nil {
		t.Error("expected error starting with cancelled context")
	}
}

func TestNativeDoubleStart(t *testing.T) {
	d := NewNative(NativeConfig{
		Command: "sleep",
		Args:    []string{"60"},
	})

	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer d.Stop(ctx, 2*time.Second)

	if err := d.Start(ctx); err == nil {
		t.Error("expected error on double start")
	}
}

func TestNativeStopAlreadyStopped(t *testing.T) {
	d := NewNative(NativeConfig{Command: "true"})

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	d.Wait()

	if err := d.Stop(context.Background(), 2*time.Second); err != nil {
		t.Errorf("unexpected error stopping exited process: %v", err)
	}
}

func TestNativeWaitNotStarted(t *testing.T) {
	d := NewNative(NativeConfig{Command: "echo"})

	if _, err := d.Wait(); err == nil {
		t.Error("expected error waiting on unstarted process")
	}
}

func TestProcessInfoAlive(t *testing.T) {
	for state, want := range map[State]bool{
		StateStopped:  false,
		StateStarting: true,
		StateRunning:  true,
		StateStopping: false,
		StateFailed:   false,
	} {
		if got := (ProcessInfo{State: state}).Alive(); got != want {
			t.Errorf("Alive() for %s = %v, want %v", state, got, want)
		}
	}
}
