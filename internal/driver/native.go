package driver

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/benaskins/ondemand/internal/logbuf"
)

// killGrace bounds how long Stop waits for the process to be reaped after SIGKILL.
const killGrace = 5 * time.Second

// NativeDriver manages a native (fork/exec) subprocess.
type NativeDriver struct {
	command string
	args    []string
	env     []string

	mu        sync.Mutex
	cmd       *exec.Cmd
	state     State
	startedAt time.Time
	exitCode  int
	exitErr   string
	buf       *logbuf.Ring
	done      chan struct{}
}

// NativeConfig holds configuration for a native subprocess.
type NativeConfig struct {
	Command string
	Args    []string // passed verbatim, never re-split
	Env     []string // nil inherits the parent environment
	BufSize int      // log ring buffer size (lines), 0 for default
}

// NewNative creates a new native subprocess driver.
func NewNative(cfg NativeConfig) *NativeDriver {
	bufSize := cfg.BufSize
	if bufSize <= 0 {
		bufSize = 500
	}

	return &NativeDriver{
		command: cfg.Command,
		args:    cfg.Args,
		env:     cfg.Env,
		state:   StateStopped,
		buf:     logbuf.New(bufSize),
	}
}

func (d *NativeDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateRunning || d.state == StateStarting {
		return fmt.Errorf("process already running")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Not CommandContext: the subprocess is long-lived and is stopped
	// explicitly through Stop, not by the caller's context ending.
	d.cmd = exec.Command(d.command, d.args...)
	d.cmd.Env = d.env
	d.cmd.Stdout = d.buf
	d.cmd.Stderr = d.buf

	// Own process group so Stop reaches ssh children spawned by gcloud.
	d.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	d.state = StateStarting

	if err := d.cmd.Start(); err != nil {
		d.state = StateFailed
		d.exitErr = err.Error()
		return fmt.Errorf("starting process: %w", err)
	}

	d.state = StateRunning
	d.startedAt = time.Now()
	d.done = make(chan struct{})

	go d.reap(d.cmd, d.done)

	return nil
}

func (d *NativeDriver) reap(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateStopping {
		d.state = StateStopped
	} else {
		d.state = StateFailed
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			d.exitCode = exitErr.ExitCode()
		}
		d.exitErr = err.Error()
	} else {
		d.exitCode = 0
	}

	close(done)
}

func (d *NativeDriver) Stop(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()

	if d.state != StateRunning {
		d.mu.Unlock()
		return nil
	}

	d.state = StateStopping
	pid := d.cmd.Process.Pid
	done := d.done
	d.mu.Unlock()

	_ = unix.Kill(-pid, unix.SIGTERM)

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return d.kill(pid, done, nil)
	case <-ctx.Done():
		return d.kill(pid, done, ctx.Err())
	}
}

func (d *NativeDriver) kill(pid int, done <-chan struct{}, cause error) error {
	_ = unix.Kill(-pid, unix.SIGKILL)
	select {
	case <-done:
		return cause
	case <-time.After(killGrace):
		return fmt.Errorf("process %d not reaped after SIGKILL", pid)
	}
}

func (d *NativeDriver) Info() ProcessInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	info := ProcessInfo{
		State:     d.state,
		StartedAt: d.startedAt,
		ExitCode:  d.exitCode,
		Error:     d.exitErr,
	}

	if d.cmd != nil && d.cmd.Process != nil {
		info.PID = d.cmd.Process.Pid
	}

	return info
}

func (d *NativeDriver) Wait() (int, error) {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()

	if done == nil {
		return -1, fmt.Errorf("process not started")
	}
	<-done

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitCode, nil
}

func (d *NativeDriver) LogLines(n int) []string {
	return d.buf.Last(n)
}
