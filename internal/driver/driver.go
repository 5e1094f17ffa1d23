// Package driver runs long-lived helper subprocesses such as the gcloud ssh
// port forward, and reports whether they are still up.
package driver

import (
	"context"
	"time"
)

// State is where a subprocess is in its run.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed" // exited without being asked to
)

// ProcessInfo is a snapshot of a subprocess.
type ProcessInfo struct {
	PID       int       `json:"pid,omitempty"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at,omitzero"`
	ExitCode  int       `json:"exit_code,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Alive reports whether the subprocess is started and has not exited.
func (i ProcessInfo) Alive() bool {
	return i.State == StateRunning || i.State == StateStarting
}

// Driver starts and stops one subprocess.
type Driver interface {
	// Start spawns the process without waiting for it. The process is not
	// bound to ctx; only Stop ends it.
	Start(ctx context.Context) error

	// Stop signals the process group, then kills it once timeout passes.
	// Stopping a process that is not running is a no-op.
	Stop(ctx context.Context, timeout time.Duration) error

	Info() ProcessInfo

	// Wait blocks until exit and returns the exit code.
	Wait() (int, error)

	// LogLines returns up to n of the most recent output lines.
	LogLines(n int) []string
}
