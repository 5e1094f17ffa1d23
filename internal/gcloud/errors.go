package gcloud

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
)

var (
	// ErrProviderCall is matched by every non-zero exit of the gcloud CLI.
	ErrProviderCall = errors.New("gcloud call failed")

	// ErrParse is matched when gcloud output cannot be interpreted.
	ErrParse = errors.New("unparseable gcloud output")

	// ErrTunnelStart is matched when the tunnel subprocess cannot be spawned.
	ErrTunnelStart = errors.New("tunnel failed to start")
)

// CallError describes a gcloud invocation that exited non-zero.
type CallError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error // underlying exec error, if the binary never ran
}

func (e *CallError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("gcloud %s: exit %d: %s", strings.Join(e.Args, " "), e.ExitCode, msg)
}

func (e *CallError) Is(target error) bool { return target == ErrProviderCall }

func (e *CallError) Unwrap() error { return e.Err }

// ParseError describes output that did not have the expected shape.
type ParseError struct {
	What   string
	Output string
	Err    error
}

func (e *ParseError) Error() string {
	out := e.Output
	if len(out) > 200 {
		out = out[:200] + "..."
	}
	if e.Err != nil {
		return fmt.Sprintf("parsing %s: %v (output %q)", e.What, e.Err, out)
	}
	return fmt.Sprintf("parsing %s: output %q", e.What, out)
}

func (e *ParseError) Is(target error) bool { return target == ErrParse }

func (e *ParseError) Unwrap() error { return e.Err }

// Rejected reports whether err is a gcloud call that had no effect: it ran
// to completion and exited non-zero, or the binary could not be found. A
// call killed by a signal or a cancelled context is not a rejection, since
// gcloud may already have submitted the request.
func Rejected(err error) bool {
	var ce *CallError
	if !errors.As(err, &ce) {
		return false
	}
	if ce.ExitCode > 0 {
		return true
	}
	return errors.Is(ce.Err, exec.ErrNotFound) || errors.Is(ce.Err, fs.ErrNotExist)
}

// NotFound reports whether err is gcloud saying the resource does not exist.
func NotFound(err error) bool {
	var ce *CallError
	if !errors.As(err, &ce) || ce.ExitCode <= 0 {
		return false
	}
	return strings.Contains(ce.Stderr, "was not found") || strings.Contains(ce.Stderr, "notFound")
}
