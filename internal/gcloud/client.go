// Package gcloud wraps the Google Cloud CLI for the handful of calls needed to
// run a remote desktop instance: create, describe, delete, ssh port forwarding,
// a few listings and an access token.
//
// Every call shells out synchronously and blocks until gcloud exits. Credentials
// are whatever the CLI already has configured.
package gcloud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/benaskins/ondemand/internal/driver"
)

// InstanceSpec is the fixed shape of instances created by the client.
type InstanceSpec struct {
	Project      string
	Zone         string // optional, gcloud's default zone when empty
	MachineType  string
	Accelerator  string
	Image        string
	ImageProject string
	BootDiskSize string
	BootDiskType string
	RemotePort   int // service port forwarded by OpenTunnel
}

// Result is the raw outcome of one gcloud invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes a command to completion. It returns an error only when the
// command could not be run at all; a non-zero exit is reported in Result.
type Runner interface {
	Run(ctx context.Context, name string, args []string) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args []string) (Result, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}

// Client issues gcloud subcommands for one project.
type Client struct {
	binary    string
	runner    Runner
	newDriver func(driver.NativeConfig) driver.Driver
	logger    *slog.Logger

	mu   sync.RWMutex
	spec InstanceSpec
}

// Option configures the client.
type Option func(*Client)

// WithBinary overrides the gcloud executable (default "gcloud").
func WithBinary(path string) Option {
	return func(c *Client) {
		if path != "" {
			c.binary = path
		}
	}
}

// WithRunner replaces the command runner, mainly for tests.
func WithRunner(r Runner) Option {
	return func(c *Client) {
		c.runner = r
	}
}

// WithDriverFactory replaces how tunnel subprocess drivers are built.
func WithDriverFactory(f func(driver.NativeConfig) driver.Driver) Option {
	return func(c *Client) {
		c.newDriver = f
	}
}

// NewClient creates a client for the given instance spec.
func NewClient(spec InstanceSpec, opts ...Option) *Client {
	c := &Client{
		binary: "gcloud",
		runner: ExecRunner{},
		newDriver: func(cfg driver.NativeConfig) driver.Driver {
			return driver.NewNative(cfg)
		},
		logger: slog.With("component", "gcloud"),
		spec:   spec,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Spec returns the instance spec currently in use.
func (c *Client) Spec() InstanceSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.spec
}

// Configure replaces the instance spec for subsequent calls.
func (c *Client) Configure(spec InstanceSpec) {
	c.mu.Lock()
	c.spec = spec
	c.mu.Unlock()
}

// Run executes gcloud with args and waits for it to exit. A non-zero exit
// returns a *CallError carrying stderr; stderr on success is logged as a warning.
func (c *Client) Run(ctx context.Context, args ...string) (stdout, stderr string, err error) {
	c.logger.Debug("gcloud", "args", strings.Join(args, " "))

	res, err := c.runner.Run(ctx, c.binary, args)
	if err != nil {
		return res.Stdout, res.Stderr, &CallError{Args: args, ExitCode: -1, Stderr: res.Stderr, Err: err}
	}
	if res.ExitCode != 0 {
		c.logger.Error("gcloud error", "args", strings.Join(args, " "), "exit_code", res.ExitCode, "stderr", strings.TrimSpace(res.Stderr))
		return res.Stdout, res.Stderr, &CallError{Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	if s := strings.TrimSpace(res.Stderr); s != "" {
		c.logger.Warn("gcloud warning", "args", strings.Join(args, " "), "stderr", s)
	}
	return res.Stdout, res.Stderr, nil
}

// Projects lists the projects visible to the active account.
func (c *Client) Projects(ctx context.Context) ([]string, error) {
	return c.list(ctx, "projects", "list")
}

// Datasets lists healthcare datasets in the project.
func (c *Client) Datasets(ctx context.Context) ([]string, error) {
	return c.list(ctx, c.projectArgs("healthcare", "datasets", "list")...)
}

// DicomStores lists DICOM stores in a healthcare dataset.
func (c *Client) DicomStores(ctx context.Context, dataset string) ([]string, error) {
	return c.list(ctx, c.projectArgs("healthcare", "dicom-stores", "list", "--dataset", dataset)...)
}

// Instances lists compute instances in the project.
func (c *Client) Instances(ctx context.Context) ([]string, error) {
	return c.list(ctx, c.computeArgs("instances", "list")...)
}

func (c *Client) list(ctx context.Context, args ...string) ([]string, error) {
	out, _, err := c.Run(ctx, args...)
	if err != nil {
		return nil, err
	}
	return splitListing(out), nil
}

// CreateInstance requests a new instance. It returns once the API accepted
// the request; the instance is usually still provisioning.
func (c *Client) CreateInstance(ctx context.Context, id string) error {
	spec := c.Spec()
	_, _, err := c.Run(ctx, c.computeArgs("instances", "create", id,
		"--machine-type="+spec.MachineType,
		fmt.Sprintf("--accelerator=type=%s,count=1", spec.Accelerator),
		"--image="+spec.Image,
		"--image-project="+spec.ImageProject,
		"--boot-disk-size="+spec.BootDiskSize,
		"--boot-disk-type="+spec.BootDiskType,
		"--maintenance-policy=TERMINATE",
	)...)
	if err != nil {
		return fmt.Errorf("creating instance %s: %w", id, err)
	}
	return nil
}

// InstanceStatus describes the instance and returns its status.
func (c *Client) InstanceStatus(ctx context.Context, id string) (Status, error) {
	out, _, err := c.Run(ctx, c.computeArgs("instances", "describe", "--format", "json", id)...)
	if err != nil {
		return StatusUnknown, fmt.Errorf("describing instance %s: %w", id, err)
	}
	return parseDescribe(out)
}

// DeleteInstance deletes the instance without prompting.
func (c *Client) DeleteInstance(ctx context.Context, id string) error {
	if _, _, err := c.Run(ctx, c.computeArgs("instances", "delete", id, "--quiet")...); err != nil {
		return fmt.Errorf("deleting instance %s: %w", id, err)
	}
	return nil
}

// OpenTunnel starts `gcloud compute ssh` forwarding localPort to the remote
// service port and returns the running driver without waiting for the
// forward to come up.
func (c *Client) OpenTunnel(ctx context.Context, id string, localPort int) (driver.Driver, error) {
	spec := c.Spec()
	args := c.computeArgs("ssh", id)
	args = append(args, "--", "-L", fmt.Sprintf("%d:localhost:%d", localPort, spec.RemotePort))

	drv := c.newDriver(driver.NativeConfig{Command: c.binary, Args: args})
	c.logger.Info("opening tunnel", "instance", id, "local_port", localPort, "remote_port", spec.RemotePort)
	if err := drv.Start(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTunnelStart, id, err)
	}
	return drv, nil
}

// AccessToken prints the active account's access token.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	out, _, err := c.Run(ctx, "auth", "print-access-token")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *Client) projectArgs(args ...string) []string {
	return append([]string{"--project", c.Spec().Project}, args...)
}

// computeArgs builds `--project P compute <args> [--zone Z]`. The zone flag
// goes before any `--` separator so ssh never sees it.
func (c *Client) computeArgs(args ...string) []string {
	spec := c.Spec()
	out := append([]string{"--project", spec.Project, "compute"}, args...)
	if spec.Zone != "" {
		out = append(out, "--zone", spec.Zone)
	}
	return out
}

