// Package lifecycle drives a remote desktop instance from creation to a
// reachable forwarded URL, and tears it down again.
//
// A launch walks Idle → Creating → Booting → TunnelOpening →
// WaitingReachable → Running. Any error moves the controller to Failed,
// from which only Teardown returns it to Idle. Teardown from Running passes
// through ShuttingDown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/benaskins/ondemand/internal/audit"
	"github.com/benaskins/ondemand/internal/gcloud"
	"github.com/benaskins/ondemand/internal/port"
	"github.com/benaskins/ondemand/internal/probe"
	"github.com/benaskins/ondemand/internal/tunnel"
)

// State is the controller's position in the lifecycle.
type State string

const (
	StateIdle             State = "idle"
	StateCreating         State = "creating"
	StateBooting          State = "booting"
	StateTunnelOpening    State = "tunnel_opening"
	StateWaitingReachable State = "waiting_reachable"
	StateRunning          State = "running"
	StateShuttingDown     State = "shutting_down"
	StateFailed           State = "failed"
)

// Phase names a waiting loop in soft-timeout reports.
type Phase string

const (
	PhaseBoot  Phase = "boot"
	PhaseReach Phase = "reach"
)

var (
	// ErrBusy is returned when the controller cannot accept the request in
	// its current state.
	ErrBusy = errors.New("controller busy")

	// ErrTimeout is returned when a waiting loop runs out of attempts and
	// ProceedOnTimeout is off.
	ErrTimeout = errors.New("timed out waiting")

	// ErrTeardown wraps the failures of a partially failed teardown.
	ErrTeardown = errors.New("teardown failed")
)

// maxIDDraws bounds how often a suffix is redrawn when its port is taken.
const maxIDDraws = 16

// Provider is the cloud side of a launch. *gcloud.Client implements it.
type Provider interface {
	CreateInstance(ctx context.Context, id string) error
	InstanceStatus(ctx context.Context, id string) (gcloud.Status, error)
	DeleteInstance(ctx context.Context, id string) error
	tunnel.Opener
}

// Journal records launch history. *audit.Logger implements it.
type Journal interface {
	Log(audit.Entry) error
}

// Instance is the remote machine of one launch.
type Instance struct {
	ID        string        `json:"id"`
	Suffix    int           `json:"suffix"`
	Status    gcloud.Status `json:"status"`
	LocalPort int           `json:"local_port"`
	CreatedAt time.Time     `json:"created_at,omitzero"`
}

// Timings records how long each phase of a launch took.
type Timings struct {
	Create time.Duration `json:"create"`
	Boot   time.Duration `json:"boot"`
	Tunnel time.Duration `json:"tunnel"`
	Reach  time.Duration `json:"reach"`
	Total  time.Duration `json:"total"`
}

// Result describes a successful launch.
type Result struct {
	Launch       string   `json:"launch"`
	Instance     Instance `json:"instance"`
	URL          string   `json:"url"`
	SoftTimeouts []Phase  `json:"soft_timeouts,omitempty"`
	Timings      Timings  `json:"timings"`
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	State       State        `json:"state"`
	Launch      string       `json:"launch,omitempty"`
	Instance    *Instance    `json:"instance,omitempty"`
	URL         string       `json:"url,omitempty"`
	TunnelAlive bool         `json:"tunnel_alive"`
	TunnelPID   int          `json:"tunnel_pid,omitempty"`
	Health      probe.Status `json:"health,omitempty"`
	HealthError string       `json:"health_error,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
	Since       time.Time    `json:"since"`
}

// run holds the state of the current launch. Fields read by Status are
// guarded by Controller.mu.
type run struct {
	id       string
	inst     Instance
	created  creation
	url      string
	handle   *tunnel.Handle
	monitor  *probe.Monitor
	provider Provider
	tunnels  *tunnel.Manager
	logger   *slog.Logger
	lastSt   Stage
}

// creation tracks whether the launch's instance exists.
type creation int

const (
	createNone      creation = iota // not attempted, or rejected by gcloud
	createUncertain                 // create was interrupted; the instance may exist
	createConfirmed
)

type pending struct {
	cfg      Config
	provider Provider
}

// Controller runs one launch at a time.
type Controller struct {
	notifiers Notifiers
	journal   Journal
	ports     *port.Allocator
	intN      func(n int) int
	prober    func(cfg Config, localPort int) probe.Prober
	logger    *slog.Logger

	mu       sync.Mutex
	cfg      Config
	provider Provider
	tunnels  *tunnel.Manager
	state    State
	since    time.Time
	cur      *run
	lastErr  error
	pending  *pending
}

// Option configures a Controller.
type Option func(*Controller)

// WithNotifier adds a stage event consumer. May be given more than once.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) {
		c.notifiers = append(c.notifiers, n)
	}
}

// WithJournal records launches and teardowns.
func WithJournal(j Journal) Option {
	return func(c *Controller) {
		c.journal = j
	}
}

// WithAllocator replaces the port reservation table.
func WithAllocator(a *port.Allocator) Option {
	return func(c *Controller) {
		c.ports = a
	}
}

// WithRand replaces the suffix source. f must return a value in [0, n).
func WithRand(f func(n int) int) Option {
	return func(c *Controller) {
		c.intN = f
	}
}

// WithProber replaces the readiness check for a forwarded port.
func WithProber(f func(localPort int) probe.Prober) Option {
	return func(c *Controller) {
		c.prober = func(_ Config, localPort int) probe.Prober { return f(localPort) }
	}
}

// NewController creates an idle controller.
func NewController(cfg Config, provider Provider, opts ...Option) *Controller {
	c := &Controller{
		ports:  port.NewAllocator(),
		intN:   rand.IntN,
		logger: slog.With("component", "lifecycle"),
		prober: func(cfg Config, localPort int) probe.Prober {
			return probe.NewHTTP(localPort, "/", cfg.Reach.Timeout)
		},
		cfg:      cfg,
		provider: provider,
		tunnels:  tunnel.NewManager(provider, cfg.StopTimeout),
		state:    StateIdle,
		since:    time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot of the controller and the current launch.
func (c *Controller) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{State: c.state, Since: c.since}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	if l := c.cur; l != nil && c.state != StateIdle {
		inst := l.inst
		s.Launch = l.id
		s.Instance = &inst
		s.URL = l.url
		if l.handle.Alive() {
			s.TunnelAlive = true
			s.TunnelPID = l.handle.Info().PID
		}
		if l.monitor != nil {
			s.Health = l.monitor.CurrentStatus()
			s.HealthError = l.monitor.LastError()
		}
	}
	return s
}

// TunnelLogs returns the last n lines printed by the current or most
// recently closed tunnel.
func (c *Controller) TunnelLogs(n int) []string {
	c.mu.Lock()
	l := c.cur
	c.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.handle.Logs(n)
}

// Reconfigure replaces the config and provider. It applies immediately when
// idle and reports true; otherwise the change is held until the controller
// next returns to Idle.
func (c *Controller) Reconfigure(cfg Config, provider Provider) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		c.pending = &pending{cfg: cfg, provider: provider}
		c.logger.Info("config change deferred until idle", "state", c.state)
		return false
	}
	c.applyLocked(cfg, provider)
	return true
}

func (c *Controller) applyLocked(cfg Config, provider Provider) {
	c.cfg = cfg
	if provider != nil && provider != c.provider {
		c.provider = provider
		c.tunnels = tunnel.NewManager(provider, cfg.StopTimeout)
	}
	c.pending = nil
	c.logger.Info("config applied", "prefix", cfg.InstancePrefix, "base_port", cfg.BasePort)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.since = time.Now()
	c.mu.Unlock()
}

// Launch creates an instance, waits for it to boot, opens the tunnel and
// waits until the desktop answers. It blocks until the launch finishes or
// fails; ctx cancellation is honoured between attempts.
func (c *Controller) Launch(ctx context.Context) (res *Result, err error) {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot launch while %s", ErrBusy, state)
	}
	cfg, provider, tunnels := c.cfg, c.provider, c.tunnels
	runID := uuid.Must(uuid.NewV7()).String()
	l := &run{
		id:       runID,
		provider: provider,
		tunnels:  tunnels,
		logger:   c.logger.With("launch", runID),
	}
	c.cur = l
	c.lastErr = nil
	c.state = StateCreating
	c.since = time.Now()
	c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("launch panicked", "panic", r, "stack", string(debug.Stack()))
			res = nil
			err = fmt.Errorf("launch panicked: %v", r)
			c.fail(l, err)
		}
	}()

	res, err = c.launch(ctx, cfg, l)
	if err != nil {
		c.fail(l, err)
		return nil, err
	}
	return res, nil
}

func (c *Controller) launch(ctx context.Context, cfg Config, l *run) (*Result, error) {
	start := time.Now()
	res := &Result{Launch: l.id}

	inst, err := c.newInstance(cfg)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	l.inst = inst
	c.mu.Unlock()
	l.logger = l.logger.With("instance", inst.ID)
	c.record(audit.Entry{Action: audit.ActionLaunch, Launch: l.id, Instance: inst.ID, Port: inst.LocalPort})

	// Creating
	c.emit(l, StageCreating)
	l.logger.Info("creating instance", "local_port", inst.LocalPort)
	phase := time.Now()
	if err := l.provider.CreateInstance(ctx, inst.ID); err != nil {
		if ctx.Err() != nil || !gcloud.Rejected(err) {
			c.mu.Lock()
			l.created = createUncertain
			c.mu.Unlock()
		}
		return nil, fmt.Errorf("creating instance %s: %w", inst.ID, err)
	}
	c.mu.Lock()
	l.created = createConfirmed
	l.inst.CreatedAt = time.Now()
	c.mu.Unlock()
	res.Timings.Create = time.Since(phase)
	l.logger.Info("instance created", "elapsed", res.Timings.Create)

	// Booting
	c.setState(StateBooting)
	if cfg.ReportBootStage {
		c.emit(l, StageWaitingForBoot)
	}
	phase = time.Now()
	exhausted, err := c.waitBoot(ctx, cfg, l)
	if err != nil {
		return nil, err
	}
	res.Timings.Boot = time.Since(phase)
	if exhausted {
		if err := c.softTimeout(cfg, l, res, PhaseBoot, cfg.Boot.MaxAttempts); err != nil {
			return nil, err
		}
	} else {
		l.logger.Info("instance booted", "status", l.inst.Status, "elapsed", res.Timings.Boot)
	}

	// TunnelOpening
	c.setState(StateTunnelOpening)
	c.emit(l, StageTunnelEstablishing)
	phase = time.Now()
	h, err := l.tunnels.Open(ctx, inst.ID, inst.LocalPort)
	if err != nil {
		return nil, fmt.Errorf("opening tunnel to %s: %w", inst.ID, err)
	}
	c.mu.Lock()
	l.handle = h
	c.mu.Unlock()
	res.Timings.Tunnel = time.Since(phase)

	// WaitingReachable
	c.setState(StateWaitingReachable)
	phase = time.Now()
	prober := c.prober(cfg, inst.LocalPort)
	exhausted, err = c.waitReachable(ctx, cfg, l, prober)
	if err != nil {
		return nil, err
	}
	res.Timings.Reach = time.Since(phase)
	if exhausted {
		if err := c.softTimeout(cfg, l, res, PhaseReach, cfg.Reach.MaxAttempts); err != nil {
			return nil, err
		}
	}

	// Running
	url := cfg.URL(inst.LocalPort)
	monitor := probe.NewMonitor(cfg.Health, prober, l.logger.With("component", "health"), nil)
	c.mu.Lock()
	l.url = url
	l.monitor = monitor
	c.state = StateRunning
	c.since = time.Now()
	res.Instance = l.inst
	c.mu.Unlock()

	res.URL = url
	res.Timings.Total = time.Since(start)
	c.emit(l, StageRunning)
	monitor.Start(context.Background())

	l.logger.Info("desktop ready",
		"url", url,
		"create", res.Timings.Create,
		"boot", res.Timings.Boot,
		"tunnel", res.Timings.Tunnel,
		"reach", res.Timings.Reach,
		"total", res.Timings.Total,
	)
	c.record(audit.Entry{
		Action:   audit.ActionStage,
		Launch:   l.id,
		Instance: inst.ID,
		Stage:    string(StageRunning),
		Port:     inst.LocalPort,
		URL:      url,
		Elapsed:  res.Timings.Total.String(),
	})
	return res, nil
}

// newInstance draws a suffix and reserves its port, redrawing when the port
// is already taken so that LocalPort always equals BasePort plus the suffix.
func (c *Controller) newInstance(cfg Config) (Instance, error) {
	var lastErr error
	for range maxIDDraws {
		n := c.intN(cfg.IDRange) + 1
		id := fmt.Sprintf("%s-%d", cfg.InstancePrefix, n)
		p := port.Derive(cfg.BasePort, n)
		if err := c.ports.Reserve(id, p); err != nil {
			lastErr = err
			c.logger.Debug("suffix rejected, redrawing", "instance", id, "error", err)
			continue
		}
		return Instance{ID: id, Suffix: n, Status: gcloud.StatusUnknown, LocalPort: p}, nil
	}
	return Instance{}, fmt.Errorf("no free forwarding port after %d draws: %w", maxIDDraws, lastErr)
}

// waitBoot polls the instance status until it leaves the transitional set.
// It reports true when the attempts ran out first.
func (c *Controller) waitBoot(ctx context.Context, cfg Config, l *run) (bool, error) {
	for attempt := 1; attempt <= cfg.Boot.MaxAttempts; attempt++ {
		if err := pause(ctx, attempt, cfg.Boot.Interval); err != nil {
			return false, fmt.Errorf("waiting for %s to boot: %w", l.inst.ID, ctxErr(ctx, err))
		}

		st, err := l.provider.InstanceStatus(ctx, l.inst.ID)
		switch {
		case err == nil:
			c.mu.Lock()
			l.inst.Status = st
			c.mu.Unlock()
			l.logger.Debug("instance status", "status", st, "attempt", attempt)
			if !st.Transitional() {
				if st != gcloud.StatusRunning {
					l.logger.Warn("instance left boot in unexpected status", "status", st)
				}
				return false, nil
			}
		case errors.Is(err, gcloud.ErrParse):
			return false, fmt.Errorf("reading status of %s: %w", l.inst.ID, err)
		case ctx.Err() != nil:
			return false, fmt.Errorf("waiting for %s to boot: %w", l.inst.ID, ctx.Err())
		default:
			l.logger.Warn("status check failed, retrying", "attempt", attempt, "error", err)
		}
	}
	return true, nil
}

// waitReachable probes the forwarded port until anything answers. It
// reports true when the attempts ran out first.
func (c *Controller) waitReachable(ctx context.Context, cfg Config, l *run, prober probe.Prober) (bool, error) {
	for attempt := 1; attempt <= cfg.Reach.MaxAttempts; attempt++ {
		if err := pause(ctx, attempt, cfg.Reach.Interval); err != nil {
			return false, fmt.Errorf("waiting for desktop on port %d: %w", l.inst.LocalPort, ctxErr(ctx, err))
		}

		err := probeOnce(ctx, prober, cfg.Reach.Timeout)
		if err == nil {
			l.logger.Info("desktop reachable", "attempt", attempt)
			return false, nil
		}
		if ctx.Err() != nil {
			return false, fmt.Errorf("waiting for desktop on port %d: %w", l.inst.LocalPort, ctx.Err())
		}
		if probe.Refused(err) {
			l.logger.Debug("desktop not accepting connections yet", "attempt", attempt)
		} else {
			l.logger.Debug("desktop probe failed", "attempt", attempt, "error", err)
		}
	}
	return true, nil
}

func (c *Controller) softTimeout(cfg Config, l *run, res *Result, p Phase, attempts int) error {
	if !cfg.ProceedOnTimeout {
		return fmt.Errorf("%w: %s did not finish after %d attempts", ErrTimeout, p, attempts)
	}
	l.logger.Warn("TimeoutSoft: proceeding without confirmation", "phase", p, "attempts", attempts)
	res.SoftTimeouts = append(res.SoftTimeouts, p)
	c.record(audit.Entry{Action: audit.ActionSoftTimeout, Launch: l.id, Instance: l.inst.ID, Stage: string(p)})
	return nil
}

// fail moves the controller to Failed. An open tunnel is closed at once;
// a created instance is kept until Teardown.
func (c *Controller) fail(l *run, err error) {
	if l.handle != nil {
		l.tunnels.Close(l.handle)
	}

	c.mu.Lock()
	c.state = StateFailed
	c.since = time.Now()
	c.lastErr = err
	created := l.created
	id := l.inst.ID
	c.mu.Unlock()

	l.logger.Error("launch failed", "error", err)
	switch created {
	case createConfirmed:
		l.logger.Warn("instance is still running, tear down to delete it", "instance", id)
	case createUncertain:
		l.logger.Warn("create was interrupted and the instance may exist, tear down to delete it", "instance", id)
	}
	c.record(audit.Entry{Action: audit.ActionLaunchFailed, Launch: l.id, Instance: id, Error: err.Error()})
}

// Teardown closes the tunnel, deletes the instance if it may exist and
// returns the controller to Idle. It is a no-op when idle. Partial failures
// are reported as an error matching ErrTeardown; the controller ends in
// Idle regardless.
func (c *Controller) Teardown(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return nil
	case StateRunning, StateFailed:
	default:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot tear down while %s", ErrBusy, state)
	}
	l := c.cur
	c.state = StateShuttingDown
	c.since = time.Now()
	c.mu.Unlock()

	l.logger.Info("tearing down")

	if l.monitor != nil {
		l.monitor.Stop()
	}

	var errs []error
	if err := l.tunnels.Close(l.handle); err != nil {
		errs = append(errs, err)
	}

	deleteFailed := false
	if l.created != createNone {
		err := l.provider.DeleteInstance(ctx, l.inst.ID)
		switch {
		case err == nil:
			l.logger.Info("instance deleted")
		case l.created == createUncertain && gcloud.NotFound(err):
			l.logger.Info("interrupted create never produced an instance")
		default:
			deleteFailed = true
			errs = append(errs, fmt.Errorf("deleting instance %s: %w", l.inst.ID, err))
		}
	}
	if l.inst.ID != "" {
		c.ports.Release(l.inst.ID)
	}

	var err error
	if len(errs) > 0 {
		err = fmt.Errorf("%w: %w", ErrTeardown, errors.Join(errs...))
	}

	c.mu.Lock()
	c.state = StateIdle
	c.since = time.Now()
	c.lastErr = err
	if c.pending != nil {
		c.applyLocked(c.pending.cfg, c.pending.provider)
	}
	c.mu.Unlock()

	entry := audit.Entry{Action: audit.ActionTeardown, Launch: l.id, Instance: l.inst.ID}
	if err != nil {
		entry.Error = err.Error()
		if deleteFailed {
			entry.Action = audit.ActionTeardownFailed
		}
		l.logger.Error("teardown incomplete", "error", err)
	}
	c.record(entry)
	return err
}

// emit notifies consumers of stage s unless it would move backwards.
func (c *Controller) emit(l *run, s Stage) {
	if s.order() <= l.lastSt.order() {
		return
	}
	l.lastSt = s

	c.mu.Lock()
	ev := StageEvent{
		Stage:      s,
		Launch:     l.id,
		InstanceID: l.inst.ID,
		LocalPort:  l.inst.LocalPort,
		URL:        l.url,
		Time:       time.Now(),
	}
	c.mu.Unlock()

	l.logger.Debug("stage", "stage", s)
	c.notifiers.OnStage(ev)
	if s != StageRunning {
		c.record(audit.Entry{Action: audit.ActionStage, Launch: l.id, Instance: l.inst.ID, Stage: string(s)})
	}
}

func (c *Controller) record(e audit.Entry) {
	if c.journal == nil {
		return
	}
	if err := c.journal.Log(e); err != nil {
		c.logger.Warn("journal write failed", "error", err)
	}
}

func probeOnce(ctx context.Context, p probe.Prober, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return p.Probe(ctx)
}

// ctxErr prefers the context's own error over the limiter's. The limiter
// refuses early when the next slot falls after the deadline.
// pause waits d before every attempt but the first, so the gap between the
// end of one attempt and the start of the next is d however long the
// attempt took. It refuses early when ctx would expire before d passes.
func pause(ctx context.Context, attempt int, d time.Duration) error {
	if attempt == 1 || d <= 0 {
		return ctx.Err()
	}
	lim := rate.NewLimiter(rate.Every(d), 1)
	lim.Allow()
	return lim.Wait(ctx)
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if _, ok := ctx.Deadline(); ok {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}
