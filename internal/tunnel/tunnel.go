// Package tunnel owns the single port-forwarding subprocess that connects a
// local port to the remote desktop service on an instance.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benaskins/ondemand/internal/driver"
)

// DefaultStopTimeout is how long a tunnel gets to exit after SIGTERM.
const DefaultStopTimeout = 5 * time.Second

// ErrActive is returned by Open while another tunnel is still alive.
var ErrActive = errors.New("a tunnel is already open")

// Opener starts the forwarding subprocess. The gcloud client implements it.
type Opener interface {
	OpenTunnel(ctx context.Context, id string, localPort int) (driver.Driver, error)
}

// Handle is one running forwarding subprocess.
type Handle struct {
	InstanceID string
	LocalPort  int
	OpenedAt   time.Time

	drv         driver.Driver
	stopTimeout time.Duration
	closeOnce   sync.Once
	closeErr    error
	closed      chan struct{}
}

// Alive reports whether the subprocess is still running and has not been closed.
func (h *Handle) Alive() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.closed:
		return false
	default:
	}
	return h.drv.Info().Alive()
}

// running reports whether the subprocess is up, closed or not.
func (h *Handle) running() bool {
	return h != nil && h.drv.Info().Alive()
}

// Info returns the subprocess state.
func (h *Handle) Info() driver.ProcessInfo {
	return h.drv.Info()
}

// Logs returns the last n lines the subprocess printed.
func (h *Handle) Logs(n int) []string {
	if h == nil {
		return nil
	}
	return h.drv.LogLines(n)
}

// Close terminates the subprocess. Closing more than once, or closing a nil
// handle, is a no-op and returns the first result.
func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		close(h.closed)
		ctx, cancel := context.WithTimeout(context.Background(), h.stopTimeout+10*time.Second)
		defer cancel()
		if err := h.drv.Stop(ctx, h.stopTimeout); err != nil {
			h.closeErr = fmt.Errorf("stopping tunnel for %s: %w", h.InstanceID, err)
		}
	})
	return h.closeErr
}

// Manager opens and closes tunnels, keeping at most one alive.
type Manager struct {
	opener      Opener
	stopTimeout time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	active *Handle
}

// NewManager creates a tunnel manager backed by opener. A non-positive
// stopTimeout selects DefaultStopTimeout.
func NewManager(opener Opener, stopTimeout time.Duration) *Manager {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &Manager{
		opener:      opener,
		stopTimeout: stopTimeout,
		logger:      slog.With("component", "tunnel"),
	}
}

// Open starts forwarding localPort to the instance and returns immediately;
// the forward is not necessarily accepting connections yet.
func (m *Manager) Open(ctx context.Context, id string, localPort int) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active.running() {
		return nil, fmt.Errorf("%w: %s on port %d", ErrActive, m.active.InstanceID, m.active.LocalPort)
	}

	drv, err := m.opener.OpenTunnel(ctx, id, localPort)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		InstanceID:  id,
		LocalPort:   localPort,
		OpenedAt:    time.Now(),
		drv:         drv,
		stopTimeout: m.stopTimeout,
		closed:      make(chan struct{}),
	}
	m.active = h
	m.logger.Info("tunnel started", "instance", id, "local_port", localPort, "pid", drv.Info().PID)
	return h, nil
}

// Close terminates h. It is idempotent. A handle whose subprocess survives
// the stop stays active, so Open keeps refusing until it is gone.
func (m *Manager) Close(h *Handle) error {
	if h == nil {
		return nil
	}
	err := h.Close()

	m.mu.Lock()
	if m.active == h && !h.running() {
		m.active = nil
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("tunnel did not stop cleanly", "instance", h.InstanceID, "error", err)
		return err
	}
	m.logger.Info("tunnel closed", "instance", h.InstanceID, "local_port", h.LocalPort)
	return nil
}

// Active returns the current tunnel, or nil.
func (m *Manager) Active() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
