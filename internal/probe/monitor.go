package probe

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status represents the health state of a forwarded endpoint.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// MonitorConfig controls periodic checking.
type MonitorConfig struct {
	Interval           time.Duration // time between checks
	Timeout            time.Duration // max time per check
	UnhealthyThreshold int           // consecutive failures before unhealthy
}

// Monitor runs periodic probes and tracks state.
type Monitor struct {
	cfg    MonitorConfig
	prober Prober
	logger *slog.Logger

	mu               sync.Mutex
	status           Status
	consecutiveFails int
	lastError        string
	cancel           context.CancelFunc
	done             chan struct{}

	// onUnhealthy is called when the endpoint transitions to unhealthy.
	onUnhealthy func()
}

// NewMonitor creates a monitor around prober.
func NewMonitor(cfg MonitorConfig, prober Prober, logger *slog.Logger, onUnhealthy func()) *Monitor {
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Monitor{
		cfg:         cfg,
		prober:      prober,
		logger:      logger,
		status:      StatusUnknown,
		onUnhealthy: onUnhealthy,
	}
}

// Start begins periodic checking.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop halts the check loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// CurrentStatus returns the current health status.
func (m *Monitor) CurrentStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LastError returns the message of the most recent failed check, if any.
func (m *Monitor) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

func (m *Monitor) run(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.cancel = nil
		close(m.done)
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.check(ctx)

	for {
		select {
		case <-ticker.C:
			m.check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	err := m.prober.Probe(checkCtx)

	// Don't record results from a cancelled context, the monitor is shutting down
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	prevStatus := m.status

	if err == nil {
		m.consecutiveFails = 0
		m.status = StatusHealthy
		m.lastError = ""
	} else {
		m.consecutiveFails++
		m.lastError = err.Error()
		if m.consecutiveFails >= m.cfg.UnhealthyThreshold {
			m.status = StatusUnhealthy
		}
	}

	newStatus := m.status
	consecutiveFails := m.consecutiveFails
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("tunnel check failed",
			"error", err,
			"consecutive_fails", consecutiveFails,
			"threshold", m.cfg.UnhealthyThreshold,
		)
	} else if prevStatus == StatusUnhealthy {
		m.logger.Info("tunnel recovered")
	}

	if prevStatus != StatusUnhealthy && newStatus == StatusUnhealthy {
		m.logger.Error("tunnel is unhealthy", "consecutive_fails", consecutiveFails)
		if m.onUnhealthy != nil {
			m.onUnhealthy()
		}
	}
}
