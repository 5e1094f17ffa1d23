package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/benaskins/ondemand/internal/port"
	"github.com/benaskins/ondemand/internal/probe"
)

// Poll bounds one of the waiting loops.
type Poll struct {
	Interval    time.Duration // delay between attempts
	MaxAttempts int           // attempts before the loop gives up
	Timeout     time.Duration // per-attempt limit, reachability only
}

// Config controls identity generation, timing and the timeout policy.
type Config struct {
	InstancePrefix string
	IDRange        int // suffixes are drawn from [1, IDRange]
	BasePort       int
	DesktopPath    string

	Boot  Poll
	Reach Poll

	// ProceedOnTimeout continues the launch when a waiting loop runs out of
	// attempts. When false the launch fails with ErrTimeout instead.
	ProceedOnTimeout bool

	// ReportBootStage emits StageWaitingForBoot between creating and
	// opening the tunnel.
	ReportBootStage bool

	StopTimeout time.Duration
	Health      probe.MonitorConfig
}

// DefaultConfig returns the settings the desktop image is built for: six
// minutes of boot polling and five minutes of reachability polling.
func DefaultConfig() Config {
	return Config{
		InstancePrefix:   "sdp-slicer-on-demand",
		IDRange:          1000,
		BasePort:         6080,
		DesktopPath:      "vnc.html",
		Boot:             Poll{Interval: time.Second, MaxAttempts: 360},
		Reach:            Poll{Interval: time.Second, MaxAttempts: 300, Timeout: 2 * time.Second},
		ProceedOnTimeout: true,
		StopTimeout:      5 * time.Second,
		Health: probe.MonitorConfig{
			Interval:           10 * time.Second,
			Timeout:            2 * time.Second,
			UnhealthyThreshold: 3,
		},
	}
}

// Validate checks that ids and ports derived from the config are usable.
func (c Config) Validate() error {
	if c.InstancePrefix == "" {
		return fmt.Errorf("instance prefix is required")
	}
	if c.IDRange < 1 {
		return fmt.Errorf("id range must be at least 1, got %d", c.IDRange)
	}
	if c.BasePort < 1 {
		return fmt.Errorf("base port must be positive, got %d", c.BasePort)
	}
	if c.BasePort+c.IDRange > port.MaxPort {
		return fmt.Errorf("base port %d + id range %d exceeds %d", c.BasePort, c.IDRange, port.MaxPort)
	}
	if c.Boot.MaxAttempts < 1 {
		return fmt.Errorf("boot max attempts must be at least 1")
	}
	if c.Reach.MaxAttempts < 1 {
		return fmt.Errorf("reach max attempts must be at least 1")
	}
	if c.Boot.Interval < 0 || c.Reach.Interval < 0 {
		return fmt.Errorf("poll intervals must not be negative")
	}
	return nil
}

// URL returns the address of the desktop forwarded to localPort.
func (c Config) URL(localPort int) string {
	return fmt.Sprintf("http://localhost:%d/%s?autoconnect=true", localPort, strings.TrimPrefix(c.DesktopPath, "/"))
}
