package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/benaskins/ondemand/internal/gcloud"
	"github.com/benaskins/ondemand/internal/lifecycle"
	"github.com/benaskins/ondemand/internal/probe"
)

// Config holds settings loaded from ~/.ondemand/config.yaml.
type Config struct {
	Project      string `yaml:"project"`
	Zone         string `yaml:"zone,omitempty"`
	GcloudBinary string `yaml:"gcloud_binary,omitempty"`

	InstancePrefix string `yaml:"instance_prefix"`
	IDRange        int    `yaml:"id_range"`

	MachineType  string `yaml:"machine_type"`
	Accelerator  string `yaml:"accelerator"`
	Image        string `yaml:"image"`
	ImageProject string `yaml:"image_project"`
	BootDiskSize string `yaml:"boot_disk_size"`
	BootDiskType string `yaml:"boot_disk_type"`

	RemotePort  int    `yaml:"remote_port"`
	BasePort    int    `yaml:"base_port"`
	DesktopPath string `yaml:"desktop_path"`

	Boot   Poll   `yaml:"boot"`
	Reach  Poll   `yaml:"reach"`
	Health Health `yaml:"health"`

	// ProceedOnTimeout is a pointer so that an explicit false survives defaults.
	ProceedOnTimeout *bool    `yaml:"proceed_on_timeout,omitempty"`
	ReportBootStage  bool     `yaml:"report_boot_stage,omitempty"`
	StopTimeout      Duration `yaml:"stop_timeout,omitempty"`

	APIAddr  string `yaml:"api_addr,omitempty"`
	AuditLog string `yaml:"audit_log,omitempty"`
}

// Poll bounds a waiting loop.
type Poll struct {
	Interval    Duration `yaml:"interval,omitempty"`
	MaxAttempts int      `yaml:"max_attempts,omitempty"`
	Timeout     Duration `yaml:"timeout,omitempty"`
}

// Health controls the tunnel monitor that runs once a desktop is up.
type Health struct {
	Interval           Duration `yaml:"interval,omitempty"`
	Timeout            Duration `yaml:"timeout,omitempty"`
	UnhealthyThreshold int      `yaml:"unhealthy_threshold,omitempty"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "1s", "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	lc := lifecycle.DefaultConfig()
	proceed := lc.ProceedOnTimeout
	return &Config{
		Project:        "idc-sandbox-000",
		GcloudBinary:   "gcloud",
		InstancePrefix: lc.InstancePrefix,
		IDRange:        lc.IDRange,
		MachineType:    "n1-standard-8",
		Accelerator:    "nvidia-tesla-k80",
		Image:          "slicermachine-2021-06-16t16-04-21",
		ImageProject:   "idc-sandbox-000",
		BootDiskSize:   "200GB",
		BootDiskType:   "pd-balanced",
		RemotePort:     6080,
		BasePort:       lc.BasePort,
		DesktopPath:    lc.DesktopPath,
		Boot: Poll{
			Interval:    Duration{lc.Boot.Interval},
			MaxAttempts: lc.Boot.MaxAttempts,
		},
		Reach: Poll{
			Interval:    Duration{lc.Reach.Interval},
			MaxAttempts: lc.Reach.MaxAttempts,
			Timeout:     Duration{lc.Reach.Timeout},
		},
		Health: Health{
			Interval:           Duration{lc.Health.Interval},
			Timeout:            Duration{lc.Health.Timeout},
			UnhealthyThreshold: lc.Health.UnhealthyThreshold,
		},
		ProceedOnTimeout: &proceed,
		StopTimeout:      Duration{lc.StopTimeout},
		APIAddr:          "127.0.0.1:6079",
		AuditLog:         defaultFile("launches.log"),
	}
}

// Dir returns ~/.ondemand.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ondemand")
}

// DefaultPath returns the default config file path: ~/.ondemand/config.yaml.
func DefaultPath() string {
	return defaultFile("config.yaml")
}

func defaultFile(name string) string {
	dir := Dir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, name)
}

// Load reads a YAML config file from path. If the file does not exist, it
// returns the defaults and no error. Keys absent from the file keep their
// default values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	if c.Project == "" {
		return fmt.Errorf("project is required")
	}
	if c.GcloudBinary == "" {
		return fmt.Errorf("gcloud_binary must not be empty")
	}
	for key, v := range map[string]string{
		"machine_type":   c.MachineType,
		"accelerator":    c.Accelerator,
		"image":          c.Image,
		"image_project":  c.ImageProject,
		"boot_disk_size": c.BootDiskSize,
		"boot_disk_type": c.BootDiskType,
	} {
		if v == "" {
			return fmt.Errorf("%s is required", key)
		}
	}
	if c.RemotePort < 1 || c.RemotePort > 65535 {
		return fmt.Errorf("remote_port %d out of range", c.RemotePort)
	}
	if c.Reach.Timeout.Duration < 0 || c.StopTimeout.Duration < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if err := c.Lifecycle().Validate(); err != nil {
		return err
	}
	return nil
}

// Lifecycle returns the controller settings.
func (c *Config) Lifecycle() lifecycle.Config {
	proceed := true
	if c.ProceedOnTimeout != nil {
		proceed = *c.ProceedOnTimeout
	}
	return lifecycle.Config{
		InstancePrefix: c.InstancePrefix,
		IDRange:        c.IDRange,
		BasePort:       c.BasePort,
		DesktopPath:    c.DesktopPath,
		Boot: lifecycle.Poll{
			Interval:    c.Boot.Interval.Duration,
			MaxAttempts: c.Boot.MaxAttempts,
		},
		Reach: lifecycle.Poll{
			Interval:    c.Reach.Interval.Duration,
			MaxAttempts: c.Reach.MaxAttempts,
			Timeout:     c.Reach.Timeout.Duration,
		},
		ProceedOnTimeout: proceed,
		ReportBootStage:  c.ReportBootStage,
		StopTimeout:      c.StopTimeout.Duration,
		Health: probe.MonitorConfig{
			Interval:           c.Health.Interval.Duration,
			Timeout:            c.Health.Timeout.Duration,
			UnhealthyThreshold: c.Health.UnhealthyThreshold,
		},
	}
}

// Instance returns the shape of instances to create.
func (c *Config) Instance() gcloud.InstanceSpec {
	return gcloud.InstanceSpec{
		Project:      c.Project,
		Zone:         c.Zone,
		MachineType:  c.MachineType,
		Accelerator:  c.Accelerator,
		Image:        c.Image,
		ImageProject: c.ImageProject,
		BootDiskSize: c.BootDiskSize,
		BootDiskType: c.BootDiskType,
		RemotePort:   c.RemotePort,
	}
}
