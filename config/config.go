// Package config loads the activator configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/logging"
)

const (
	defaultPollInterval         = 30 * time.Second
	defaultStepTimeout          = 4 * time.Hour
	defaultSlowHandlerThreshold = 2 * time.Second
	defaultSignalRetryDelay     = 3 * time.Second
	defaultMessageLimit         = 256

	defaultStoreDriver      = StoreMemory
	defaultStoreBusyTimeout = 5 * time.Second

	defaultHistoryMaxCount = 100

	defaultMetricsPrefix = "goactivate"
	defaultJobName       = "activate"

	defaultListenAddr = ":8080"

	redacted = "[REDACTED]"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Plugin kinds.
const (
	PluginSimulated = "simulated"
	PluginSSH       = "ssh"
	PluginIPMI      = "ipmi"
	PluginProxmox   = "proxmox"
)

// Config is the complete activator configuration.
type Config struct {
	Logging    logging.Config   `yaml:"logging"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Store      StoreConfig      `yaml:"store"`
	Topologies []string         `yaml:"topologies"`
	Plugins    []PluginConfig   `yaml:"plugins"`
	History    HistoryConfig    `yaml:"history"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Server     ServerConfig     `yaml:"server"`
}

// SchedulerConfig controls graph building and step dispatch.
type SchedulerConfig struct {
	// Parallel lets independent items run concurrently. When false every
	// phase is a single chain.
	Parallel *bool `yaml:"parallel"`
	// PollInterval is how often pending steps are polled.
	PollInterval time.Duration `yaml:"poll_interval"`
	// DefaultTimeout applies to pending steps whose handler suggested none.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// SlowHandlerThreshold is the Execute duration above which a warning is logged.
	SlowHandlerThreshold time.Duration `yaml:"slow_handler_threshold"`
	// SignalRetryDelay is the wait before the single retry of a missed signal.
	SignalRetryDelay time.Duration `yaml:"signal_retry_delay"`
	// MessageLimit caps user visible failure messages, in runes.
	MessageLimit int `yaml:"message_limit"`
}

// IsParallel returns the parallel setting, true when unset.
func (s SchedulerConfig) IsParallel() bool {
	return s.Parallel == nil || *s.Parallel
}

// StoreConfig selects the entity store.
type StoreConfig struct {
	Driver      string        `yaml:"driver"`
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// PluginConfig defines one lifecycle handler. An empty Steps list serves
// every step.
type PluginConfig struct {
	Name      string           `yaml:"name"`
	Kind      string           `yaml:"kind"`
	ItemTypes []string         `yaml:"item_types"`
	Steps     []lifecycle.Step `yaml:"steps"`
	Simulated SimulatedConfig  `yaml:"simulated"`
	SSH       SSHConfig        `yaml:"ssh"`
	IPMI      IPMIConfig       `yaml:"ipmi"`
	Proxmox   ProxmoxConfig    `yaml:"proxmox"`
}

// SimulatedConfig configures a handler that completes after a delay.
type SimulatedConfig struct {
	// Delay before the step reports completion. Zero completes in Execute.
	Delay time.Duration `yaml:"delay"`
	// Timeout is suggested to the dispatcher for pending steps.
	Timeout time.Duration `yaml:"timeout"`
	// Fail maps item names to the failure message they report.
	Fail map[string]string `yaml:"fail"`
}

// SSHConfig configures a handler running one remote command per step.
type SSHConfig struct {
	Host           string `yaml:"host"`
	User           string `yaml:"user"`
	PrivateKeyFile string `yaml:"private_key_file"`
	// KnownHostsFile verifies the host key. Empty accepts any host key.
	KnownHostsFile string `yaml:"known_hosts_file"`
	// Commands maps a step name to a command template. The template sees
	// the item as .Name, .EntityID and .ItemType.
	Commands map[string]string `yaml:"commands"`
	Timeout  time.Duration     `yaml:"timeout"`
}

// IPMIConfig configures a handler that powers machines on at START and
// off at STOP through their BMC.
type IPMIConfig struct {
	// Host is the BMC used for items missing from Hosts.
	Host string `yaml:"host"`
	// Hosts maps item names to their BMC address.
	Hosts    map[string]string `yaml:"hosts"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	// Timeout bounds the wait for the power state to change.
	Timeout time.Duration `yaml:"timeout"`
}

// ProxmoxConfig configures a handler that manages Proxmox VE guests named
// after the items.
type ProxmoxConfig struct {
	URL string `yaml:"url"`
	// Token is an API token of the form user@realm!id=secret.
	Token              string        `yaml:"token"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Timeout            time.Duration `yaml:"timeout"`
}

// HistoryConfig controls the archive of finished operations.
type HistoryConfig struct {
	// Dir holds one JSON file per operation. Empty keeps history in memory.
	Dir      string `yaml:"dir"`
	MaxCount int    `yaml:"max_count"`
}

// MonitoringConfig holds metrics push settings used by the CLI.
type MonitoringConfig struct {
	VictoriaMetricsURL string `yaml:"victoriametrics_url"`
	MetricsPrefix      string `yaml:"metrics_prefix"`
	JobName            string `yaml:"job_name"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr      string           `yaml:"addr"`
	Schedules []ScheduleConfig `yaml:"schedules"`
	// TLSCertFile and TLSKeyFile enable HTTPS. Renewed files are picked up
	// without a restart.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
}

// ScheduleConfig runs an operation on a topology on a cron schedule.
type ScheduleConfig struct {
	Topology  string `yaml:"topology"`
	Operation string `yaml:"operation"`
	// Schedule is a five field cron expression.
	Schedule string `yaml:"schedule"`
}

// SetDefaults fills in unset optional fields.
func (c *Config) SetDefaults() {
	c.Logging = c.Logging.WithDefaults()

	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = defaultPollInterval
	}
	if c.Scheduler.DefaultTimeout == 0 {
		c.Scheduler.DefaultTimeout = defaultStepTimeout
	}
	if c.Scheduler.SlowHandlerThreshold == 0 {
		c.Scheduler.SlowHandlerThreshold = defaultSlowHandlerThreshold
	}
	if c.Scheduler.SignalRetryDelay == 0 {
		c.Scheduler.SignalRetryDelay = defaultSignalRetryDelay
	}
	if c.Scheduler.MessageLimit == 0 {
		c.Scheduler.MessageLimit = defaultMessageLimit
	}

	if c.Store.Driver == "" {
		c.Store.Driver = defaultStoreDriver
	}
	if c.Store.BusyTimeout == 0 {
		c.Store.BusyTimeout = defaultStoreBusyTimeout
	}

	if c.History.MaxCount == 0 {
		c.History.MaxCount = defaultHistoryMaxCount
	}

	if c.Monitoring.MetricsPrefix == "" {
		c.Monitoring.MetricsPrefix = defaultMetricsPrefix
	}
	if c.Monitoring.JobName == "" {
		c.Monitoring.JobName = defaultJobName
	}

	if c.Server.Addr == "" {
		c.Server.Addr = defaultListenAddr
	}

	for i := range c.Plugins {
		if c.Plugins[i].Name == "" {
			c.Plugins[i].Name = fmt.Sprintf("%s-%d", c.Plugins[i].Kind, i)
		}
	}
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	if c.Scheduler.PollInterval < 0 {
		errs = append(errs, errors.New("scheduler: poll_interval must be positive"))
	}
	if c.Scheduler.DefaultTimeout < 0 {
		errs = append(errs, errors.New("scheduler: default_timeout must be positive"))
	}
	if c.Scheduler.MessageLimit < 0 {
		errs = append(errs, errors.New("scheduler: message_limit must be positive"))
	}

	switch c.Store.Driver {
	case StoreMemory, "":
	case StoreSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store: path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown driver %q", c.Store.Driver))
	}

	if c.History.MaxCount < 0 {
		errs = append(errs, errors.New("history: max_count must not be negative"))
	}

	names := make(map[string]bool)
	for i, p := range c.Plugins {
		if err := p.validate(); err != nil {
			errs = append(errs, fmt.Errorf("plugins[%d]: %w", i, err))
		}
		if p.Name != "" && names[p.Name] {
			errs = append(errs, fmt.Errorf("plugins[%d]: duplicate name %q", i, p.Name))
		}
		names[p.Name] = true
	}

	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, errors.New("server: tls_cert_file and tls_key_file must be set together"))
	}

	for i, s := range c.Server.Schedules {
		if s.Topology == "" {
			errs = append(errs, fmt.Errorf("server.schedules[%d]: topology is required", i))
		}
		if _, err := lifecycle.ParseOperation(s.Operation); err != nil {
			errs = append(errs, fmt.Errorf("server.schedules[%d]: %w", i, err))
		}
		if s.Schedule == "" {
			errs = append(errs, fmt.Errorf("server.schedules[%d]: schedule is required", i))
		}
	}

	return errors.Join(errs...)
}

func (p PluginConfig) validate() error {
	if len(p.ItemTypes) == 0 {
		return errors.New("item_types is required")
	}
	switch p.Kind {
	case PluginSimulated:
		if p.Simulated.Delay < 0 {
			return errors.New("simulated.delay must not be negative")
		}
	case PluginSSH:
		if p.SSH.Host == "" || p.SSH.User == "" {
			return errors.New("ssh.host and ssh.user are required")
		}
		if p.SSH.PrivateKeyFile == "" {
			return errors.New("ssh.private_key_file is required")
		}
		for step := range p.SSH.Commands {
			if _, err := lifecycle.ParseStep(step); err != nil {
				return fmt.Errorf("ssh.commands: %w", err)
			}
		}
	case PluginIPMI:
		if p.IPMI.Host == "" && len(p.IPMI.Hosts) == 0 {
			return errors.New("ipmi.host or ipmi.hosts is required")
		}
		if p.IPMI.Timeout < 0 {
			return errors.New("ipmi.timeout must not be negative")
		}
	case PluginProxmox:
		if p.Proxmox.URL == "" {
			return errors.New("proxmox.url is required")
		}
	default:
		return fmt.Errorf("unknown kind %q", p.Kind)
	}
	return nil
}

// Parse decodes a YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode YAML config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadConfig reads and parses the YAML configuration file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Redacted returns a copy safe to expose over the API. Credentials, key file
// paths and metrics endpoints are blanked.
func (c *Config) Redacted() *Config {
	r := *c
	r.Plugins = make([]PluginConfig, len(c.Plugins))
	for i, p := range c.Plugins {
		if p.SSH.PrivateKeyFile != "" {
			p.SSH.PrivateKeyFile = redacted
		}
		if p.IPMI.Password != "" {
			p.IPMI.Password = redacted
		}
		if p.Proxmox.Token != "" {
			p.Proxmox.Token = redacted
		}
		r.Plugins[i] = p
	}
	if r.Monitoring.VictoriaMetricsURL != "" {
		r.Monitoring.VictoriaMetricsURL = redacted
	}
	return &r
}
