package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/etcd/client/pkg/v3/transport"
	"gopkg.in/yaml.v3"

	"github.com/jobcooldown/jobcooldown/pkg/gate"
)

const DefaultConfigPath = "/etc/jobcooldown/config.yaml"

const (
	defaultCooldownSec     = 7200
	defaultMaxDepth        = 20
	defaultEtcdNamespace   = "jobcooldown"
	defaultDialTimeoutSec  = 5
	minRecommendedJobChars = 4
)

// Log formats accepted by log_format.
const (
	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

// Config represents the cooldown settings of a single job plus the wiring the gate needs.
type Config struct {
	Job                string         `yaml:"job"`
	CoolDownOpen       bool           `yaml:"cool_down_open"`
	CooldownTime       *int64         `yaml:"cooldown_time"`
	CooldownScript     string         `yaml:"cooldown_script"`
	DefaultCooldownSec int64          `yaml:"default_cooldown_sec"`
	MaxDepth           int            `yaml:"max_depth"`
	Workspace          string         `yaml:"workspace"`
	ScriptTimeoutSec   int            `yaml:"script_timeout_sec"`
	Shell              ShellConfig    `yaml:"shell"`
	EtcdEndpoints      []string       `yaml:"etcd_endpoints"`
	EtcdNamespace      string         `yaml:"etcd_namespace"`
	EtcdDialTimeoutSec int            `yaml:"etcd_dial_timeout_sec"`
	EtcdTLS            *EtcdTLSConfig `yaml:"etcd_tls"`
	Metrics            MetricsConfig  `yaml:"metrics"`
	LogFormat          string         `yaml:"log_format"`
	DryRun             bool           `yaml:"dry_run"`
}

// ShellConfig overrides the interpreter command lines used for remediation scripts.
type ShellConfig struct {
	Posix   string `yaml:"posix"`
	Windows string `yaml:"windows"`
}

// EtcdTLSConfig configures optional TLS settings for connecting to etcd.
type EtcdTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure_skip_verify"`
}

// MetricsConfig defines observability exposure options. The gate runs once per
// execution, so metrics are written to a node_exporter textfile instead of being served.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// Load reads, parses, and validates a configuration from disk.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	if _, err := CheckJobName(c.Job); err != nil {
		problems = append(problems, err.Error())
	}
	if c.CooldownTime != nil && *c.CooldownTime < 0 {
		problems = append(problems, "cooldown_time must be non-negative")
	}
	if c.DefaultCooldownSec <= 0 {
		problems = append(problems, "default_cooldown_sec must be greater than zero")
	}
	if c.MaxDepth <= 0 {
		problems = append(problems, "max_depth must be greater than zero")
	}
	if c.ScriptTimeoutSec < 0 {
		problems = append(problems, "script_timeout_sec must be non-negative")
	}
	if c.EtcdDialTimeoutSec <= 0 {
		problems = append(problems, "etcd_dial_timeout_sec must be greater than zero")
	}
	if len(c.EtcdEndpoints) == 0 {
		problems = append(problems, "etcd_endpoints must contain at least one endpoint")
	}
	if c.EtcdTLS != nil && c.EtcdTLS.Enabled {
		if strings.TrimSpace(c.EtcdTLS.CAFile) == "" {
			problems = append(problems, "etcd_tls.ca_file is required when TLS is enabled")
		}
		if strings.TrimSpace(c.EtcdTLS.CertFile) == "" {
			problems = append(problems, "etcd_tls.cert_file is required when TLS is enabled")
		}
		if strings.TrimSpace(c.EtcdTLS.KeyFile) == "" {
			problems = append(problems, "etcd_tls.key_file is required when TLS is enabled")
		}
	}
	switch c.LogFormat {
	case LogFormatConsole, LogFormatJSON:
	default:
		problems = append(problems, fmt.Sprintf("log_format %q is not supported (use %q or %q)", c.LogFormat, LogFormatConsole, LogFormatJSON))
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.DefaultCooldownSec == 0 {
		c.DefaultCooldownSec = defaultCooldownSec
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = defaultMaxDepth
	}
	if strings.TrimSpace(c.EtcdNamespace) == "" {
		c.EtcdNamespace = defaultEtcdNamespace
	}
	if c.EtcdDialTimeoutSec == 0 {
		c.EtcdDialTimeoutSec = defaultDialTimeoutSec
	}
	if c.LogFormat == "" {
		c.LogFormat = LogFormatConsole
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
}

// CheckJobName validates a job name the way the job settings form does: an empty name
// is an error, a very short one only earns a warning.
func CheckJobName(name string) (warning string, err error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("job is required")
	}
	if len(name) < minRecommendedJobChars {
		return fmt.Sprintf("job name %q is shorter than %d characters", name, minRecommendedJobChars), nil
	}
	return "", nil
}

// Warnings lists non-fatal findings about the configuration.
func (c *Config) Warnings() []string {
	var warnings []string
	if w, _ := CheckJobName(c.Job); w != "" {
		warnings = append(warnings, w)
	}
	if c.CooldownTime != nil && *c.CooldownTime == 0 && c.CoolDownOpen {
		warnings = append(warnings, fmt.Sprintf("cooldown_time 0 selects the default of %ds, not a disabled cooldown", c.DefaultCooldownSec))
	}
	if c.EtcdTLS != nil && c.EtcdTLS.Enabled && c.EtcdTLS.Insecure {
		warnings = append(warnings, "etcd_tls.insecure_skip_verify disables server certificate verification")
	}
	return warnings
}

// Policy projects the user-facing cooldown fields onto the gate policy.
func (c *Config) Policy() gate.Policy {
	policy := gate.Policy{
		Enabled: c.CoolDownOpen,
		Script:  c.CooldownScript,
	}
	if c.CooldownTime != nil {
		seconds := *c.CooldownTime
		policy.CooldownSeconds = &seconds
	}
	return policy
}

// BaseEnvironment returns the static environment variables derived from the configuration.
// The gate extends it with per-execution values before running the remediation script.
func (c *Config) BaseEnvironment() map[string]string {
	env := map[string]string{
		"COOLDOWN_JOB":         c.Job,
		"COOLDOWN_DRY_RUN":     strconv.FormatBool(c.DryRun),
		"COOLDOWN_DEFAULT_SEC": strconv.FormatInt(c.DefaultCooldownSec, 10),
	}
	if c.CooldownTime != nil {
		env["COOLDOWN_SECONDS"] = strconv.FormatInt(*c.CooldownTime, 10)
	}
	if len(c.EtcdEndpoints) > 0 {
		env["COOLDOWN_ETCD_ENDPOINTS"] = strings.Join(c.EtcdEndpoints, ",")
	}
	if strings.TrimSpace(c.EtcdNamespace) != "" {
		env["COOLDOWN_ETCD_NAMESPACE"] = c.EtcdNamespace
	}
	return env
}

// DefaultCooldown returns the fallback cooldown as a duration.
func (c *Config) DefaultCooldown() time.Duration {
	return time.Duration(c.DefaultCooldownSec) * time.Second
}

// ScriptTimeout returns the remediation script timeout. Zero means no limit.
func (c *Config) ScriptTimeout() time.Duration {
	return time.Duration(c.ScriptTimeoutSec) * time.Second
}

// EtcdDialTimeout returns how long the etcd client waits for a connection.
func (c *Config) EtcdDialTimeout() time.Duration {
	return time.Duration(c.EtcdDialTimeoutSec) * time.Second
}

// Build returns the client TLS configuration, or nil when TLS is disabled.
func (t *EtcdTLSConfig) Build() (*tls.Config, error) {
	if t == nil || !t.Enabled {
		return nil, nil
	}
	info := transport.TLSInfo{
		CertFile:           t.CertFile,
		KeyFile:            t.KeyFile,
		TrustedCAFile:      t.CAFile,
		InsecureSkipVerify: t.Insecure,
	}
	cfg, err := info.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("load etcd TLS material: %w", err)
	}
	return cfg, nil
}
