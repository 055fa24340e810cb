// Package config loads the hostgate configuration file.
//
// The file is YAML. Every field has a default, so a missing file path means
// "run with defaults". A few settings can be overridden from the
// environment:
//
//	HOSTGATE_LISTEN, HOSTGATE_UPSTREAM, HOSTGATE_LOG_LEVEL
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"hostgate/internal/prompt"
)

// EnvConfig names the environment variable holding the config file path.
const EnvConfig = "HOSTGATE_CONFIG"

const (
	PromptExec     = "exec"
	PromptTerminal = "terminal"
	PromptFixed    = "fixed"
)

type Config struct {
	// Listen is the address the gate accepts requests on.
	Listen string `yaml:"listen"`
	// Upstream is the device service requests are forwarded to once
	// allowed. Empty means only the built-in routes are served.
	Upstream  string         `yaml:"upstream"`
	ListsFile string         `yaml:"lists_file"`
	AuditLog  string         `yaml:"audit_log"`
	LogLevel  string         `yaml:"log_level"`
	Security  SecurityConfig `yaml:"security"`
}

type SecurityConfig struct {
	// PromptMode is exec, terminal or fixed.
	PromptMode    string        `yaml:"prompt_mode"`
	PromptCommand string        `yaml:"prompt_command"`
	PromptArgs    []string      `yaml:"prompt_args"`
	PromptTimeout time.Duration `yaml:"prompt_timeout"`
	// FixedDecision answers every prompt when PromptMode is fixed.
	FixedDecision string `yaml:"fixed_decision"`
	// KeepPort makes the port part of a host identity.
	KeepPort bool `yaml:"keep_port"`
	// ExcludedPaths bypass the gate. Entries are path prefixes or
	// doublestar patterns.
	ExcludedPaths []string `yaml:"excluded_paths"`
}

func Default() *Config {
	return &Config{
		Listen:    "localhost:9100",
		ListsFile: "data/access-lists.yaml",
		AuditLog:  "logs/audit.log",
		LogLevel:  "info",
		Security: SecurityConfig{
			PromptMode:    PromptExec,
			PromptCommand: "hostgate-prompt",
			PromptTimeout: 32 * time.Second,
			FixedDecision: string(prompt.DenyOnce),
			ExcludedPaths: []string{"/health", "/settings"},
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("HOSTGATE_LISTEN"); ok && strings.TrimSpace(v) != "" {
		c.Listen = strings.TrimSpace(v)
	}
	if v, ok := lookup("HOSTGATE_UPSTREAM"); ok {
		c.Upstream = strings.TrimSpace(v)
	}
	if v, ok := lookup("HOSTGATE_LOG_LEVEL"); ok && strings.TrimSpace(v) != "" {
		c.LogLevel = strings.TrimSpace(v)
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen %q: %w", c.Listen, err))
	}
	if c.Upstream != "" {
		u, err := url.Parse(c.Upstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("upstream %q must be an absolute URL", c.Upstream))
		}
	}
	if strings.TrimSpace(c.ListsFile) == "" {
		errs = append(errs, errors.New("lists_file must be set"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q must be debug, info, warn or error", c.LogLevel))
	}

	s := c.Security
	switch s.PromptMode {
	case PromptExec:
		if strings.TrimSpace(s.PromptCommand) == "" {
			errs = append(errs, errors.New("security.prompt_command must be set for exec prompts"))
		}
	case PromptTerminal:
	case PromptFixed:
		if _, ok := prompt.ParseResult(s.FixedDecision); !ok {
			errs = append(errs, fmt.Errorf("security.fixed_decision %q is not a prompt decision", s.FixedDecision))
		}
	default:
		errs = append(errs, fmt.Errorf("security.prompt_mode %q must be exec, terminal or fixed", s.PromptMode))
	}
	if s.PromptTimeout <= 0 {
		errs = append(errs, errors.New("security.prompt_timeout must be positive"))
	}
	for _, p := range s.ExcludedPaths {
		if !strings.HasPrefix(p, "/") || !doublestar.ValidatePattern(p) {
			errs = append(errs, fmt.Errorf("security.excluded_paths entry %q is not an absolute path pattern", p))
		}
	}

	return errors.Join(errs...)
}
