package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListen          = ":53"
	DefaultUpstream        = "212.27.40.241"
	DefaultUpstreamPort    = 53
	DefaultPollInterval    = time.Second
	DefaultFilterFile      = "filter.txt"
	DefaultIncludeTimeout  = 30 * time.Second
	DefaultAPIListen       = "127.0.0.1:8053"
	DefaultLogLevel        = "info"
	DefaultLogOutput       = "stdout"
	DefaultRedirectPort    = 53
	DefaultLogMaxSizeMB    = 10
	DefaultLogMaxBackups   = 3
	DefaultShutdownTimeout = 5 * time.Second
)

type DNSConfig struct {
	Listen          string        `yaml:"listen" validate:"required,hostname_port"`
	Upstream        string        `yaml:"upstream" validate:"required,ipv4"`
	UpstreamPort    int           `yaml:"upstream_port" validate:"min=1,max=65535"`
	BlockAll        bool          `yaml:"block_all"`
	Diagnosis       bool          `yaml:"diagnosis"`
	PollInterval    time.Duration `yaml:"poll_interval" validate:"gt=0"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout" validate:"gte=0"`
}

type FilterConfig struct {
	File           string        `yaml:"file" validate:"required"`
	IncludeTimeout time.Duration `yaml:"include_timeout" validate:"gte=0"`
	Watch          bool          `yaml:"watch"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen" validate:"required_if=Enabled true"`
}

type RedirectConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port" validate:"min=1,max=65535"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Output     string `yaml:"output" validate:"required"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
}

type Config struct {
	DNS      DNSConfig      `yaml:"dns"`
	Filter   FilterConfig   `yaml:"filter"`
	API      APIConfig      `yaml:"api"`
	Redirect RedirectConfig `yaml:"redirect"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DNS: DNSConfig{
			Listen:       DefaultListen,
			Upstream:     DefaultUpstream,
			UpstreamPort: DefaultUpstreamPort,
			Diagnosis:    true,
			PollInterval: DefaultPollInterval,
		},
		Filter: FilterConfig{
			File:           DefaultFilterFile,
			IncludeTimeout: DefaultIncludeTimeout,
		},
		API: APIConfig{
			Listen: DefaultAPIListen,
		},
		Redirect: RedirectConfig{
			Port: DefaultRedirectPort,
		},
		Logging: LoggingConfig{
			Level:      DefaultLogLevel,
			Output:     DefaultLogOutput,
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
		},
	}
}

// LoadFromFile reads the YAML file at path on top of Default. A missing file
// yields the defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) validate() error {
	if err := structValidator.Struct(c); err != nil {
		return err
	}
	if c.Redirect.Enabled && c.ListenPort() == c.Redirect.Port {
		return fmt.Errorf("redirect.port %d equals the listen port", c.Redirect.Port)
	}
	return nil
}

// ListenPort returns the port part of dns.listen or 0 when it can't be parsed.
func (c *Config) ListenPort() int {
	_, port, err := net.SplitHostPort(c.DNS.Listen)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return n
}
