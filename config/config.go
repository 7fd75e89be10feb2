package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/searchktools/topk-server/core"
	"github.com/searchktools/topk-server/core/codec"
	"github.com/searchktools/topk-server/core/fetcher"
	"github.com/searchktools/topk-server/core/supervisor"
	"github.com/searchktools/topk-server/logger"
)

// EnvPrefix is the prefix of environment overrides, e.g. TOPK_SERVER_WORKERS
const EnvPrefix = "TOPK"

var ErrInvalid = errors.New("invalid config")

// Config holds all application configuration.
type Config struct {
	Server ServerConfig  `yaml:"server"`
	Log    logger.Config `yaml:"log"`
	Client ClientConfig  `yaml:"client"`
}

// ServerConfig holds the master server settings
type ServerConfig struct {
	Address            string        `yaml:"address" config:"address"`
	Workers            int           `yaml:"workers" config:"workers"`
	TopK               int           `yaml:"top_k" config:"top_k"`
	Codec              string        `yaml:"codec" config:"codec"`
	IOTimeout          time.Duration `yaml:"io_timeout" config:"io_timeout"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout" config:"fetch_timeout"`
	SupervisorInterval time.Duration `yaml:"supervisor_interval" config:"supervisor_interval"`
	MaxBodySize        int           `yaml:"max_body_size" config:"max_body_size"` // bytes
}

// ClientConfig holds the test client settings
type ClientConfig struct {
	Address  string        `yaml:"address" config:"address"`
	Retries  int           `yaml:"retries" config:"retries"`
	Timeout  time.Duration `yaml:"timeout" config:"timeout"`
	ReadSize int           `yaml:"read_size" config:"read_size"`
}

// Default returns a Config with default values. Workers and TopK have no
// default and must be supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:            core.DefaultAddress,
			Codec:              codec.NameJSON,
			IOTimeout:          core.DefaultIOTimeout,
			FetchTimeout:       fetcher.DefaultTimeout,
			SupervisorInterval: supervisor.DefaultInterval,
			MaxBodySize:        fetcher.DefaultMaxBodySize,
		},
		Log: logger.Config{
			Level:      "info",
			Format:     "console",
			Output:     "stdout",
			FilePath:   "logs/topk-server.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
		Client: ClientConfig{
			Address:  core.DefaultAddress,
			Retries:  3,
			Timeout:  30 * time.Second,
			ReadSize: 4096,
		},
	}
}

// Load reads the YAML file at path over the defaults and then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(EnvPrefix); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PREFIX_SECTION_FIELD environment variables
func (c *Config) ApplyEnv(prefix string) error {
	m := NewManager()
	m.LoadFromEnv(prefix)

	if err := m.Unmarshal("server", &c.Server); err != nil {
		return fmt.Errorf("server env: %w", err)
	}
	if err := m.Unmarshal("log", &c.Log); err != nil {
		return fmt.Errorf("log env: %w", err)
	}
	if err := m.Unmarshal("client", &c.Client); err != nil {
		return fmt.Errorf("client env: %w", err)
	}
	return nil
}

// Validate checks the server section
func (c *Config) Validate() error {
	s := c.Server
	if s.Workers <= 0 {
		return fmt.Errorf("%w: server.workers must be positive, got %d", ErrInvalid, s.Workers)
	}
	if s.TopK <= 0 {
		return fmt.Errorf("%w: server.top_k must be positive, got %d", ErrInvalid, s.TopK)
	}
	if s.Address == "" {
		return fmt.Errorf("%w: server.address is empty", ErrInvalid)
	}
	if _, err := codec.ByName(s.Codec); err != nil {
		return fmt.Errorf("%w: server.codec: %w", ErrInvalid, err)
	}
	return nil
}

// Master converts the server section to the master's config
func (c *Config) Master() core.Config {
	return core.Config{
		Address:            c.Server.Address,
		Workers:            c.Server.Workers,
		TopK:               c.Server.TopK,
		Codec:              c.Server.Codec,
		IOTimeout:          c.Server.IOTimeout,
		FetchTimeout:       c.Server.FetchTimeout,
		SupervisorInterval: c.Server.SupervisorInterval,
		MaxBodySize:        c.Server.MaxBodySize,
	}
}
