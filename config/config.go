package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the node's runtime settings.
type Config struct {
	ListenAddress   string   `toml:"ListenAddress"`
	ExternalAddress string   `toml:"ExternalAddress"`
	MetricsAddress  string   `toml:"MetricsAddress"`
	DataDir         string   `toml:"DataDir"`
	LogFile         string   `toml:"LogFile"`
	Environment     string   `toml:"Environment"`
	Bootnodes       []string `toml:"Bootnodes"`
	MaxConnections  int      `toml:"MaxConnections"`
	SettlingDelayMs int      `toml:"SettlingDelayMs"`
	AuthTimeoutSecs int      `toml:"AuthTimeoutSecs"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that have no sensible fallback.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ExternalAddress) == "" {
		return fmt.Errorf("config: ExternalAddress is required; peers authenticate this node by dialing it back")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: MaxConnections must be positive")
	}
	if c.SettlingDelayMs < 0 {
		return fmt.Errorf("config: SettlingDelayMs must not be negative")
	}
	return nil
}

// SettlingDelay returns the responder settling delay as a duration.
func (c *Config) SettlingDelay() time.Duration {
	if c.SettlingDelayMs <= 0 {
		return 0
	}
	return time.Duration(c.SettlingDelayMs) * time.Millisecond
}

// AuthTimeout returns how long the daemon waits on bootnode handshakes.
func (c *Config) AuthTimeout() time.Duration {
	if c.AuthTimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.AuthTimeoutSecs) * time.Second
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":7650"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./overnet-data"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 64
	}
	if cfg.SettlingDelayMs == 0 {
		cfg.SettlingDelayMs = 1000
	}
	if cfg.Bootnodes == nil {
		cfg.Bootnodes = []string{}
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:   ":7650",
		ExternalAddress: "",
		MetricsAddress:  ":9650",
		DataDir:         "./overnet-data",
		Bootnodes:       []string{},
		MaxConnections:  64,
		SettlingDelayMs: 1000,
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
