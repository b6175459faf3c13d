package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed config.toml.sample
var configTemplate string

// Config holds everything the messaging client needs: where the realtime
// endpoint lives, how to authenticate, where to keep the local archive and
// the session tuning knobs.
type Config struct {
	// ServerURL is the realtime WebSocket endpoint (ws:// or wss://).
	ServerURL string `toml:"server_url"`
	// APIURL is the REST base used for history fetches and sends.
	APIURL string `toml:"api_url"`
	// Token is the opaque bearer credential passed to the auth handshake.
	Token string `toml:"token"`
	// SelfID is the local user identifier, used to derive unread counts.
	SelfID string `toml:"self_id"`
	// DataDir holds the local message archive databases.
	DataDir string `toml:"data_dir"`

	PageSize   int      `toml:"page_size"`
	AckTimeout Duration `toml:"ack_timeout"`
	TypingTTL  Duration `toml:"typing_ttl"`

	Reconnect ReconnectConfig `toml:"reconnect"`
}

// ReconnectConfig tunes the session manager's bounded retry policy. The
// policy itself (bounded attempts, no retry on auth failure) is fixed; only
// the thresholds are configurable.
type ReconnectConfig struct {
	MaxAttempts  int      `toml:"max_attempts"`
	InitialDelay Duration `toml:"initial_delay"`
	MaxDelay     Duration `toml:"max_delay"`
	DialTimeout  Duration `toml:"dial_timeout"`
}

// Duration wraps time.Duration for TOML text marshalling ("10s", "1m").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// GetDefaultConfig returns a config with every tunable at its default.
func GetDefaultConfig() (*Config, error) {
	dataDir, err := GetDefaultDataDir()
	if err != nil {
		return nil, fmt.Errorf("getting default data directory: %w", err)
	}
	cfg := &Config{DataDir: dataDir}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.AckTimeout.Duration <= 0 {
		c.AckTimeout = Duration{10 * time.Second}
	}
	if c.TypingTTL.Duration <= 0 {
		c.TypingTTL = Duration{5 * time.Second}
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = 5
	}
	if c.Reconnect.InitialDelay.Duration <= 0 {
		c.Reconnect.InitialDelay = Duration{time.Second}
	}
	if c.Reconnect.MaxDelay.Duration <= 0 {
		c.Reconnect.MaxDelay = Duration{30 * time.Second}
	}
	if c.Reconnect.DialTimeout.Duration <= 0 {
		c.Reconnect.DialTimeout = Duration{15 * time.Second}
	}
}

// LoadConfig reads the config file, falling back to defaults when the file
// does not exist. Missing tunables are filled with defaults after decoding.
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return GetDefaultConfig()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.DataDir == "" {
		dataDir, err := GetDefaultDataDir()
		if err != nil {
			return nil, fmt.Errorf("getting default data directory: %w", err)
		}
		cfg.DataDir = dataDir
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// SaveConfig marshals the config to disk, creating parent directories.
func (c *Config) SaveConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(configPath, data, 0600)
}

// SaveTemplateConfig writes the commented sample config for first-time setup.
func (c *Config) SaveTemplateConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(configPath, []byte(configTemplate), 0600)
}

// GetDefaultDataDir returns the directory for archive databases, honoring
// XDG_DATA_HOME.
func GetDefaultDataDir() (string, error) {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	dir := filepath.Join(dataDir, "sandesh")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating data directory %s: %w", dir, err)
	}

	return dir, nil
}

// GetConfigDir returns the configuration directory, honoring XDG_CONFIG_HOME.
func GetConfigDir() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	dir := filepath.Join(configDir, "sandesh")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	return dir, nil
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.toml"), nil
}
