package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed config.toml.sample
var configTemplate string

// Config holds the client configuration. All URLs point at the marketplace
// backend; the client never serves anything itself.
type Config struct {
	// APIURL is the REST base URL, e.g. https://souk.example.com
	APIURL string `toml:"api_url"`
	// RealtimeURL is the push endpoint base URL, e.g. wss://souk.example.com
	RealtimeURL string `toml:"realtime_url"`
	// TokenPath is the file holding the session tokens. Written by
	// `souk login`, watched for out-of-process changes while watching.
	TokenPath string `toml:"token_path"`
	// HistoryDBPath is the sqlite file archiving notifications seen in a
	// session. Empty disables the archive.
	HistoryDBPath string `toml:"history_db_path"`

	// Reconnect tuning for the realtime channel.
	ReconnectBaseDelay   Duration `toml:"reconnect_base_delay"`
	MaxReconnectDelay    Duration `toml:"max_reconnect_delay"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
}

// Duration wraps time.Duration for human-readable TOML values ("30s", "5m").
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

func GetDefaultConfig() (*Config, error) {
	tokenPath, err := GetDefaultTokenPath()
	if err != nil {
		return nil, fmt.Errorf("getting default token path: %w", err)
	}
	historyPath, err := GetDefaultHistoryDBPath()
	if err != nil {
		return nil, fmt.Errorf("getting default history db path: %w", err)
	}
	return &Config{
		APIURL:               "http://localhost:8080",
		RealtimeURL:          "ws://localhost:8080",
		TokenPath:            tokenPath,
		HistoryDBPath:        historyPath,
		ReconnectBaseDelay:   Duration{time.Second},
		MaxReconnectDelay:    Duration{30 * time.Second},
		MaxReconnectAttempts: 5,
	}, nil
}

func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return GetDefaultConfig()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if config.APIURL == "" {
		config.APIURL = "http://localhost:8080"
	}
	if config.RealtimeURL == "" {
		config.RealtimeURL = deriveRealtimeURL(config.APIURL)
	}
	if config.TokenPath == "" {
		tokenPath, err := GetDefaultTokenPath()
		if err != nil {
			return nil, fmt.Errorf("getting default token path: %w", err)
		}
		config.TokenPath = tokenPath
	}
	if config.ReconnectBaseDelay.Duration == 0 {
		config.ReconnectBaseDelay = Duration{time.Second}
	}
	if config.MaxReconnectDelay.Duration == 0 {
		config.MaxReconnectDelay = Duration{30 * time.Second}
	}
	if config.MaxReconnectAttempts == 0 {
		config.MaxReconnectAttempts = 5
	}

	return &config, nil
}

// deriveRealtimeURL maps an http(s) API base to the matching ws(s) base so
// most deployments only need api_url in their config.
func deriveRealtimeURL(apiURL string) string {
	switch {
	case strings.HasPrefix(apiURL, "https://"):
		return "wss://" + strings.TrimPrefix(apiURL, "https://")
	case strings.HasPrefix(apiURL, "http://"):
		return "ws://" + strings.TrimPrefix(apiURL, "http://")
	default:
		return apiURL
	}
}

func (c *Config) SaveConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

// SaveTemplateConfig writes the commented sample config with the current
// default paths substituted in.
func (c *Config) SaveTemplateConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	tokenPath := c.TokenPath
	if tokenPath == "" {
		var err error
		tokenPath, err = GetDefaultTokenPath()
		if err != nil {
			return fmt.Errorf("getting default token path: %w", err)
		}
	}
	historyPath := c.HistoryDBPath
	if historyPath == "" {
		var err error
		historyPath, err = GetDefaultHistoryDBPath()
		if err != nil {
			return fmt.Errorf("getting default history db path: %w", err)
		}
	}

	template := strings.Replace(configTemplate, "/home/user/.config/souk/tokens.toml", tokenPath, 1)
	template = strings.Replace(template, "/home/user/.local/share/souk/history.db", historyPath, 1)
	return os.WriteFile(configPath, []byte(template), 0644)
}

// GetDefaultDataDir returns the data directory for databases, creating it if
// needed. Respects XDG_DATA_HOME.
func GetDefaultDataDir() (string, error) {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	soukDir := filepath.Join(dataDir, "souk")
	if err := os.MkdirAll(soukDir, 0755); err != nil {
		return "", fmt.Errorf("creating data directory %s: %w", soukDir, err)
	}

	return soukDir, nil
}

// GetConfigDir returns the configuration directory, creating it if needed.
// Respects XDG_CONFIG_HOME.
func GetConfigDir() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	soukConfigDir := filepath.Join(configDir, "souk")
	if err := os.MkdirAll(soukConfigDir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory %s: %w", soukConfigDir, err)
	}

	return soukConfigDir, nil
}

// GetDefaultConfigPath returns the default configuration file path
func GetDefaultConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.toml"), nil
}

// GetDefaultTokenPath returns the default session token file path
func GetDefaultTokenPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "tokens.toml"), nil
}

// GetDefaultHistoryDBPath returns the default notification history db path
func GetDefaultHistoryDBPath() (string, error) {
	dataDir, err := GetDefaultDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "history.db"), nil
}
