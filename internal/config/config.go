package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the global ~/.chatsync/config.toml plus environment
// overrides. The file holds durable preferences; CHATSYNC_* variables win
// over the file so deployments can point one profile at another backend
// without editing it.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	APIBaseURL     string `toml:"api_base_url"`
	WSURL          string `toml:"ws_url"`
	MockMode       bool   `toml:"mock_mode"`
	DebugAddr      string `toml:"debug_addr"`
}

// Defaults used when neither the file nor the environment sets a value.
const (
	DefaultAPIBaseURL = "http://localhost:8080"
	DefaultWSURL      = "ws://localhost:8080/ws"
)

// Load reads config from the given path, then applies environment overrides.
// A missing file is not an error: defaults plus environment apply.
func Load(path string) (*Config, error) {
	// Optional .env next to the config file, for development setups.
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CHATSYNC_PROFILE"); v != "" {
		c.DefaultProfile = v
	}
	if v := os.Getenv("CHATSYNC_API_URL"); v != "" {
		c.APIBaseURL = v
	}
	if v := os.Getenv("CHATSYNC_WS_URL"); v != "" {
		c.WSURL = v
	}
	if v := os.Getenv("CHATSYNC_MOCK"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.MockMode = b
		}
	}
	if v := os.Getenv("CHATSYNC_DEBUG_ADDR"); v != "" {
		c.DebugAddr = v
	}
}

func (c *Config) applyDefaults() {
	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
	if c.WSURL == "" {
		c.WSURL = DefaultWSURL
	}
}
