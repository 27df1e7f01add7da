package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/99designs/keyring"
	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Backend BackendConfig
	Chat    ChatConfig
	Push    PushConfig
	Ack     AckConfig
	Store   StoreConfig
	Storage StorageConfig
	Log     LogConfig
	Session SessionConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
}

// BackendConfig points at the chat and notification server.
type BackendConfig struct {
	BaseURL string
	UserID  string
}

type ChatConfig struct {
	ArchiveID string
	Model     string
}

type PushConfig struct {
	Enabled        bool
	Transport      string // "sse" or "websocket"
	Path           string
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type AckConfig struct {
	Path          string
	BatchSize     int
	FlushInterval time.Duration
	Policy        string // "drop" or "retry"
	MaxAttempts   int
}

// StoreConfig sizes the in-memory notification store.
type StoreConfig struct {
	Capacity int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type SessionConfig struct {
	ID string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4100,
			MCPPort: 4101,
		},
		Backend: BackendConfig{
			BaseURL: "http://localhost:8080",
		},
		Chat: ChatConfig{
			Model: "gemini-pro-3",
		},
		Push: PushConfig{
			Enabled:        true,
			Transport:      "sse",
			Path:           "/sse/notifications",
			MaxAttempts:    10,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
		Ack: AckConfig{
			Path:          "/sse/notifications/ack",
			BatchSize:     10,
			FlushInterval: 5 * time.Second,
			Policy:        "drop",
			MaxAttempts:   5,
		},
		Store: StoreConfig{
			Capacity: 100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the YAML file at
// $XDG_CONFIG_HOME/aaa/config.yaml, a .env file in the working directory,
// environment variables, and the system keyring.
//
// Environment variables (AAA_*) override file values. The session id is
// read from AAA_SESSION_ID and falls back to the keyring.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not read .env file: %v\n", err)
	}
	ring, err := OpenKeyring()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] %v. Session must be provided via AAA_SESSION_ID.\n", err)
	}
	return loadWith(newFileBackend(configFilePath()), ring)
}

func loadWith(b ConfigBackend, ring keyring.Keyring) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, ring)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c Config) Validate() error {
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid config: backend.base_url %q must be an absolute URL", c.Backend.BaseURL)
	}
	switch c.Push.Transport {
	case "sse", "websocket":
	default:
		return fmt.Errorf("invalid config: push.transport %q must be \"sse\" or \"websocket\"", c.Push.Transport)
	}
	switch c.Ack.Policy {
	case "drop", "retry":
	default:
		return fmt.Errorf("invalid config: ack.policy %q must be \"drop\" or \"retry\"", c.Ack.Policy)
	}
	if c.Ack.BatchSize <= 0 {
		return fmt.Errorf("invalid config: ack.batch_size must be positive, got %d", c.Ack.BatchSize)
	}
	if c.Store.Capacity <= 0 {
		return fmt.Errorf("invalid config: store.capacity must be positive, got %d", c.Store.Capacity)
	}
	return nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "aaa-data"
		}
	}
	return filepath.Join(dir, "aaa")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "aaa", "config.yaml")
}
