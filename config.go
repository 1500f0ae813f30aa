package chatlink

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/researchcopilot/chatlink-go-sdk/backoff"
)

// DefaultMaxRetries bounds the reconnect loop per drop.
const DefaultMaxRetries = 5

// Config holds connection parameters for the manager.
type Config struct {
	Endpoint   string         `yaml:"endpoint"`    // WebSocket base URL (e.g. "wss://api.example.com")
	Token      string         `yaml:"token"`       // access JWT, appended as ?token= on each socket
	MaxRetries int            `yaml:"max_retries"` // reconnect attempts per drop; 0 means DefaultMaxRetries
	Backoff    backoff.Policy `yaml:"backoff"`

	// Logger defaults to slog.Default. Dialer defaults to a gobwas/ws
	// client dial. Metrics may be nil to disable instrumentation.
	Logger  *slog.Logger `yaml:"-"`
	Dialer  Dialer       `yaml:"-"`
	Metrics *Metrics     `yaml:"-"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) withDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Dialer == nil {
		c.Dialer = defaultDialer
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff = backoff.Default()
	}
}

// socketURL builds the per-scope socket URL: <endpoint>/ws/<scope>/?token=...
func (c *Config) socketURL(scope Scope) string {
	base := strings.TrimRight(c.Endpoint, "/")
	u := base + "/ws/" + string(scope) + "/"
	if c.Token != "" {
		u += "?token=" + c.Token
	}
	return u
}
