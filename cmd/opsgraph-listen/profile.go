package main

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lorrc/opsgraph-realtime/internal/infrastructure/logging"
	"github.com/lorrc/opsgraph-realtime/internal/realtimeclient"
)

const defaultAPIBase = "http://localhost:8080/api"

// Profile holds connection settings. Values of the form ${VAR} are expanded
// from the environment before parsing.
type Profile struct {
	APIBase string `yaml:"api_base"`
	Token   string `yaml:"token"`

	Tickets    []int64 `yaml:"tickets"`
	Sites      []int64 `yaml:"sites"`
	AllTickets bool    `yaml:"all_tickets"`

	AutoReconnect        *bool `yaml:"auto_reconnect"`
	MaxReconnectAttempts int   `yaml:"max_reconnect_attempts"`

	RedisURL     string `yaml:"redis_url"`
	RedisChannel string `yaml:"redis_channel"`
	DatabaseURL  string `yaml:"database_url"`
}

// LoadProfile reads the profile at path. An empty path yields the defaults.
func LoadProfile(path string) (*Profile, error) {
	p := &Profile{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading profile: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), p); err != nil {
			return nil, fmt.Errorf("parsing profile %s: %w", path, err)
		}
	}

	if p.APIBase == "" {
		p.APIBase = defaultAPIBase
	}
	if p.Token == "" {
		p.Token = os.Getenv("OPSGRAPH_TOKEN")
	}
	if p.RedisURL == "" {
		p.RedisURL = os.Getenv("REDIS_URL")
	}
	if p.DatabaseURL == "" {
		p.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	return p, nil
}

// ClientConfig builds the realtime client settings for this profile.
func (p *Profile) ClientConfig(logger *slog.Logger) realtimeclient.Config {
	cfg := realtimeclient.DefaultConfig(p.APIBase, p.Token)
	if p.AutoReconnect != nil {
		cfg.AutoReconnect = *p.AutoReconnect
	}
	if p.MaxReconnectAttempts > 0 {
		cfg.MaxReconnectAttempts = p.MaxReconnectAttempts
	}
	cfg.Logger = logger
	return cfg
}

// HasSubscriptions reports whether the profile narrows the stream at all.
func (p *Profile) HasSubscriptions() bool {
	return len(p.Tickets) > 0 || len(p.Sites) > 0 || p.AllTickets
}

func newLogger() *slog.Logger {
	level := "warn"
	if verbose {
		level = "debug"
	}
	return logging.NewLogger(logging.Config{
		Level:       level,
		Format:      "text",
		Output:      os.Stderr,
		ServiceName: "opsgraph-listen",
	})
}
