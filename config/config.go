// Package config loads environment variables and the YAML network list, and
// provides the typed Config used across the bridge. It applies sensible
// defaults so the binary can run locally with minimal setup; structural
// validation of the network list (duplicates, missing host/port) happens in
// the irc package before any connection is attempted.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Bus
	BusURL string

	// HTTP (health/status/metrics)
	HTTPAddr string

	// Storage
	LogDir string

	// Networks
	NetworksFile string

	// Intervals
	HeartbeatInterval  time.Duration
	RetrySweepInterval time.Duration
	PingInterval       time.Duration

	// Sent with the graceful QUIT on shutdown.
	QuitMessage string
}

// Network is one static network entry from the networks file. Exactly one
// session exists per host; the irc package rejects duplicates at startup.
type Network struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Kind selects the transport: "" or "irc" for a standard IRC server,
	// "twitch" for Twitch chat.
	Kind string `yaml:"kind"`
	Nick string `yaml:"nick"`
	TLS  bool   `yaml:"tls"`

	// Auth. ServerPassword is the PASS-style connection password.
	// SASLLogin/SASLPassword authenticate the account; when RequiresAuth is
	// set and SASLPassword is empty, the password is prompted interactively
	// before connecting. CertFile points at a PEM bundle holding the client
	// private key followed by the certificate.
	ServerPassword string `yaml:"server_password"`
	SASLLogin      string `yaml:"sasl_login"`
	SASLPassword   string `yaml:"sasl_password"`
	RequiresAuth   bool   `yaml:"requires_auth"`
	CertFile       string `yaml:"cert_file"`

	Channels []string `yaml:"channels"`
}

// Load reads environment variables and applies defaults. It never fails on
// missing optional variables; network-list problems surface when the list is
// validated at session-manager construction.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.BusURL = os.Getenv("BUS_URL")
	if cfg.BusURL == "" {
		cfg.BusURL = "nats://127.0.0.1:4222"
	}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	cfg.LogDir = os.Getenv("LOG_DIR")
	if cfg.LogDir == "" {
		cfg.LogDir = "logs"
	}

	cfg.NetworksFile = os.Getenv("NETWORKS_FILE")
	if cfg.NetworksFile == "" {
		cfg.NetworksFile = "networks.yaml"
	}

	var err error
	cfg.HeartbeatInterval, err = durationEnv("HEARTBEAT_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}
	cfg.RetrySweepInterval, err = durationEnv("RETRY_SWEEP_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.PingInterval, err = durationEnv("PING_INTERVAL", 2*time.Minute)
	if err != nil {
		return nil, err
	}

	cfg.QuitMessage = os.Getenv("QUIT_MESSAGE")
	if cfg.QuitMessage == "" {
		cfg.QuitMessage = "ircbridge shutting down"
	}

	return cfg, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

// LoadNetworks parses the YAML network list. The file holds a top-level
// `networks:` sequence of Network entries.
func LoadNetworks(path string) ([]Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read networks file: %w", err)
	}
	var doc struct {
		Networks []Network `yaml:"networks"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse networks file %s: %w", path, err)
	}
	for i := range doc.Networks {
		if doc.Networks[i].Name == "" {
			doc.Networks[i].Name = doc.Networks[i].Host
		}
	}
	return doc.Networks, nil
}
