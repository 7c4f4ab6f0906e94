// Package config loads the TOML configuration with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Relays     []string `toml:"relays"`
	Topic      string   `toml:"topic"`
	DataDir    string   `toml:"data_dir"`
	AgentName  string   `toml:"agent_name"`
	WebhookURL string   `toml:"webhook_url"`

	// Tunables; zero values fall back to the defaults below.
	MaxQueue      int `toml:"max_queue"`
	MaxRetries    int `toml:"max_retries"`
	DedupCache    int `toml:"dedup_cache"`
	PeerCache     int `toml:"peer_cache"`
	MultiPath     int `toml:"multi_path"`
	RatePerMinute int `toml:"rate_per_minute"`
}

func defaultConfig() Config {
	return Config{
		Relays: []string{
			"wss://relay.damus.io",
			"wss://relay.nostr.band",
			"wss://nos.lol",
		},
		Topic:         "agent-p2p",
		AgentName:     defaultAgentName(),
		MaxQueue:      10000,
		MaxRetries:    3,
		DedupCache:    2048,
		PeerCache:     512,
		MultiPath:     3,
		RatePerMinute: 30,
	}
}

func defaultAgentName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "pulse-agent"
	}
	return host
}

// DefaultDataDir is ~/.local/share/pulse, or ./pulse-data when the home
// directory cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "pulse-data"
	}
	return filepath.Join(home, ".local", "share", "pulse")
}

func configPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv("AGENT_PULSE_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".config", "pulse", "config.toml")
}

// Load reads the config file (missing is fine), fills defaults, and applies
// environment overrides. Precedence: defaults < file < environment.
func Load(flagPath string) (Config, error) {
	cfg := defaultConfig()

	path := configPath(flagPath)
	data, err := os.ReadFile(path)
	if err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyEnv(&cfg)

	if len(cfg.Relays) == 0 {
		cfg.Relays = defaultConfig().Relays
	}
	if cfg.Topic == "" {
		cfg.Topic = "agent-p2p"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
	if cfg.AgentName == "" {
		cfg.AgentName = defaultAgentName()
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 10000
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DedupCache <= 0 {
		cfg.DedupCache = 2048
	}
	if cfg.PeerCache <= 0 {
		cfg.PeerCache = 512
	}
	if cfg.MultiPath <= 0 {
		cfg.MultiPath = 3
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 30
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENT_PULSE_RELAYS"); v != "" {
		var relays []string
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				relays = append(relays, r)
			}
		}
		if len(relays) > 0 {
			cfg.Relays = relays
		}
	}
	if v := os.Getenv("AGENT_PULSE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AGENT_PULSE_TOPIC"); v != "" {
		cfg.Topic = v
	}
	if v := os.Getenv("AGENT_PULSE_NAME"); v != "" {
		cfg.AgentName = v
	}
	if v := os.Getenv("AGENT_PULSE_WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}
}

// Ephemeral reports whether ephemeral identity mode is requested via the
// environment. The --ephemeral flag takes precedence at the call sites.
func Ephemeral() bool {
	return strings.EqualFold(os.Getenv("AGENT_PULSE_EPHEMERAL"), "true")
}
