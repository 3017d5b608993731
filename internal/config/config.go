// Package config loads and persists the per-node rtc.json configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/broly1009a/studymate-rtc/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Relay    Relay    `json:"relay"`
	Media    Media    `json:"media"`
	Storage  Storage  `json:"storage"`
}

type Identity struct {
	// UserID is the participant identity used on the relay. Supplied by the
	// profile service in the full application; here it must be set in config.
	UserID string `json:"user_id"`

	// DisplayName is shown to the remote side on incoming call banners.
	DisplayName string `json:"display_name"`
}

type Relay struct {
	// URL of the relay hub WebSocket endpoint, e.g. ws://127.0.0.1:8686/ws.
	URL string `json:"url"`

	// If true, this node also hosts the relay hub on Bind:Port.
	Host bool `json:"host"`

	// Bind address for the hosted hub. Default "127.0.0.1" (localhost only).
	// Set to "0.0.0.0" to accept connections from other machines.
	Bind string `json:"bind"`

	// Port for the hosted hub (used only when Host=true).
	Port int `json:"port"`

	// Optional NATS URL. When set on a hosted hub, room events are bridged
	// across hub instances so two nodes may connect to different hubs.
	NATSURL string `json:"nats_url"`
}

type Media struct {
	// Capture caps for the video variant. Higher resolutions increase VP8
	// encoding latency on modest hardware.
	MaxWidth  int `json:"max_width"`
	MaxHeight int `json:"max_height"`
}

type Storage struct {
	// Dir holds the hub's SQLite database (used only when Relay.Host=true).
	Dir string `json:"dir"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			UserID:      "",
			DisplayName: "anonymous",
		},
		Relay: Relay{
			URL:  "ws://127.0.0.1:8686/ws",
			Host: false,
			Bind: "127.0.0.1",
			Port: 8686,
		},
		Media: Media{
			MaxWidth:  640,
			MaxHeight: 480,
		},
		Storage: Storage{
			Dir: "data",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Relay.URL) == "" && !c.Relay.Host {
		return errors.New("relay.url is required when not hosting a relay")
	}
	if c.Relay.URL != "" {
		u, err := url.Parse(c.Relay.URL)
		if err != nil {
			return fmt.Errorf("relay.url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("relay.url: scheme must be ws or wss, got %q", u.Scheme)
		}
	}
	if c.Relay.Host {
		if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
			return fmt.Errorf("relay.port: invalid port %d", c.Relay.Port)
		}
		if strings.TrimSpace(c.Storage.Dir) == "" {
			return errors.New("storage.dir is required when hosting a relay")
		}
	}
	if c.Media.MaxWidth <= 0 || c.Media.MaxHeight <= 0 {
		return errors.New("media.max_width and media.max_height must be positive")
	}
	return nil
}

// Load reads and validates a config file.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

// Save validates and writes the config file.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (config, created, error).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
