package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtc.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !created {
		t.Fatal("expected config to be created")
	}
	if cfg.Relay.URL != Default().Relay.URL {
		t.Fatalf("unexpected default relay url: %s", cfg.Relay.URL)
	}

	// Second call loads the existing file.
	_, created, err = Ensure(path)
	if err != nil {
		t.Fatalf("Ensure again: %v", err)
	}
	if created {
		t.Fatal("expected existing config to be loaded, not recreated")
	}
}

func TestLoadStripsBOMAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtc.json")
	content := "\xEF\xBB\xBF" + `{"identity":{"user_id":"alice"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Identity.UserID != "alice" {
		t.Fatalf("user_id = %q, want alice", cfg.Identity.UserID)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Media.MaxWidth != 640 || cfg.Relay.Port != 8686 {
		t.Fatalf("defaults not preserved: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default is valid", func(c *Config) {}, false},
		{"bad relay scheme", func(c *Config) { c.Relay.URL = "http://x/ws" }, true},
		{"no url no host", func(c *Config) { c.Relay.URL = ""; c.Relay.Host = false }, true},
		{"host without url is fine", func(c *Config) { c.Relay.URL = ""; c.Relay.Host = true }, false},
		{"bad port when hosting", func(c *Config) { c.Relay.Host = true; c.Relay.Port = 0 }, true},
		{"no storage dir when hosting", func(c *Config) { c.Relay.Host = true; c.Storage.Dir = " " }, true},
		{"zero media caps", func(c *Config) { c.Media.MaxWidth = 0 }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtc.json")
	cfg := Default()
	cfg.Media.MaxWidth = -1

	if err := Save(path, cfg); err == nil {
		t.Fatal("expected Save to reject invalid config")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("invalid config was written anyway")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtc.json")
	cfg := Default()
	cfg.Identity.UserID = "alice"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := make(chan Config, 4)
	stop, err := Watch(path, func(next Config) {
		reloaded <- next
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()

	cfg.Identity.DisplayName = "Alice A."
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save update: %v", err)
	}

	select {
	case next := <-reloaded:
		if next.Identity.DisplayName != "Alice A." {
			t.Fatalf("reloaded display_name = %q", next.Identity.DisplayName)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("change never observed")
	}
}
