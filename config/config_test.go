package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if c.ServiceID != "qm-decision" || c.InviteTimeout != 30*time.Second || c.RetryBackoff != 2*time.Second {
		t.Fatalf("unexpected defaults %+v", c)
	}
}

func TestLoadMissingDefaultFile(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if c != Default() {
		t.Fatalf("expected defaults, got %+v", c)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing explicit file")
	}
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qd.yaml")
	yaml := "device_name: kitchen\nservice_id: team-lunch\nannounce_interval: 500ms\nlive_status: journal\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	dotenv := filepath.Join(dir, ".env")
	if err := os.WriteFile(dotenv, []byte("QD_LOG_LEVEL=debug\nQD_DISCOVERY_PORT=6000\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("QD_DISCOVERY_PORT", "7000")
	t.Setenv("QD_RETRY_BACKOFF", "5s")

	c, err := Load(path, dotenv, filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatal(err)
	}
	if c.DeviceName != "kitchen" || c.ServiceID != "team-lunch" {
		t.Fatalf("yaml values not applied: %+v", c)
	}
	if c.AnnounceInterval != 500*time.Millisecond {
		t.Fatalf("expected 500ms announce interval, got %s", c.AnnounceInterval)
	}
	if c.LiveStatus != LiveStatusJournal {
		t.Fatalf("expected journal live status, got %q", c.LiveStatus)
	}
	if c.LogLevel != "debug" {
		t.Fatalf(".env value not applied, log level %q", c.LogLevel)
	}
	if c.DiscoveryPort != 7000 {
		t.Fatalf("environment should win over .env, got port %d", c.DiscoveryPort)
	}
	if c.RetryBackoff != 5*time.Second {
		t.Fatalf("expected 5s backoff, got %s", c.RetryBackoff)
	}
	level, err := c.SlogLevel()
	if err != nil || level != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v %v", level, err)
	}
}

func TestInvalidEnv(t *testing.T) {
	t.Setenv("QD_INVITE_TIMEOUT", "soon")
	if _, err := Load(""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected %v, got %v", ErrInvalid, err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		change func(*Config)
	}{
		{"empty service", func(c *Config) { c.ServiceID = " " }},
		{"service too long", func(c *Config) { c.ServiceID = strings.Repeat("q", 256) }},
		{"hash in device name", func(c *Config) { c.DeviceName = "a#b" }},
		{"zero port", func(c *Config) { c.DiscoveryPort = 0 }},
		{"negative backoff", func(c *Config) { c.RetryBackoff = -time.Second }},
		{"unknown live status", func(c *Config) { c.LiveStatus = "widget" }},
		{"journal without path", func(c *Config) { c.LiveStatus = LiveStatusJournal; c.JournalPath = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "chatty" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.change(&c)
			if err := c.Validate(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected %v, got %v", ErrInvalid, err)
			}
		})
	}
}
