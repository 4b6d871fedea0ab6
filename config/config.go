// Package config loads the settings of quick-decision.
//
// Settings come from, in increasing order of precedence: built-in defaults,
// a YAML file, .env files and QD_* environment variables. The environment
// variable of a setting is its YAML key in upper case with the QD_ prefix,
// for example QD_SERVICE_ID for service_id.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/luca-patrignani/quick-decision/discovery"
)

const (
	DefaultPath      = "quick-decision.yaml"
	DefaultServiceID = "qm-decision"
	EnvPrefix        = "QD_"
)

// Live status surfaces.
const (
	LiveStatusNone     = "none"
	LiveStatusJournal  = "journal"
	LiveStatusTerminal = "terminal"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	DeviceName       string        `yaml:"device_name"`
	ServiceID        string        `yaml:"service_id"`
	DiscoveryPort    uint16        `yaml:"discovery_port"`
	ListenAddress    string        `yaml:"listen_address"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	InviteTimeout    time.Duration `yaml:"invite_timeout"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	LiveStatus       string        `yaml:"live_status"`
	JournalPath      string        `yaml:"journal_path"`
	Title            string        `yaml:"title"`
	LogLevel         string        `yaml:"log_level"`
}

func Default() Config {
	return Config{
		ServiceID:        DefaultServiceID,
		DiscoveryPort:    53552,
		ListenAddress:    ":0",
		AnnounceInterval: time.Second,
		InviteTimeout:    30 * time.Second,
		RetryBackoff:     2 * time.Second,
		LiveStatus:       LiveStatusNone,
		JournalPath:      "quick-decision.journal",
		Title:            "Quick Decision",
		LogLevel:         "info",
	}
}

// Load builds the configuration. A missing file at DefaultPath is not an
// error, any other missing file is. Missing .env files are ignored.
func Load(path string, dotenv ...string) (Config, error) {
	c := Default()
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && path == DefaultPath:
	case err != nil:
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	vars := make(map[string]string)
	for _, f := range dotenv {
		read, err := godotenv.Read(f)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Config{}, fmt.Errorf("failed to read %s: %w", f, err)
		}
		for k, v := range read {
			if _, ok := vars[k]; !ok {
				vars[k] = v
			}
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := vars[key]
		return v, ok
	}
	if err := c.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"DEVICE_NAME":    &c.DeviceName,
		"SERVICE_ID":     &c.ServiceID,
		"LISTEN_ADDRESS": &c.ListenAddress,
		"LIVE_STATUS":    &c.LiveStatus,
		"JOURNAL_PATH":   &c.JournalPath,
		"TITLE":          &c.Title,
		"LOG_LEVEL":      &c.LogLevel,
	}
	for key, field := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*field = v
		}
	}
	durations := map[string]*time.Duration{
		"ANNOUNCE_INTERVAL": &c.AnnounceInterval,
		"INVITE_TIMEOUT":    &c.InviteTimeout,
		"RETRY_BACKOFF":     &c.RetryBackoff,
	}
	for key, field := range durations {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s: %w", ErrInvalid, EnvPrefix, key, err)
		}
		*field = d
	}
	if v, ok := lookup(EnvPrefix + "DISCOVERY_PORT"); ok {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("%w: %sDISCOVERY_PORT: %w", ErrInvalid, EnvPrefix, err)
		}
		c.DiscoveryPort = uint16(port)
	}
	return nil
}

// Validate checks every setting. Errors wrap ErrInvalid.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ServiceID) == "" {
		errs = append(errs, errors.New("service_id is empty"))
	}
	if len(c.ServiceID) > discovery.MaxServiceIDLength {
		errs = append(errs, fmt.Errorf("service_id is longer than %d bytes", discovery.MaxServiceIDLength))
	}
	if strings.Contains(c.DeviceName, "#") {
		errs = append(errs, errors.New("device_name must not contain '#'"))
	}
	if c.DiscoveryPort == 0 {
		errs = append(errs, errors.New("discovery_port is zero"))
	}
	for name, d := range map[string]time.Duration{
		"announce_interval": c.AnnounceInterval,
		"invite_timeout":    c.InviteTimeout,
		"retry_backoff":     c.RetryBackoff,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	switch c.LiveStatus {
	case LiveStatusNone, LiveStatusTerminal:
	case LiveStatusJournal:
		if c.JournalPath == "" {
			errs = append(errs, errors.New("journal_path is required by the journal live status"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown live_status %q", c.LiveStatus))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}
