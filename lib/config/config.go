// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable [Load] reads the config path
// from.
const EnvVar = "HYPHAE_CONFIG"

// Config is the complete client configuration.
type Config struct {
	// HomeserverURL is the Matrix homeserver every login goes to.
	// Default: https://hyphae.social
	HomeserverURL string `yaml:"homeserver_url"`

	// ServerName qualifies bare usernames: "alice" logs in as
	// "@alice:<server_name>".
	// Default: hyphae.social
	ServerName string `yaml:"server_name"`

	// DataDir holds the crypto store namespaces (one SQLite file per
	// user and device). Cleanup on login and "hyphae clear-keys"
	// operate on this directory only.
	// Default: ${XDG_DATA_HOME:-${HOME}/.local/share}/hyphae
	DataDir string `yaml:"data_dir"`

	// ListenAddress is where "hyphae serve" binds the local web UI.
	// Default: 127.0.0.1:8448
	ListenAddress string `yaml:"listen_address"`

	// PickleSecret seeds the key that encrypts the crypto store's
	// pickled Olm accounts and sessions. Each namespace derives its own
	// key from this secret. An empty secret still derives distinct
	// per-namespace keys but offers no protection at rest.
	PickleSecret string `yaml:"pickle_secret"`

	// Timing groups the fixed delays of the login and recovery flows.
	Timing TimingConfig `yaml:"timing"`

	// InitialSyncLimit bounds the timeline backlog fetched per room
	// on the first sync.
	// Default: 10
	InitialSyncLimit int `yaml:"initial_sync_limit"`
}

// TimingConfig holds the delays and timeouts used by the session
// flows. Values are Go duration strings ("500ms", "10s").
type TimingConfig struct {
	// SettleDelay is the pause between namespace cleanup and engine
	// initialization during login.
	// Default: 500ms
	SettleDelay time.Duration `yaml:"settle_delay"`

	// DeleteTimeout bounds each namespace deletion during cleanup.
	// Default: 1s
	DeleteTimeout time.Duration `yaml:"delete_timeout"`

	// RecoveryCloseDelay is how long the recovery success message is
	// shown before the modal closes.
	// Default: 1s
	RecoveryCloseDelay time.Duration `yaml:"recovery_close_delay"`

	// RoomVisibleTimeout bounds the wait for a newly created room to
	// arrive through sync before the room list is refreshed anyway.
	// Default: 10s
	RoomVisibleTimeout time.Duration `yaml:"room_visible_timeout"`
}

// Default returns the default configuration. LoadFile merges the file
// over these values, so a config file only needs the keys it changes.
func Default() *Config {
	return &Config{
		HomeserverURL:    "https://hyphae.social",
		ServerName:       "hyphae.social",
		DataDir:          "${XDG_DATA_HOME:-${HOME}/.local/share}/hyphae",
		ListenAddress:    "127.0.0.1:8448",
		InitialSyncLimit: 10,
		Timing: TimingConfig{
			SettleDelay:        500 * time.Millisecond,
			DeleteTimeout:      time.Second,
			RecoveryCloseDelay: time.Second,
			RoomVisibleTimeout: 10 * time.Second,
		},
	}
}

// Load loads configuration from the file named by HYPHAE_CONFIG. When
// the variable is unset the expanded defaults are returned.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merged over
// [Default].
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in the
// string fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.HomeserverURL = expandVars(c.HomeserverURL, vars)
	c.ServerName = expandVars(c.ServerName, vars)
	c.DataDir = filepath.Clean(expandVars(c.DataDir, vars))
	c.ListenAddress = expandVars(c.ListenAddress, vars)
	c.PickleSecret = expandVars(c.PickleSecret, vars)
}

// varPattern matches ${VAR} and ${VAR:-default} with no nested
// reference inside, so the innermost pattern expands first.
var varPattern = regexp.MustCompile(`\$\{([^}:$]+)(?::-([^}$]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	// Two passes resolve one level of nesting: "${A:-${B}/x}".
	for range 2 {
		expanded := varPattern.ReplaceAllStringFunc(s, func(match string) string {
			parts := varPattern.FindStringSubmatch(match)
			if len(parts) < 2 {
				return match
			}

			name := parts[1]
			defaultValue := ""
			if len(parts) >= 3 {
				defaultValue = parts[2]
			}

			// Provided vars first, then the environment.
			if value, ok := vars[name]; ok && value != "" {
				return value
			}
			if value := os.Getenv(name); value != "" {
				return value
			}
			return defaultValue
		})
		if expanded == s {
			break
		}
		s = expanded
	}
	return s
}

// unsafeDataDir names why dir must not hold crypto namespaces, or
// returns "" when it is acceptable.
func unsafeDataDir(dir string) string {
	absolute, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	if absolute == filepath.Dir(absolute) {
		return "the filesystem root"
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		if homeAbsolute, err := filepath.Abs(home); err == nil && absolute == homeAbsolute {
			return "the home directory"
		}
	}
	return ""
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.HomeserverURL == "" {
		errs = append(errs, fmt.Errorf("homeserver_url is required"))
	} else if parsed, err := url.Parse(c.HomeserverURL); err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		errs = append(errs, fmt.Errorf("homeserver_url must be an http or https URL, got %q", c.HomeserverURL))
	}

	if c.ServerName == "" {
		errs = append(errs, fmt.Errorf("server_name is required"))
	} else if strings.ContainsAny(c.ServerName, "@:/ ") {
		// A port would make every qualified ID ambiguous with the
		// "contains ':'" passthrough rule.
		errs = append(errs, fmt.Errorf("server_name must be a bare host name, got %q", c.ServerName))
	}

	if c.DataDir == "" || c.DataDir == "." {
		errs = append(errs, fmt.Errorf("data_dir is required"))
	} else if reason := unsafeDataDir(c.DataDir); reason != "" {
		errs = append(errs, fmt.Errorf("data_dir %q is %s; login clears matching files there, so use a dedicated directory", c.DataDir, reason))
	}

	if c.ListenAddress == "" {
		errs = append(errs, fmt.Errorf("listen_address is required"))
	}

	if c.InitialSyncLimit <= 0 {
		errs = append(errs, fmt.Errorf("initial_sync_limit must be positive, got %d", c.InitialSyncLimit))
	}

	for name, value := range map[string]time.Duration{
		"timing.settle_delay":         c.Timing.SettleDelay,
		"timing.delete_timeout":       c.Timing.DeleteTimeout,
		"timing.recovery_close_delay": c.Timing.RecoveryCloseDelay,
		"timing.room_visible_timeout": c.Timing.RoomVisibleTimeout,
	} {
		if value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, value))
		}
	}
	if c.Timing.DeleteTimeout == 0 {
		errs = append(errs, fmt.Errorf("timing.delete_timeout must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the data directory if it doesn't exist. The
// directory holds key material, so it is private to the user.
func (c *Config) EnsurePaths() error {
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return fmt.Errorf("creating %s: %w", c.DataDir, err)
	}
	return nil
}
