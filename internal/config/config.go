// Package config holds the daemon's runtime configuration: the
// settings a session needs beyond its command-line flags (rotation
// policy, pattern overrides, auto-fault-analysis wiring), loadable
// from a JSON settings file and overridable per-invocation. Grounded
// on the CLI surface of _examples/original_source/eab/daemon.py's
// argparse setup, generalized into a settings file the way the
// teacher's internal/config/config.go layers user/project JSON.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PatternOverride lets a settings file add or replace a named crash/
// anomaly detection pattern (see internal/pattern).
type PatternOverride struct {
	Name    string `json:"name" yaml:"name"`
	Pattern string `json:"pattern" yaml:"pattern"`
	Regex   bool   `json:"regex,omitempty" yaml:"regex,omitempty"`
}

// RotationSettings mirrors internal/sessionlog.RotationConfig in
// JSON/YAML-friendly form.
type RotationSettings struct {
	MaxSizeBytes int64 `json:"max_size_bytes,omitempty" yaml:"max_size_bytes,omitempty"`
	MaxFiles     int   `json:"max_files,omitempty" yaml:"max_files,omitempty"`
	Compress     *bool `json:"compress,omitempty" yaml:"compress,omitempty"`
}

// AutoFaultSettings mirrors internal/faultanalyzer.Config in
// JSON/YAML-friendly form.
type AutoFaultSettings struct {
	Enabled         bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Chip            string  `json:"chip,omitempty" yaml:"chip,omitempty"`
	Device          string  `json:"device,omitempty" yaml:"device,omitempty"`
	ProbeType       string  `json:"probe_type,omitempty" yaml:"probe_type,omitempty"`
	ProbeSelector   string  `json:"probe_selector,omitempty" yaml:"probe_selector,omitempty"`
	ELF             string  `json:"elf,omitempty" yaml:"elf,omitempty"`
	RestartRTT      bool    `json:"restart_rtt,omitempty" yaml:"restart_rtt,omitempty"`
	DebounceSeconds float64 `json:"debounce_seconds,omitempty" yaml:"debounce_seconds,omitempty"`
}

// Settings is the on-disk shape of a session's configuration file,
// loadable as either settings.json or eab.yaml (see Load).
type Settings struct {
	Port             string            `json:"port,omitempty" yaml:"port,omitempty"`
	Baud             int               `json:"baud,omitempty" yaml:"baud,omitempty"`
	BaseDir          string            `json:"base_dir,omitempty" yaml:"base_dir,omitempty"`
	StuckTimeoutSecs int               `json:"stuck_timeout_secs,omitempty" yaml:"stuck_timeout_secs,omitempty"`
	Rotation         RotationSettings  `json:"rotation,omitempty" yaml:"rotation,omitempty"`
	Patterns         []PatternOverride `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	AutoFault        AutoFaultSettings `json:"auto_fault,omitempty" yaml:"auto_fault,omitempty"`
}

// Config is the resolved, defaulted configuration a daemon session
// runs with.
type Config struct {
	Port             string
	Baud             int
	BaseDir          string
	StuckTimeout     time.Duration
	RotationMaxBytes int64
	RotationMaxFiles int
	RotationCompress bool
	Patterns         []PatternOverride
	AutoFault        AutoFaultSettings
}

// Default returns the baseline configuration, matching daemon.py's
// argparse defaults (port "auto", baud 115200, base-dir
// /var/run/eab/serial).
func Default() Config {
	return Config{
		Port:             "auto",
		Baud:             115200,
		BaseDir:          "/var/run/eab/serial",
		StuckTimeout:     120 * time.Second,
		RotationMaxBytes: 100 * 1024 * 1024,
		RotationMaxFiles: 5,
		RotationCompress: true,
	}
}

// Load reads settingsPath (if present) and merges it over Default().
// A missing file is not an error — it just means the defaults apply.
// The format is chosen by extension: ".yaml"/".yml" parses with
// gopkg.in/yaml.v3 (the same library and "optional file, merge over
// defaults" pattern the teacher uses for wing.yaml), anything else
// parses as JSON.
func Load(settingsPath string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(settingsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	var s Settings
	switch strings.ToLower(filepath.Ext(settingsPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &s)
	default:
		err = json.Unmarshal(data, &s)
	}
	if err != nil {
		return cfg, err
	}
	cfg.merge(s)
	return cfg, nil
}

// LoadForSession resolves a session's configuration: an optional
// eab.yaml in sessionDir takes precedence over the user-wide
// settings.json; if neither exists, Default() applies.
func LoadForSession(sessionDir string) (Config, error) {
	yamlPath := filepath.Join(sessionDir, "eab.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return Load(yamlPath)
	}

	userPath, err := UserSettingsPath()
	if err != nil {
		return Default(), nil
	}
	return Load(userPath)
}

func (c *Config) merge(s Settings) {
	if s.Port != "" {
		c.Port = s.Port
	}
	if s.Baud != 0 {
		c.Baud = s.Baud
	}
	if s.BaseDir != "" {
		c.BaseDir = s.BaseDir
	}
	if s.StuckTimeoutSecs != 0 {
		c.StuckTimeout = time.Duration(s.StuckTimeoutSecs) * time.Second
	}
	if s.Rotation.MaxSizeBytes != 0 {
		c.RotationMaxBytes = s.Rotation.MaxSizeBytes
	}
	if s.Rotation.MaxFiles != 0 {
		c.RotationMaxFiles = s.Rotation.MaxFiles
	}
	if s.Rotation.Compress != nil {
		c.RotationCompress = *s.Rotation.Compress
	}
	if len(s.Patterns) > 0 {
		c.Patterns = s.Patterns
	}
	c.AutoFault = s.AutoFault
}

// Save writes the settings file, creating parent directories as
// needed.
func Save(settingsPath string, s Settings) error {
	if dir := filepath.Dir(settingsPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(settingsPath, data, 0o644)
}
