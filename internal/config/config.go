// Package config defines podwatch's user configuration.
//
// Configuration lives in config.json in the user config directory. The
// schema is versioned; missing fields fall back to the documented defaults,
// so older files keep working after upgrades. Mutations flow through the
// state store and are persisted on a debounce, never written directly by
// other components.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// SchemaVersion is bumped when the config file layout changes shape.
const SchemaVersion = 1

// Defaults for fields absent from the file.
const (
	DefaultPollIntervalSec   = 30
	DefaultScanDurationSec   = 4
	DefaultScanMode          = "early-exit"
	DefaultStaleWindows      = 3
	DefaultLowBatteryPercent = 20
	DefaultWebListen         = "127.0.0.1:8723"
	DefaultMQTTTopicPrefix   = "podwatch"
)

// MQTT configures the optional telemetry publisher.
type MQTT struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	TopicPrefix string `json:"topic_prefix"`
}

// Web configures the optional local status server.
type Web struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
}

// Config is the persisted user configuration.
type Config struct {
	SchemaVersion int `json:"schema_version"`

	// Scanner invocation.
	ScannerPath     string `json:"scanner_path,omitempty"`
	ScanMode        string `json:"scan_mode"`
	ScanDurationSec int    `json:"scan_duration_sec"`

	// Polling cadence and staleness.
	PollIntervalSec int `json:"poll_interval_sec"`
	StaleWindows    int `json:"stale_windows"`

	// UI behaviour.
	LowBatteryPercent int  `json:"low_battery_percent"`
	StartMinimized    bool `json:"start_minimized"`

	// Remembered device identity; empty means auto-select.
	SelectedDevice string `json:"selected_device,omitempty"`

	MQTT MQTT `json:"mqtt"`
	Web  Web  `json:"web"`
}

// Default returns a fully-populated configuration.
func Default() Config {
	return Config{
		SchemaVersion:     SchemaVersion,
		ScanMode:          DefaultScanMode,
		ScanDurationSec:   DefaultScanDurationSec,
		PollIntervalSec:   DefaultPollIntervalSec,
		StaleWindows:      DefaultStaleWindows,
		LowBatteryPercent: DefaultLowBatteryPercent,
		MQTT: MQTT{
			TopicPrefix: DefaultMQTTTopicPrefix,
		},
		Web: Web{
			Listen: DefaultWebListen,
		},
	}
}

// Normalize fills absent or out-of-range fields with defaults. Loading a
// zero-value (or partial) file through Normalize always yields a usable
// configuration.
func (c Config) Normalize() Config {
	if c.SchemaVersion == 0 {
		c.SchemaVersion = SchemaVersion
	}
	if c.ScanMode == "" {
		c.ScanMode = DefaultScanMode
	}
	if c.ScanDurationSec < 1 || c.ScanDurationSec > 30 {
		c.ScanDurationSec = DefaultScanDurationSec
	}
	if c.PollIntervalSec < 5 {
		c.PollIntervalSec = DefaultPollIntervalSec
	}
	if c.StaleWindows < 1 {
		c.StaleWindows = DefaultStaleWindows
	}
	if c.LowBatteryPercent < 1 || c.LowBatteryPercent > 99 {
		c.LowBatteryPercent = DefaultLowBatteryPercent
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultMQTTTopicPrefix
	}
	if c.Web.Listen == "" {
		c.Web.Listen = DefaultWebListen
	}
	return c
}

// PollInterval returns the scan cadence as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// ScanDuration returns the scan window as a duration.
func (c Config) ScanDuration() time.Duration {
	return time.Duration(c.ScanDurationSec) * time.Second
}

// Dir resolves the podwatch configuration directory, creating it if needed.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, "podwatch")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
