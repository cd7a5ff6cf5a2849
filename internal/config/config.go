// Package config handles relay configuration persistence and log level
// parsing. Configuration lives as JSON in the state directory and is
// rewritten whole on every save.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Channel names accepted in RelayConfig.Channel.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelSignal   = "signal"
	ChannelIMessage = "imessage"
)

// KnownChannel reports whether name is one of the supported chat channels.
func KnownChannel(name string) bool {
	switch name {
	case ChannelWhatsApp, ChannelSignal, ChannelIMessage:
		return true
	}
	return false
}

// ReconnectPolicy controls the supervisor's reconnect schedule.
type ReconnectPolicy struct {
	// MaxAttempts caps consecutive failed reconnect attempts; 0 means unbounded.
	MaxAttempts int `json:"maxAttempts"`
	// InitialDelayMs is the delay before the first retry.
	InitialDelayMs int `json:"initialDelayMs"`
	// MaxDelayMs is the ceiling for backoff growth.
	MaxDelayMs int `json:"maxDelayMs"`
	// WatchdogTimeoutMs forces a reconnect when no heartbeat succeeds
	// for this long.
	WatchdogTimeoutMs int `json:"watchdogTimeoutMs"`
}

// HeartbeatPolicy controls the presence loop.
type HeartbeatPolicy struct {
	IntervalSeconds int `json:"intervalSeconds"`
}

// OutboundPolicy controls the outbound message poller.
type OutboundPolicy struct {
	PollIntervalSeconds int `json:"pollIntervalSeconds"`
	MaxPerPoll          int `json:"maxPerPoll"`
}

// MQTTConfig enables the optional presence publisher. The relay runs
// identically when BrokerURL is empty.
type MQTTConfig struct {
	BrokerURL          string `json:"brokerUrl,omitempty"`
	Username           string `json:"username,omitempty"`
	Password           string `json:"password,omitempty"`
	TopicPrefix        string `json:"topicPrefix,omitempty"`
	PublishIntervalSec int    `json:"publishIntervalSec,omitempty"`
}

// RelayConfig is the persisted relay state (config.json, mode 0600).
//
// Channel, RelayID and DeviceToken are either all present (the relay is
// configured and can start) or all absent (registration has not
// happened yet). Save preserves that invariant; Configured checks it.
type RelayConfig struct {
	CloudBaseURL   string          `json:"cloudBaseUrl"`
	Channel        string          `json:"channel,omitempty"`
	RelayID        string          `json:"relayId,omitempty"`
	DeviceToken    string          `json:"deviceToken,omitempty"`
	TokenExpiresAt time.Time       `json:"tokenExpiresAt,omitzero"`
	UserID         string          `json:"userId,omitempty"`
	Reconnect      ReconnectPolicy `json:"reconnect"`
	Heartbeat      HeartbeatPolicy `json:"heartbeat"`
	Outbound       OutboundPolicy  `json:"outbound"`
	MQTT           MQTTConfig      `json:"mqtt,omitzero"`
	LogLevel       string          `json:"logLevel,omitempty"`
}

// Default returns a RelayConfig with the stock policies and no
// registration state.
func Default() *RelayConfig {
	return &RelayConfig{
		CloudBaseURL: "https://api.myndhyve.com",
		Reconnect: ReconnectPolicy{
			InitialDelayMs:    1000,
			MaxDelayMs:        300_000,
			WatchdogTimeoutMs: 1_800_000,
		},
		Heartbeat: HeartbeatPolicy{IntervalSeconds: 30},
		Outbound:  OutboundPolicy{PollIntervalSeconds: 5, MaxPerPoll: 10},
		LogLevel:  "info",
	}
}

// applyDefaults fills zero-valued policy fields after a load.
func (c *RelayConfig) applyDefaults() {
	d := Default()
	if c.CloudBaseURL == "" {
		c.CloudBaseURL = d.CloudBaseURL
	}
	if c.Reconnect.InitialDelayMs <= 0 {
		c.Reconnect.InitialDelayMs = d.Reconnect.InitialDelayMs
	}
	if c.Reconnect.MaxDelayMs <= 0 {
		c.Reconnect.MaxDelayMs = d.Reconnect.MaxDelayMs
	}
	if c.Reconnect.WatchdogTimeoutMs <= 0 {
		c.Reconnect.WatchdogTimeoutMs = d.Reconnect.WatchdogTimeoutMs
	}
	if c.Heartbeat.IntervalSeconds <= 0 {
		c.Heartbeat.IntervalSeconds = d.Heartbeat.IntervalSeconds
	}
	if c.Outbound.PollIntervalSeconds <= 0 {
		c.Outbound.PollIntervalSeconds = d.Outbound.PollIntervalSeconds
	}
	if c.Outbound.MaxPerPoll <= 0 {
		c.Outbound.MaxPerPoll = d.Outbound.MaxPerPoll
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

// Configured reports whether the relay has completed registration.
// Partial registration state is treated as unconfigured so a torn
// write never produces a relay that half-works.
func (c *RelayConfig) Configured() bool {
	return c.Channel != "" && c.RelayID != "" && c.DeviceToken != ""
}

// ClearRegistration removes the registration triple, returning the
// config to the unconfigured state. Policies are untouched.
func (c *RelayConfig) ClearRegistration() {
	c.Channel = ""
	c.RelayID = ""
	c.DeviceToken = ""
	c.TokenExpiresAt = time.Time{}
	c.UserID = ""
}

// WatchdogTimeout returns the reconnect watchdog as a duration.
func (c *RelayConfig) WatchdogTimeout() time.Duration {
	return time.Duration(c.Reconnect.WatchdogTimeoutMs) * time.Millisecond
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (c *RelayConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSeconds) * time.Second
}

// PollInterval returns the outbound poll period as a duration.
func (c *RelayConfig) PollInterval() time.Duration {
	return time.Duration(c.Outbound.PollIntervalSeconds) * time.Second
}

// Load reads the relay config from path. A missing file returns
// defaults. A file that exists but does not parse also returns
// defaults, with a warning, so a corrupt config degrades to
// re-registration instead of a crash loop.
func Load(path string, logger *slog.Logger) (*RelayConfig, error) {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &RelayConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		logger.Warn("config file is not valid JSON, falling back to defaults",
			"path", path,
			"error", err,
		)
		return Default(), nil
	}
	cfg.applyDefaults()

	if cfg.Channel != "" || cfg.RelayID != "" || cfg.DeviceToken != "" {
		if !cfg.Configured() {
			logger.Warn("config has partial registration state, clearing it",
				"path", path,
			)
			cfg.ClearRegistration()
		}
	}
	return cfg, nil
}

// Save writes the config as a whole-file replacement with mode 0600.
// The write goes through a temp file in the same directory followed by
// a rename so readers never observe a torn file.
func Save(path string, cfg *RelayConfig) error {
	if cfg.Channel != "" && !KnownChannel(cfg.Channel) {
		return fmt.Errorf("unknown channel %q", cfg.Channel)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	data = append(data, '\n')

	return writeFileAtomic(path, data, 0o600)
}

// writeFileAtomic writes data to a temp file next to path and renames
// it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
