// Package config handles octowatch configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/octowatch/internal/fleet"
)

// DefaultAPIKeyEnv is the environment variable consulted for devices
// that have no api_key of their own.
const DefaultAPIKeyEnv = "OCTOPRINT_API_KEY"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/octowatch/config.yaml, /etc/octowatch/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "octowatch", "config.yaml"))
	}

	paths = append(paths, "/etc/octowatch/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all octowatch configuration.
type Config struct {
	Broker    BrokerConfig `yaml:"broker"`
	Poll      PollConfig   `yaml:"poll"`
	Fleet     FleetConfig  `yaml:"fleet"`
	Listen    ListenConfig `yaml:"listen"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // text (default) or json
}

// BrokerConfig defines the MQTT broker connection.
type BrokerConfig struct {
	// URL is the broker address, e.g. mqtt://localhost:1883. Schemes
	// mqtts:// and ssl:// enable TLS.
	URL      string `yaml:"url"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Protocol selects the MQTT client: "v5" (default) or "v3" for
	// brokers that only speak 3.1.1.
	Protocol string `yaml:"protocol"`

	KeepAliveSec      int `yaml:"keep_alive_sec"`      // default 30
	ConnectTimeoutSec int `yaml:"connect_timeout_sec"` // default 10
	ReconnectDelaySec int `yaml:"reconnect_delay_sec"` // default 10

	// AckTimeoutSec bounds how long a publish waits for the broker's
	// acknowledgment (default 5).
	AckTimeoutSec int `yaml:"ack_timeout_sec"`

	// Subscribe echoes every fleet topic back into the status board.
	Subscribe bool `yaml:"subscribe"`
	// SubscribeRateLimit caps inbound messages per minute (default 600).
	SubscribeRateLimit int `yaml:"subscribe_rate_limit"`
}

// PollConfig defines the polling schedule.
type PollConfig struct {
	IntervalSec       int `yaml:"interval_sec"`        // default 300
	RequestTimeoutSec int `yaml:"request_timeout_sec"` // default 10

	// PublishAttempts is the number of tries per publish; 1 disables
	// retry. Only ack timeouts and lost connections are retried.
	PublishAttempts  int `yaml:"publish_attempts"`
	PublishBackoffMS int `yaml:"publish_backoff_ms"` // initial retry delay, default 500
}

// FleetConfig defines the monitored printers.
type FleetConfig struct {
	// Namespace prefixes every device topic, e.g. "3dprinting".
	Namespace string `yaml:"namespace"`
	// APIKeyEnv names the environment variable holding the default API
	// key (default OCTOPRINT_API_KEY).
	APIKeyEnv string         `yaml:"api_key_env"`
	Devices   []DeviceConfig `yaml:"devices"`
}

// DeviceConfig is one printer entry in the config file.
type DeviceConfig struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	// Topic is the device topic, relative to the fleet namespace.
	Topic string `yaml:"topic"`
	// RequireAPIKey makes a missing key a configuration error instead
	// of an unauthenticated request.
	RequireAPIKey bool `yaml:"require_api_key"`
}

// ListenConfig defines the status API server. Port 0 disables it.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	// MaxConnections caps simultaneous client connections, event
	// stream clients included (default 64).
	MaxConnections int `yaml:"max_connections"`
}

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Broker.ClientID == "" {
		c.Broker.ClientID = "octowatch"
	}
	if c.Broker.Protocol == "" {
		c.Broker.Protocol = "v5"
	}
	if c.Broker.KeepAliveSec <= 0 {
		c.Broker.KeepAliveSec = 30
	}
	if c.Broker.ConnectTimeoutSec <= 0 {
		c.Broker.ConnectTimeoutSec = 10
	}
	if c.Broker.ReconnectDelaySec <= 0 {
		c.Broker.ReconnectDelaySec = 10
	}
	if c.Broker.AckTimeoutSec <= 0 {
		c.Broker.AckTimeoutSec = 5
	}
	if c.Broker.SubscribeRateLimit <= 0 {
		c.Broker.SubscribeRateLimit = 600
	}
	if c.Poll.IntervalSec <= 0 {
		c.Poll.IntervalSec = 300
	}
	if c.Poll.RequestTimeoutSec <= 0 {
		c.Poll.RequestTimeoutSec = 10
	}
	if c.Poll.PublishAttempts <= 0 {
		c.Poll.PublishAttempts = 1
	}
	if c.Poll.PublishBackoffMS <= 0 {
		c.Poll.PublishBackoffMS = 500
	}
	if c.Listen.MaxConnections <= 0 {
		c.Listen.MaxConnections = 64
	}
	if c.Fleet.APIKeyEnv == "" {
		c.Fleet.APIKeyEnv = DefaultAPIKeyEnv
	}

	defaultKey := os.Getenv(c.Fleet.APIKeyEnv)
	for i := range c.Fleet.Devices {
		if c.Fleet.Devices[i].APIKey == "" {
			c.Fleet.Devices[i].APIKey = defaultKey
		}
	}
}

// Validate checks the configuration for errors. Every problem found is
// joined into the returned error.
func (c *Config) Validate() error {
	var errs []error

	if c.Broker.URL == "" {
		errs = append(errs, &ConfigError{Field: "broker.url", Reason: "required"})
	} else if u, err := url.Parse(c.Broker.URL); err != nil || u.Host == "" {
		errs = append(errs, &ConfigError{Field: "broker.url", Reason: fmt.Sprintf("invalid broker URL %q", c.Broker.URL)})
	}
	if c.Broker.Protocol != "v5" && c.Broker.Protocol != "v3" {
		errs = append(errs, &ConfigError{Field: "broker.protocol", Reason: fmt.Sprintf("unknown protocol %q (valid: v5, v3)", c.Broker.Protocol)})
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, &ConfigError{Field: "log_level", Reason: err.Error()})
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, &ConfigError{Field: "log_format", Reason: fmt.Sprintf("unknown format %q (valid: text, json)", c.LogFormat)})
	}

	if len(c.Fleet.Devices) == 0 {
		errs = append(errs, &ConfigError{Field: "fleet.devices", Reason: "at least one device is required"})
	}
	seen := make(map[string]bool, len(c.Fleet.Devices))
	topics := make(map[string]string, len(c.Fleet.Devices))
	for i, d := range c.Fleet.Devices {
		field := fmt.Sprintf("fleet.devices[%d]", i)
		if d.Name == "" {
			errs = append(errs, &ConfigError{Field: field + ".name", Reason: "required"})
		} else if seen[d.Name] {
			errs = append(errs, &ConfigError{Field: field + ".name", Reason: fmt.Sprintf("duplicate device name %q", d.Name)})
		}
		seen[d.Name] = true

		if u, err := url.Parse(d.URL); d.URL == "" || err != nil || u.Host == "" {
			errs = append(errs, &ConfigError{Field: field + ".url", Reason: fmt.Sprintf("invalid device URL %q", d.URL)})
		}
		if d.Topic == "" {
			errs = append(errs, &ConfigError{Field: field + ".topic", Reason: "required"})
		} else {
			full := c.Fleet.TopicFor(d)
			if other, dup := topics[full]; dup {
				errs = append(errs, &ConfigError{Field: field + ".topic", Reason: fmt.Sprintf("topic %q already used by %q", full, other)})
			}
			topics[full] = d.Name
		}
		if d.RequireAPIKey && d.APIKey == "" {
			errs = append(errs, &ConfigError{Field: field + ".api_key", Reason: fmt.Sprintf("device %q requires an API key; set api_key or %s", d.Name, c.Fleet.APIKeyEnv)})
		}
	}

	return errors.Join(errs...)
}

// TopicFor returns the full broker topic for a device, joining the
// namespace unless the device topic already carries it.
func (f FleetConfig) TopicFor(d DeviceConfig) string {
	topic := strings.Trim(d.Topic, "/")
	ns := strings.Trim(f.Namespace, "/")
	if ns == "" || topic == ns || strings.HasPrefix(topic, ns+"/") {
		return topic
	}
	return ns + "/" + topic
}

// Devices returns the fleet in configured order.
func (c *Config) Devices() []fleet.Device {
	out := make([]fleet.Device, 0, len(c.Fleet.Devices))
	for _, d := range c.Fleet.Devices {
		out = append(out, fleet.Device{
			Name:   d.Name,
			URL:    strings.TrimRight(d.URL, "/"),
			APIKey: d.APIKey,
			Topic:  c.Fleet.TopicFor(d),
		})
	}
	return out
}

// PollInterval returns the poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalSec) * time.Second
}

// AckTimeout returns the publish acknowledgment timeout.
func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.Broker.AckTimeoutSec) * time.Second
}
