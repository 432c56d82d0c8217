// Package config loads the bridge configuration from YAML, a .env file and
// the environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "/etc/somfy-rts/config.yaml"

// Config holds all runtime configuration.
type Config struct {
	mu sync.RWMutex

	// Serial link to the dongle
	Dongle DongleConfig `yaml:"dongle" json:"dongle"`

	// Home Assistant bridge
	MQTT MQTTConfig `yaml:"mqtt" json:"mqtt"`

	// HTTP / WebSocket surface
	Server ServerConfig `yaml:"server" json:"server"`

	// Operation journal (CSV)
	Journal JournalConfig `yaml:"journal" json:"journal"`

	// Process logging
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	path string // file path for save/load
}

type DongleConfig struct {
	PortPath   string  `yaml:"port_path" json:"portPath"`     // empty: auto-detect by USB id
	WireFormat string  `yaml:"wire_format" json:"wireFormat"` // "passthrough" or "obfuscated"
	Demo       bool    `yaml:"demo" json:"demo"`              // use the built-in simulator
	RateLimit  float64 `yaml:"rate_limit" json:"rateLimit"`   // radio commands per second
	Burst      int     `yaml:"burst" json:"burst"`
	MaxBlind   int     `yaml:"max_blind" json:"maxBlind"` // highest slot scanned for paired blinds
}

type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	Broker          string `yaml:"broker" json:"broker"` // e.g. tcp://localhost:1883
	ClientID        string `yaml:"client_id" json:"clientId"`
	Username        string `yaml:"username" json:"username"`
	Password        string `yaml:"password" json:"-"`
	DiscoveryPrefix string `yaml:"discovery_prefix" json:"discoveryPrefix"`
	NodeID          string `yaml:"node_id" json:"nodeId"`
	KeepAliveSec    int    `yaml:"keep_alive_sec" json:"keepAliveSec"`
}

type ServerConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
	MDNS       bool   `yaml:"mdns" json:"mdns"` // advertise _somfy-rts._tcp
	Instance   string `yaml:"instance" json:"instance"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"` // rows per file before rotation
}

type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`   // empty: silent
	Format     string `yaml:"format" json:"format"` // "console" or "json"
	File       string `yaml:"file" json:"file"`     // optional rolling file
	MaxSizeMB  int    `yaml:"max_size_mb" json:"maxSizeMb"`
	MaxBackups int    `yaml:"max_backups" json:"maxBackups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"maxAgeDays"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Dongle: DongleConfig{
			PortPath:   "",
			WireFormat: "passthrough",
			RateLimit:  2,
			Burst:      3,
			MaxBlind:   100,
		},
		MQTT: MQTTConfig{
			Broker:          "tcp://localhost:1883",
			DiscoveryPrefix: "homeassistant",
			NodeID:          "somfy-rts",
			KeepAliveSec:    5,
		},
		Server: ServerConfig{
			Enabled:    true,
			ListenAddr: ":8080",
			MDNS:       false,
			Instance:   "somfy-rts",
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    "/var/log/somfy-rts",
			MaxRows: 50000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if the file is missing or bad.
func LoadConfig(path string, log *zap.Logger) *Config {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info("no config file, using defaults", zap.String("path", path))
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn("error parsing config, using defaults", zap.String("path", path), zap.Error(err))
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info("config loaded", zap.String("path", path))
	}

	// .env next to the config wins over one in the working directory
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep, log)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string, log *zap.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Debug("loading .env", zap.String("path", path))
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real environment takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envBool(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: SOMFY_PORT, SOMFY_WIRE_FORMAT, SOMFY_DEMO, SOMFY_RATE_LIMIT,
// MQTT_ENABLED, MQTT_BROKER, MQTT_CLIENT_ID, MQTT_USERNAME, MQTT_PASSWORD,
// LISTEN_ADDR, MDNS_ENABLED, LOG_LEVEL, LOG_FORMAT, LOG_FILE,
// JOURNAL_ENABLED, JOURNAL_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SOMFY_PORT"); v != "" {
		c.Dongle.PortPath = v
	}
	if v := os.Getenv("SOMFY_WIRE_FORMAT"); v != "" {
		c.Dongle.WireFormat = v
	}
	if v := os.Getenv("SOMFY_DEMO"); v != "" {
		c.Dongle.Demo = envBool(v)
	}
	if v := os.Getenv("SOMFY_RATE_LIMIT"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Dongle.RateLimit = n
		}
	}
	if v := os.Getenv("MQTT_ENABLED"); v != "" {
		c.MQTT.Enabled = envBool(v)
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
		c.MQTT.Enabled = true
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		c.MQTT.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("MDNS_ENABLED"); v != "" {
		c.Server.MDNS = envBool(v)
	}
	// Logging
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	// Journal
	if v := os.Getenv("JOURNAL_ENABLED"); v != "" {
		c.Journal.Enabled = envBool(v)
	}
	if v := os.Getenv("JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
}

// Path is the file Save writes to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = DefaultPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	return os.WriteFile(c.path, data, 0600)
}

// ToJSON serializes config for the API. The MQTT password is never included.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// sections is the JSON view of Config without its lock and path.
type sections struct {
	Dongle  DongleConfig  `json:"dongle"`
	MQTT    MQTTConfig    `json:"mqtt"`
	Server  ServerConfig  `json:"server"`
	Journal JournalConfig `json:"journal"`
	Logging LoggingConfig `json:"logging"`
}

func (s *sections) validate() error {
	switch {
	case s.Dongle.RateLimit < 0:
		return fmt.Errorf("config: dongle.rateLimit must not be negative")
	case s.Dongle.Burst < 0:
		return fmt.Errorf("config: dongle.burst must not be negative")
	case s.Dongle.MaxBlind < 0 || s.Dongle.MaxBlind > 100:
		return fmt.Errorf("config: dongle.maxBlind must be within 0..100")
	case s.MQTT.KeepAliveSec < 0:
		return fmt.Errorf("config: mqtt.keepAliveSec must not be negative")
	case s.Journal.MaxRows < 0:
		return fmt.Errorf("config: journal.maxRows must not be negative")
	}
	return nil
}

// UpdateFromJSON applies a partial update from the config API. Keys absent
// from data keep their value. The MQTT password has no JSON form, so it
// cannot be set here and survives every update. A patch that fails to
// decode or validate leaves the config untouched.
func (c *Config) UpdateFromJSON(data []byte) error {
	var patch map[string]any
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("config: decode update: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cur := sections{Dongle: c.Dongle, MQTT: c.MQTT, Server: c.Server, Journal: c.Journal, Logging: c.Logging}
	raw, err := json.Marshal(cur)
	if err != nil {
		return fmt.Errorf("config: encode current: %w", err)
	}
	var base map[string]any
	if err := json.Unmarshal(raw, &base); err != nil {
		return fmt.Errorf("config: encode current: %w", err)
	}
	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("config: apply update: %w", err)
	}
	next := cur
	if err := json.Unmarshal(merged, &next); err != nil {
		return fmt.Errorf("config: apply update: %w", err)
	}
	if err := next.validate(); err != nil {
		return err
	}

	c.Dongle, c.MQTT, c.Server, c.Journal, c.Logging = next.Dongle, next.MQTT, next.Server, next.Journal, next.Logging
	return nil
}

// deepMerge merges src into dst, descending into nested objects. Anything
// else in src replaces the value in dst.
func deepMerge(dst, src map[string]any) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
