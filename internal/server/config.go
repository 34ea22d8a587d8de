package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config holds all host configuration.
type Config struct {
	mu sync.RWMutex

	// Serial link
	Serial SerialConfig `yaml:"serial" json:"serial"`

	// Reconnect policy
	Reconnect ReconnectConfig `yaml:"reconnect" json:"reconnect"`

	// Firmware constants used by the demo device
	Device DeviceConfig `yaml:"device" json:"device"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type SerialConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyACM0
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

type ReconnectConfig struct {
	Enabled        bool `yaml:"enabled" json:"enabled"`
	InitialDelayMs int  `yaml:"initial_delay_ms" json:"initialDelayMs"`
	MaxDelayMs     int  `yaml:"max_delay_ms" json:"maxDelayMs"`
}

type DeviceConfig struct {
	MaxRadiusMm float64 `yaml:"max_radius_mm" json:"maxRadiusMm"`
	StepsPerRev float64 `yaml:"steps_per_rev" json:"stepsPerRev"`
	StepsPerMM  float64 `yaml:"steps_per_mm" json:"stepsPerMm"`
	DwellMs     int     `yaml:"dwell_ms" json:"dwellMs"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			PortPath: "",
			BaudRate: 115200,
		},
		Reconnect: ReconnectConfig{
			Enabled:        true,
			InitialDelayMs: 1000,
			MaxDelayMs:     60000,
		},
		Device: DeviceConfig{
			MaxRadiusMm: 100,
			StepsPerRev: 3200,
			StepsPerMM:  80,
			DwellMs:     25,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies environment
// variable overrides. Falls back to defaults if the file is missing or
// unparsable.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// applyEnvOverrides reads environment variables and overrides config
// values. Supported: PLOTTER_PORT, PLOTTER_BAUD, LISTEN_ADDR,
// RECONNECT_ENABLED.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PLOTTER_PORT"); v != "" {
		c.Serial.PortPath = v
	}
	if v := os.Getenv("PLOTTER_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("RECONNECT_ENABLED"); v != "" {
		c.Reconnect.Enabled = v == "1" || v == "true" || v == "yes"
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config: no file path set")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config; absent fields are
// preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. Nested maps are merged;
// everything else is overwritten.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
