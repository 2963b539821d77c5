package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical bridge defaults file.
// This is the single source of truth for all default bridge values.
const DefaultConfigPath = "config/bridge.defaults.json"

// BridgeConfig represents the root configuration for the teleop bridge.
// Fields are pointers so a partial JSON file only overrides what it names;
// the Get* accessors supply defaults for everything else.
type BridgeConfig struct {
	// Transport params
	RobotURL         *string `json:"robot_url,omitempty"`
	SendInterval     *string `json:"send_interval,omitempty"`      // duration string like "100ms"
	ConnectTimeout   *string `json:"connect_timeout,omitempty"`    // duration string like "10s"
	BaseRetryDelay   *string `json:"base_retry_delay,omitempty"`   // duration string like "3s"
	MaxRetryAttempts *int    `json:"max_retry_attempts,omitempty"` // reconnect ceiling before Reset is required

	// Sampler params
	QuantizeDecimals *int `json:"quantize_decimals,omitempty"`

	// Session params
	PreferPassthrough *bool `json:"prefer_passthrough,omitempty"`

	// Event log params
	EventLogPath *string `json:"event_log_path,omitempty"`
}

// EmptyBridgeConfig returns a BridgeConfig with all fields set to nil.
// Use LoadBridgeConfig to load actual values from a file.
func EmptyBridgeConfig() *BridgeConfig {
	return &BridgeConfig{}
}

// LoadBridgeConfig loads a BridgeConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file retain their defaults,
// so partial configs are safe.
func LoadBridgeConfig(path string) (*BridgeConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyBridgeConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *BridgeConfig) Validate() error {
	for name, field := range map[string]*string{
		"send_interval":    c.SendInterval,
		"connect_timeout":  c.ConnectTimeout,
		"base_retry_delay": c.BaseRetryDelay,
	} {
		if field != nil && *field != "" {
			if _, err := time.ParseDuration(*field); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *field, err)
			}
		}
	}

	if c.MaxRetryAttempts != nil && *c.MaxRetryAttempts < 0 {
		return fmt.Errorf("max_retry_attempts must be non-negative, got %d", *c.MaxRetryAttempts)
	}

	if c.QuantizeDecimals != nil {
		if *c.QuantizeDecimals < 0 || *c.QuantizeDecimals > 10 {
			return fmt.Errorf("quantize_decimals must be between 0 and 10, got %d", *c.QuantizeDecimals)
		}
	}

	return nil
}

// GetRobotURL returns the robot consumer websocket URL or the default.
func (c *BridgeConfig) GetRobotURL() string {
	if c.RobotURL == nil || *c.RobotURL == "" {
		return "ws://localhost:8765"
	}
	return *c.RobotURL
}

// GetSendInterval parses and returns the SendInterval as a time.Duration.
func (c *BridgeConfig) GetSendInterval() time.Duration {
	return c.duration(c.SendInterval, 100*time.Millisecond)
}

// GetConnectTimeout parses and returns the ConnectTimeout as a time.Duration.
func (c *BridgeConfig) GetConnectTimeout() time.Duration {
	return c.duration(c.ConnectTimeout, 10*time.Second)
}

// GetBaseRetryDelay parses and returns the BaseRetryDelay as a time.Duration.
func (c *BridgeConfig) GetBaseRetryDelay() time.Duration {
	return c.duration(c.BaseRetryDelay, 3*time.Second)
}

// GetMaxRetryAttempts returns the reconnect attempt ceiling or the default.
func (c *BridgeConfig) GetMaxRetryAttempts() int {
	if c.MaxRetryAttempts == nil {
		return 5
	}
	return *c.MaxRetryAttempts
}

// GetQuantizeDecimals returns the pose rounding precision or the default.
func (c *BridgeConfig) GetQuantizeDecimals() int {
	if c.QuantizeDecimals == nil {
		return 4
	}
	return *c.QuantizeDecimals
}

// GetPreferPassthrough returns the passthrough preference or the default.
func (c *BridgeConfig) GetPreferPassthrough() bool {
	if c.PreferPassthrough == nil {
		return true
	}
	return *c.PreferPassthrough
}

// GetEventLogPath returns the sqlite event log path or the default.
func (c *BridgeConfig) GetEventLogPath() string {
	if c.EventLogPath == nil || *c.EventLogPath == "" {
		return "teleop_events.db"
	}
	return *c.EventLogPath
}

func (c *BridgeConfig) duration(field *string, fallback time.Duration) time.Duration {
	if field == nil || *field == "" {
		return fallback
	}
	d, err := time.ParseDuration(*field)
	if err != nil {
		return fallback
	}
	return d
}
