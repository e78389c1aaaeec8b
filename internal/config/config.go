// Package config provides configuration for the MCP test-run server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the server configuration.
type Config struct {
	// Server settings
	HTTPPort    int
	TLSCertFile string
	TLSKeyFile  string

	// Database
	DatabaseURL string

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	SendBuffer     int

	// Runs
	RunTimeout        time.Duration // 0 disables the limit
	RequestTimeout    time.Duration
	VerdictPolicyFile string

	// Logging
	LogLevel string
}

// ConfigFileEnv names the environment variable pointing at an optional YAML file.
// Keys in the file use the same names as the environment variables.
const ConfigFileEnv = "MCP_CONFIG_FILE"

type loader struct {
	file map[string]string
}

// Load loads configuration from environment variables, falling back to the
// optional YAML file and then to defaults.
func Load() (*Config, error) {
	l := &loader{file: map[string]string{}}
	if path := os.Getenv(ConfigFileEnv); path != "" {
		values, err := readFile(path)
		if err != nil {
			return nil, err
		}
		l.file = values
	}

	cfg := &Config{
		HTTPPort:          l.getInt("HTTP_PORT", 8610),
		TLSCertFile:       l.get("TLS_CERT_FILE", ""),
		TLSKeyFile:        l.get("TLS_KEY_FILE", ""),
		DatabaseURL:       l.get("DATABASE_URL", "file:mcprunner.db?cache=shared&mode=rwc&_busy_timeout=5000"),
		PingInterval:      time.Duration(l.getInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:      time.Duration(l.getInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:       time.Duration(l.getInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize:    int64(l.getInt("WS_MAX_MESSAGE_SIZE", 1<<20)),
		SendBuffer:        l.getInt("WS_SEND_BUFFER", 256),
		RunTimeout:        time.Duration(l.getInt("RUN_TIMEOUT_MS", 0)) * time.Millisecond,
		RequestTimeout:    time.Duration(l.getInt("RUNNER_REQUEST_TIMEOUT_MS", 30000)) * time.Millisecond,
		VerdictPolicyFile: l.get("VERDICT_POLICY_FILE", ""),
		LogLevel:          l.get("LOG_LEVEL", "info"),
	}
	return cfg, nil
}

// TLSEnabled reports whether both halves of a certificate pair are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// DebugEnabled reports whether per-item progress should be logged.
func (c *Config) DebugEnabled() bool {
	return strings.EqualFold(c.LogLevel, "debug")
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		values[k] = fmt.Sprint(v)
	}
	return values, nil
}

func (l *loader) get(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	if val, ok := l.file[key]; ok && val != "" {
		return val
	}
	return defaultVal
}

func (l *loader) getInt(key string, defaultVal int) int {
	if val := l.get(key, ""); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
