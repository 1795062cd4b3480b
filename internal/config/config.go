// Package config loads and saves the YAML configuration of the tunnel
// server and agent. Missing agent identity (id, tokens) is generated on
// first run and written back to the file so reconnects keep the same
// identity.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ServerConfig is the tunnel server configuration.
type ServerConfig struct {
	Server          HTTPConfig            `yaml:"server"`
	Database        DatabaseConfig        `yaml:"database"`
	Security        SecurityConfig        `yaml:"security"`
	Logging         LoggingConfig         `yaml:"logging"`
	TerminalHistory TerminalHistoryConfig `yaml:"terminal_history"`
	AuditLog        AuditLogConfig        `yaml:"audit_log"`
}

type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
	// RedisURL enables the shared rate limiter; empty means the
	// in-process limiter is used instead.
	RedisURL string `yaml:"redis_url"`
}

type SecurityConfig struct {
	SuperAdminToken    string `yaml:"super_admin_token"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	TokenMinLength     int    `yaml:"token_min_length"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type TerminalHistoryConfig struct {
	Enabled             bool `yaml:"enabled"`
	DefaultBufferSizeKB int  `yaml:"default_buffer_size_kb"`
	MaxBufferSizeKB     int  `yaml:"max_buffer_size_kb"`
	RetentionDays       int  `yaml:"retention_days"`
}

type AuditLogConfig struct {
	Enabled       bool `yaml:"enabled"`
	RetentionDays int  `yaml:"retention_days"`
}

// DefaultServerConfig returns the server defaults; the super admin token
// has no default and must be configured.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Server:   HTTPConfig{Host: "127.0.0.1", Port: 8080},
		Database: DatabaseConfig{Path: "tunnel.db"},
		Security: SecurityConfig{
			RateLimitPerMinute: 10,
			TokenMinLength:     32,
		},
		Logging: LoggingConfig{Level: "info"},
		TerminalHistory: TerminalHistoryConfig{
			Enabled:             true,
			DefaultBufferSizeKB: 64,
			MaxBufferSizeKB:     512,
			RetentionDays:       7,
		},
		AuditLog: AuditLogConfig{Enabled: true, RetentionDays: 30},
	}
}

// LoadServer reads the server config, applies env overrides and validates.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if token := os.Getenv("TUNNEL_SUPER_ADMIN_TOKEN"); token != "" {
		cfg.Security.SuperAdminToken = token
	}
	if url := os.Getenv("TUNNEL_REDIS_URL"); url != "" {
		cfg.Database.RedisURL = url
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Security.SuperAdminToken == "" {
		return fmt.Errorf("security.super_admin_token is required")
	}
	if len(c.Security.SuperAdminToken) < c.Security.TokenMinLength {
		return fmt.Errorf("security.super_admin_token must be at least %d characters", c.Security.TokenMinLength)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TerminalHistory.DefaultBufferSizeKB > c.TerminalHistory.MaxBufferSizeKB {
		return fmt.Errorf("terminal_history.default_buffer_size_kb exceeds max_buffer_size_kb")
	}
	return nil
}

// AgentConfig is the tunnel agent configuration.
type AgentConfig struct {
	Server      ConnectionConfig `yaml:"server"`
	Agent       IdentityConfig   `yaml:"agent"`
	Tokens      TokenConfig      `yaml:"tokens"`
	Directories DirectoryConfig  `yaml:"directories"`
	Logging     LoggingConfig    `yaml:"logging"`
}

type ConnectionConfig struct {
	URL string `yaml:"url"`
	// Intervals in seconds.
	ReconnectInterval int `yaml:"reconnect_interval"`
	HeartbeatInterval int `yaml:"heartbeat_interval"`
}

type IdentityConfig struct {
	Name string `yaml:"name"`
	ID   string `yaml:"id"`
}

type TokenConfig struct {
	Admin string `yaml:"admin"`
	Share string `yaml:"share"`
}

type DirectoryConfig struct {
	// Allowed restricts instance working directories when non-empty.
	Allowed []string `yaml:"allowed"`
	Default string   `yaml:"default"`
}

// DefaultAgentConfig returns agent defaults: hostname as the display name
// and the current directory as the default working directory.
func DefaultAgentConfig() *AgentConfig {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "Unknown"
	}
	cwd, _ := os.Getwd()
	return &AgentConfig{
		Server: ConnectionConfig{
			ReconnectInterval: 5,
			HeartbeatInterval: 30,
		},
		Agent:       IdentityConfig{Name: name},
		Directories: DirectoryConfig{Default: cwd},
		Logging:     LoggingConfig{Level: "info"},
	}
}

// LoadAgent reads the agent config, generating any missing identity
// (agent id, admin/share tokens) and writing the resolved file back so the
// agent keeps the same identity across restarts. A missing file yields the
// default config.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	existed := false

	if data, err := os.ReadFile(path); err == nil {
		existed = true
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	generated := false
	if _, err := uuid.Parse(cfg.Agent.ID); err != nil {
		cfg.Agent.ID = uuid.NewString()
		generated = true
	}
	if cfg.Tokens.Admin == "" {
		cfg.Tokens.Admin = GenerateToken()
		generated = true
	}
	if cfg.Tokens.Share == "" {
		cfg.Tokens.Share = GenerateToken()
		generated = true
	}

	if generated || !existed {
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Validate checks the agent configuration.
func (c *AgentConfig) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	return nil
}

// Save writes the config back to disk.
func (c *AgentConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// GenerateToken returns a fresh 256-bit secret, URL-safe base64 without
// padding.
func GenerateToken() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b[:])
}
