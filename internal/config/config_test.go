package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestLoadServer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	content := `
server:
  host: 0.0.0.0
  port: 9090
database:
  path: /tmp/test-tunnel.db
  redis_url: redis://localhost:6379
security:
  super_admin_token: ` + strings.Repeat("s", 40) + `
  rate_limit_per_minute: 20
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadServer(path)
	if err != nil {
		t.Fatalf("LoadServer: %v", err)
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 9090 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Security.RateLimitPerMinute != 20 {
		t.Errorf("rate limit = %d", cfg.Security.RateLimitPerMinute)
	}
	// Unset sections keep defaults.
	if !cfg.TerminalHistory.Enabled || cfg.TerminalHistory.DefaultBufferSizeKB != 64 {
		t.Errorf("history defaults = %+v", cfg.TerminalHistory)
	}
	if !cfg.AuditLog.Enabled || cfg.AuditLog.RetentionDays != 30 {
		t.Errorf("audit defaults = %+v", cfg.AuditLog)
	}
}

func TestLoadServerRequiresSuperAdminToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 8080\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadServer(path); err == nil {
		t.Error("config without super_admin_token accepted")
	}
}

func TestLoadServerRejectsShortToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte("security:\n  super_admin_token: short\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadServer(path); err == nil {
		t.Error("short super_admin_token accepted")
	}
}

func TestLoadServerEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte("database:\n  path: db.sqlite\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TUNNEL_SUPER_ADMIN_TOKEN", strings.Repeat("e", 40))

	cfg, err := LoadServer(path)
	if err != nil {
		t.Fatalf("LoadServer: %v", err)
	}
	if cfg.Security.SuperAdminToken != strings.Repeat("e", 40) {
		t.Error("env override not applied")
	}
}

func TestLoadAgentGeneratesIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")

	cfg, err := LoadAgent(path)
	if err != nil {
		t.Fatalf("LoadAgent: %v", err)
	}
	if _, err := uuid.Parse(cfg.Agent.ID); err != nil {
		t.Errorf("generated id %q invalid: %v", cfg.Agent.ID, err)
	}
	if cfg.Tokens.Admin == "" || cfg.Tokens.Share == "" {
		t.Error("tokens not generated")
	}
	if cfg.Tokens.Admin == cfg.Tokens.Share {
		t.Error("admin and share token identical")
	}

	// The resolved identity is written back and survives a reload.
	again, err := LoadAgent(path)
	if err != nil {
		t.Fatalf("second LoadAgent: %v", err)
	}
	if again.Agent.ID != cfg.Agent.ID || again.Tokens.Admin != cfg.Tokens.Admin {
		t.Error("identity not stable across reloads")
	}
}

func TestLoadAgentKeepsExistingValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	id := uuid.NewString()
	content := `
server:
  url: wss://tunnel.example.com
  reconnect_interval: 10
agent:
  name: build-box
  id: ` + id + `
tokens:
  admin: my-admin-token
  share: my-share-token
directories:
  allowed:
    - /srv/projects
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadAgent(path)
	if err != nil {
		t.Fatalf("LoadAgent: %v", err)
	}
	if cfg.Agent.ID != id || cfg.Agent.Name != "build-box" {
		t.Errorf("identity = %+v", cfg.Agent)
	}
	if cfg.Tokens.Admin != "my-admin-token" {
		t.Error("existing admin token replaced")
	}
	if cfg.Server.ReconnectInterval != 10 || cfg.Server.HeartbeatInterval != 30 {
		t.Errorf("intervals = %+v", cfg.Server)
	}
	if len(cfg.Directories.Allowed) != 1 || cfg.Directories.Allowed[0] != "/srv/projects" {
		t.Errorf("allowed dirs = %v", cfg.Directories.Allowed)
	}
}

func TestGenerateToken(t *testing.T) {
	t1, t2 := GenerateToken(), GenerateToken()
	if t1 == t2 {
		t.Error("tokens not unique")
	}
	if len(t1) != 43 { // 32 bytes, base64 without padding
		t.Errorf("token length = %d, want 43", len(t1))
	}
	if strings.ContainsAny(t1, "+/=") {
		t.Errorf("token %q not URL safe", t1)
	}
}
