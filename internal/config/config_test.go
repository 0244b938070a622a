package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8787 || cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("server defaults = %+v", cfg.Server)
	}
	if cfg.Backend.LocalTimeoutSec != 30 {
		t.Fatalf("backend defaults = %+v", cfg.Backend)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	doc := `
[server]
port = 9999

[llm]
model = "gemini-2.5-flash"

[notifications]
enabled = true

[notifications.log]
enabled = true
path = "/tmp/aide-test.log"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Fatalf("port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("host default lost: %q", cfg.Server.Host)
	}
	if cfg.LLM.Model != "gemini-2.5-flash" {
		t.Fatalf("model = %q", cfg.LLM.Model)
	}
	if !cfg.Notifications.Enabled || !cfg.Notifications.Log.Enabled {
		t.Fatalf("notifications = %+v", cfg.Notifications)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	doc := `
[llm]
api_key = "from-file"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AIDE_GEMINI_API_KEY", "from-env")
	t.Setenv("AIDE_PORT", "7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.APIKey != "from-env" {
		t.Fatalf("api key = %q, want env override", cfg.LLM.APIKey)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("port = %d, want 7070", cfg.Server.Port)
	}
}

func TestValidateAuthMode(t *testing.T) {
	cfg := Default()
	cfg.Server.AuthMode = "oidc"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "invalid auth mode") {
		t.Fatalf("err = %v", err)
	}

	cfg = Default()
	cfg.Server.AuthMode = "api_key"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "requires an API key") {
		t.Fatalf("err = %v", err)
	}

	cfg.Server.APIKey = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateMissingRulesFile(t *testing.T) {
	cfg := Default()
	cfg.Intent.RulesPath = filepath.Join(t.TempDir(), "absent.yaml")
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing rules file")
	}
}

func TestDefaultPathHonorsEnv(t *testing.T) {
	t.Setenv("AIDE_CONFIG", "/etc/aide/custom.toml")
	if got := DefaultPath(); got != "/etc/aide/custom.toml" {
		t.Fatalf("path = %q", got)
	}

	t.Setenv("AIDE_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "aide", "config.toml") {
		t.Fatalf("path = %q", got)
	}
}
