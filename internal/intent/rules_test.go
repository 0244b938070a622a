package intent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultRulesetValid(t *testing.T) {
	if err := DefaultRuleset().Validate(); err != nil {
		t.Fatalf("default ruleset invalid: %v", err)
	}
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	doc := `
remote_hints: ["on prod"]
rules:
  - name: restart-check
    keywords: ["restart", "reboot"]
    command: uptime
    description: Check time since last reboot
    platform: remote
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	rs, err := LoadRules(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rs.Rules) != 1 || rs.Rules[0].Platform != "remote" {
		t.Fatalf("ruleset = %+v", rs)
	}
	if len(rs.RemoteHints) != 1 {
		t.Fatalf("remote hints = %v", rs.RemoteHints)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		rs   Ruleset
		want string
	}{
		{
			"missing name",
			Ruleset{Rules: []Rule{{Keywords: []string{"x"}, Command: "x"}}},
			"missing name",
		},
		{
			"no keywords",
			Ruleset{Rules: []Rule{{Name: "r", Command: "x"}}},
			"no keywords",
		},
		{
			"no command",
			Ruleset{Rules: []Rule{{Name: "r", Keywords: []string{"x"}}}},
			"no command",
		},
		{
			"extract without placeholder",
			Ruleset{Rules: []Rule{{Name: "r", Keywords: []string{"x"}, Command: "mkdir", ExtractName: true}}},
			"placeholder",
		},
		{
			"bad scope",
			Ruleset{Rules: []Rule{{Name: "r", Keywords: []string{"x"}, Command: "x", Scope: "system"}}},
			"unknown scope",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rs.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestLoadRulesMissingFile(t *testing.T) {
	if _, err := LoadRules(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
