package intent

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule matches keywords against one side of a turn and yields a command.
// Keywords are matched by case-insensitive substring containment; the first
// rule that matches wins, so order in the file is priority.
type Rule struct {
	Name        string   `yaml:"name"`
	Keywords    []string `yaml:"keywords"`
	Scope       string   `yaml:"scope,omitempty"` // user (default), assistant, or both
	Command     string   `yaml:"command"`
	Description string   `yaml:"description"`
	Platform    string   `yaml:"platform,omitempty"` // empty = infer from remote hints
	ExtractName bool     `yaml:"extract_name,omitempty"`
}

// Ruleset is the YAML document shape for a rules file.
type Ruleset struct {
	// RemoteHints mark a turn as targeting a remote host when a rule does
	// not pin a platform.
	RemoteHints []string `yaml:"remote_hints"`
	Rules       []Rule   `yaml:"rules"`
}

// Validate checks that every rule is usable.
func (rs *Ruleset) Validate() error {
	for i, r := range rs.Rules {
		if r.Name == "" {
			return fmt.Errorf("rule %d: missing name", i)
		}
		if len(r.Keywords) == 0 {
			return fmt.Errorf("rule %q: no keywords", r.Name)
		}
		if r.Command == "" {
			return fmt.Errorf("rule %q: no command", r.Name)
		}
		if r.ExtractName && !strings.Contains(r.Command, namePlaceholder) {
			return fmt.Errorf("rule %q: extract_name set but command has no %s placeholder", r.Name, namePlaceholder)
		}
		switch r.Scope {
		case "", "user", "assistant", "both":
		default:
			return fmt.Errorf("rule %q: unknown scope %q", r.Name, r.Scope)
		}
	}
	return nil
}

// LoadRules reads and validates a YAML rules file.
func LoadRules(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	if err := rs.Validate(); err != nil {
		return nil, fmt.Errorf("rules %s: %w", path, err)
	}
	return &rs, nil
}

// DefaultRuleset returns the built-in rules for the current platform. Folder
// creation comes first so "make a directory for my ram dumps" proposes a
// mkdir, not a memory probe.
func DefaultRuleset() *Ruleset {
	diskCmd, memCmd := "df -h", "free -m"
	switch runtime.GOOS {
	case "windows":
		diskCmd = "wmic logicaldisk get size,freespace,caption"
		memCmd = "wmic OS get TotalVisibleMemorySize,FreePhysicalMemory /value"
	case "darwin":
		memCmd = "vm_stat"
	}

	return &Ruleset{
		RemoteHints: []string{"remote", "ssh", "on the server"},
		Rules: []Rule{
			{
				Name:        "create-folder",
				Keywords:    []string{"create folder", "make directory", "new folder", "mkdir"},
				Command:     "mkdir -p " + namePlaceholder,
				Description: "Create a new folder",
				ExtractName: true,
			},
			{
				Name:        "disk-usage",
				Keywords:    []string{"disk space", "disk"},
				Command:     diskCmd,
				Description: "Get disk space information for all drives",
			},
			{
				Name:        "memory",
				Keywords:    []string{"memory", "ram"},
				Command:     memCmd,
				Description: "Get system memory information",
			},
		},
	}
}
