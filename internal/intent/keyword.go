package intent

import (
	"regexp"
	"strings"
	"sync"

	"github.com/aide-sh/aide/internal/state"
)

const namePlaceholder = "{name}"

// quoted name wins over positional extraction.
var quotedNameRe = regexp.MustCompile(`["']([^"']+)["']`)

// extraction keywords: the token after one of these is the folder name.
var nameMarkers = map[string]bool{
	"create":    true,
	"called":    true,
	"named":     true,
	"folder":    true,
	"directory": true,
	"make":      true,
	"mkdir":     true,
}

// KeywordDetector is the default Detector: ordered substring rules with an
// atomically swappable ruleset so a rules file can be reloaded while
// connections are live.
type KeywordDetector struct {
	mu    sync.RWMutex
	rules *Ruleset
}

// NewKeywordDetector creates a detector. A nil ruleset means the built-in
// defaults.
func NewKeywordDetector(rs *Ruleset) *KeywordDetector {
	if rs == nil {
		rs = DefaultRuleset()
	}
	return &KeywordDetector{rules: rs}
}

// Reload replaces the ruleset from a file. On error the previous ruleset
// stays in effect.
func (d *KeywordDetector) Reload(path string) error {
	rs, err := LoadRules(path)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.rules = rs
	d.mu.Unlock()
	return nil
}

// Detect returns the first matching rule's intent, or nil.
func (d *KeywordDetector) Detect(userText, assistantText string) *CommandIntent {
	d.mu.RLock()
	rs := d.rules
	d.mu.RUnlock()

	userLower := strings.ToLower(userText)
	assistantLower := strings.ToLower(assistantText)

	for _, rule := range rs.Rules {
		if !rule.matches(userLower, assistantLower) {
			continue
		}

		command := rule.Command
		if rule.ExtractName {
			command = strings.ReplaceAll(command, namePlaceholder, shellQuote(extractName(userText)))
		}

		platform := state.Platform(rule.Platform)
		if platform == "" {
			platform = state.PlatformLocal
			for _, hint := range rs.RemoteHints {
				if strings.Contains(userLower, hint) {
					platform = state.PlatformRemote
					break
				}
			}
		}

		return &CommandIntent{
			Command:     command,
			Description: rule.Description,
			Platform:    platform,
		}
	}
	return nil
}

func (r *Rule) matches(userLower, assistantLower string) bool {
	var haystack string
	switch r.Scope {
	case "assistant":
		haystack = assistantLower
	case "both":
		haystack = userLower + "\n" + assistantLower
	default:
		haystack = userLower
	}
	for _, kw := range r.Keywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// extractName pulls a folder name out of the user's text: a quoted string
// first, then the token following a marker word like "called" or "create".
func extractName(text string) string {
	if m := quotedNameRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	words := strings.Fields(text)
	for i, w := range words {
		if nameMarkers[strings.ToLower(strings.Trim(w, ".,!?"))] && i+1 < len(words) {
			candidate := strings.Trim(words[i+1], `.,!?"'`)
			// skip filler like "create a folder test"
			switch strings.ToLower(candidate) {
			case "a", "an", "the", "new", "folder", "directory", "called", "named":
				continue
			}
			if candidate != "" {
				return candidate
			}
		}
	}
	return "new_folder"
}

// shellQuote single-quotes a value for sh. The proposed command is shown to
// a human before it runs, but a folder name should never splice into the
// command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
