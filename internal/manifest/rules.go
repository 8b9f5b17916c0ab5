package manifest

import (
	"regexp"

	"github.com/provide-io/kiln/internal/platform"
)

// Rule actions.
const (
	ActionAllow    = "allow"
	ActionDisallow = "disallow"
)

// Rule guards a library or argument on platform and feature conditions.
type Rule struct {
	Action   string          `json:"action"`
	OS       *OSRule         `json:"os,omitempty"`
	Features map[string]bool `json:"features,omitempty"`
}

// OSRule constrains the operating system. Version is a regular expression
// over the OS release string.
type OSRule struct {
	Name    string `json:"name,omitempty"`
	Arch    string `json:"arch,omitempty"`
	Version string `json:"version,omitempty"`
}

// Matches reports whether every condition of the rule holds.
func (r Rule) Matches(p platform.Platform, features map[string]bool) bool {
	if r.OS != nil {
		if r.OS.Name != "" && !osNameMatches(r.OS.Name, p.OS) {
			return false
		}
		if r.OS.Arch != "" && !p.MatchesArch(r.OS.Arch) {
			return false
		}
		if r.OS.Version != "" {
			re, err := regexp.Compile(r.OS.Version)
			if err != nil || p.Version == "" || !re.MatchString(p.Version) {
				return false
			}
		}
	}
	for name, want := range r.Features {
		if features[name] != want {
			return false
		}
	}
	return true
}

// Specificity counts the constrained fields; narrower rules score higher.
func (r Rule) Specificity() int {
	n := len(r.Features)
	if r.OS != nil {
		if r.OS.Name != "" {
			n++
		}
		if r.OS.Arch != "" {
			n++
		}
		if r.OS.Version != "" {
			n++
		}
	}
	return n
}

// Evaluate applies rules in order: no rules means allowed; otherwise the
// entry starts disallowed and the last matching rule decides. specificity
// is that of the deciding rule.
func Evaluate(rules []Rule, p platform.Platform, features map[string]bool) (allowed bool, specificity int) {
	if len(rules) == 0 {
		return true, 0
	}
	for _, rule := range rules {
		if !rule.Matches(p, features) {
			continue
		}
		allowed = rule.Action == ActionAllow
		specificity = rule.Specificity()
	}
	if !allowed {
		specificity = 0
	}
	return allowed, specificity
}

func osNameMatches(ruleName, host string) bool {
	switch ruleName {
	case "osx", "macos", "mac-os":
		return host == platform.OSMac
	}
	return ruleName == host
}
