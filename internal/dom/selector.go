// Package dom resolves selectors to live remote nodes and checks whether
// those nodes are ready to be acted on.
package dom

import (
	"fmt"
	"strings"
)

// SelectorKind is the engine a selector is evaluated with.
type SelectorKind string

const (
	KindCSS   SelectorKind = "css"
	KindXPath SelectorKind = "xpath"
	KindText  SelectorKind = "text"
	KindRole  SelectorKind = "role"
	KindRef   SelectorKind = "ref"
)

// Selector is a parsed element selector.
type Selector struct {
	Kind  SelectorKind `json:"kind"`
	Value string       `json:"value"`
	// Name filters role selectors by accessible name.
	Name string `json:"name,omitempty"`
	// Exact requests whole-string matching for text and role names.
	Exact bool   `json:"exact,omitempty"`
	Raw   string `json:"raw"`
}

func (s Selector) String() string {
	if s.Raw != "" {
		return s.Raw
	}
	return string(s.Kind) + "=" + s.Value
}

// ParseSelector parses the selector grammar:
//
//	#id .cls div > a       CSS (default), also css=...
//	xpath=//a | //a        XPath
//	text=Save | text="Save" text match, quoted means exact
//	role=button[name="Save"]
//	ref=s1e4               snapshot ref
func ParseSelector(raw string) (Selector, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Selector{}, fmt.Errorf("empty selector")
	}
	sel := Selector{Raw: s}

	if strings.HasPrefix(s, "//") || strings.HasPrefix(s, "(//") {
		sel.Kind, sel.Value = KindXPath, s
		return sel, nil
	}
	prefix, value, ok := strings.Cut(s, "=")
	if !ok || strings.ContainsAny(prefix, " #.[>:~+*") {
		sel.Kind, sel.Value = KindCSS, s
		return sel, nil
	}

	value = strings.TrimSpace(value)
	switch strings.ToLower(prefix) {
	case "css":
		sel.Kind, sel.Value = KindCSS, value
	case "xpath":
		sel.Kind, sel.Value = KindXPath, value
	case "text":
		sel.Kind = KindText
		sel.Value, sel.Exact = unquote(value)
	case "ref":
		sel.Kind, sel.Value = KindRef, value
	case "role":
		sel.Kind = KindRole
		role, rest, hasFilter := strings.Cut(value, "[")
		sel.Value = strings.ToLower(strings.TrimSpace(role))
		if hasFilter {
			name, err := parseNameFilter(rest)
			if err != nil {
				return Selector{}, fmt.Errorf("selector %q: %w", raw, err)
			}
			sel.Name, sel.Exact = unquote(name)
		}
	default:
		sel.Kind, sel.Value = KindCSS, s
		return sel, nil
	}
	if sel.Value == "" {
		return Selector{}, fmt.Errorf("selector %q: missing value after %s=", raw, prefix)
	}
	return sel, nil
}

// MustParseSelector is ParseSelector for constant selectors.
func MustParseSelector(raw string) Selector {
	sel, err := ParseSelector(raw)
	if err != nil {
		panic(err)
	}
	return sel
}

func parseNameFilter(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasSuffix(s, "]") {
		return "", fmt.Errorf("unterminated role filter")
	}
	s = strings.TrimSuffix(s, "]")
	key, val, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(key) != "name" {
		return "", fmt.Errorf("role filter must be [name=...]")
	}
	return strings.TrimSpace(val), nil
}

// unquote strips matching quotes and reports whether they were present.
func unquote(s string) (string, bool) {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1], true
		}
	}
	return s, false
}
