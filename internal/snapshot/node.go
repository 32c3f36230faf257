package snapshot

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Node is one entry of the accessibility tree. Text nodes carry Role "text"
// and only Text.
type Node struct {
	Role     string  `json:"role"`
	Name     string  `json:"name,omitempty"`
	Text     string  `json:"text,omitempty"`
	Ref      string  `json:"ref,omitempty"`
	Value    string  `json:"value,omitempty"`
	Level    int     `json:"level,omitempty"`
	Checked  string  `json:"checked,omitempty"`
	Pressed  string  `json:"pressed,omitempty"`
	Disabled bool    `json:"disabled,omitempty"`
	Expanded *bool   `json:"expanded,omitempty"`
	Selected bool    `json:"selected,omitempty"`
	Required bool    `json:"required,omitempty"`
	Invalid  bool    `json:"invalid,omitempty"`
	Children []*Node `json:"children,omitempty"`
}

// Landmark is a landmark region outside the snapshot root.
type Landmark struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
}

var interactiveRoles = map[string]bool{
	"button":           true,
	"link":             true,
	"textbox":          true,
	"searchbox":        true,
	"checkbox":         true,
	"radio":            true,
	"combobox":         true,
	"listbox":          true,
	"option":           true,
	"menuitem":         true,
	"menuitemcheckbox": true,
	"menuitemradio":    true,
	"tab":              true,
	"slider":           true,
	"spinbutton":       true,
	"switch":           true,
	"treeitem":         true,
}

// IsInteractiveRole reports whether elements with role receive refs.
func IsInteractiveRole(role string) bool {
	return interactiveRoles[role]
}

// states renders the bracketed state annotations of n in a fixed order.
func (n *Node) states() []string {
	var out []string
	switch n.Checked {
	case "true":
		out = append(out, "checked")
	case "mixed":
		out = append(out, "checked=mixed")
	}
	if n.Disabled {
		out = append(out, "disabled")
	}
	if n.Expanded != nil {
		if *n.Expanded {
			out = append(out, "expanded")
		} else {
			out = append(out, "expanded=false")
		}
	}
	if n.Level > 0 {
		out = append(out, "level="+strconv.Itoa(n.Level))
	}
	switch n.Pressed {
	case "true":
		out = append(out, "pressed")
	case "mixed":
		out = append(out, "pressed=mixed")
	}
	if n.Selected {
		out = append(out, "selected")
	}
	if n.Required {
		out = append(out, "required")
	}
	if n.Invalid {
		out = append(out, "invalid")
	}
	return out
}

// Render writes nodes in the indented list form:
//
//	- role "name" [state] [ref=ID]
//
// Children are indented two spaces. A node whose only child is text, or that
// carries a value, is collapsed onto one line as `...: "text"`.
func Render(nodes []*Node) string {
	var b strings.Builder
	for _, n := range nodes {
		renderNode(&b, n, 0)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func renderNode(b *strings.Builder, n *Node, depth int) {
	indent := strings.Repeat("  ", depth)
	if n.Role == "text" {
		fmt.Fprintf(b, "%s- text: %s\n", indent, strconv.Quote(n.Text))
		return
	}
	b.WriteString(indent)
	b.WriteString("- ")
	b.WriteString(n.Role)
	if n.Name != "" {
		b.WriteByte(' ')
		b.WriteString(strconv.Quote(n.Name))
	}
	for _, s := range n.states() {
		b.WriteString(" [")
		b.WriteString(s)
		b.WriteByte(']')
	}
	if n.Ref != "" {
		b.WriteString(" [ref=")
		b.WriteString(n.Ref)
		b.WriteByte(']')
	}

	children := n.Children
	switch {
	case n.Value != "" && len(children) == 0:
		fmt.Fprintf(b, ": %s\n", strconv.Quote(n.Value))
		return
	case len(children) == 1 && children[0].Role == "text" && n.Value == "":
		fmt.Fprintf(b, ": %s\n", strconv.Quote(children[0].Text))
		return
	}
	b.WriteByte('\n')
	for _, c := range children {
		renderNode(b, c, depth+1)
	}
}

// Walk calls fn for every node in pre-order with the chain of ancestors.
func Walk(nodes []*Node, fn func(n *Node, ancestors []*Node)) {
	var visit func(n *Node, anc []*Node)
	visit = func(n *Node, anc []*Node) {
		fn(n, anc)
		next := append(anc[:len(anc):len(anc)], n)
		for _, c := range n.Children {
			visit(c, next)
		}
	}
	for _, n := range nodes {
		visit(n, nil)
	}
}

// Heading is an entry of a page outline.
type Heading struct {
	Level int    `json:"level"`
	Name  string `json:"name"`
}

// Summary is a compact projection of a tree.
type Summary struct {
	Title       string         `json:"title,omitempty"`
	URL         string         `json:"url,omitempty"`
	Landmarks   []Landmark     `json:"landmarks,omitempty"`
	Headings    []Heading      `json:"headings,omitempty"`
	Interactive int            `json:"interactive"`
	Roles       map[string]int `json:"roles,omitempty"`
}

// Summarize builds a Summary of nodes. other lists landmarks outside the
// snapshot root.
func Summarize(nodes []*Node, other []Landmark) Summary {
	s := Summary{Roles: map[string]int{}}
	Walk(nodes, func(n *Node, _ []*Node) {
		switch {
		case n.Role == "heading":
			s.Headings = append(s.Headings, Heading{Level: n.Level, Name: n.Name})
		case isLandmark(n.Role):
			s.Landmarks = append(s.Landmarks, Landmark{Role: n.Role, Name: n.Name})
		}
		if n.Ref != "" {
			s.Interactive++
			s.Roles[n.Role]++
		}
	})
	s.Landmarks = append(s.Landmarks, other...)
	return s
}

// String renders s as short text.
func (s Summary) String() string {
	var b strings.Builder
	if s.Title != "" {
		fmt.Fprintf(&b, "title: %s\n", strconv.Quote(s.Title))
	}
	if s.URL != "" {
		fmt.Fprintf(&b, "url: %s\n", s.URL)
	}
	if len(s.Landmarks) > 0 {
		b.WriteString("landmarks:\n")
		for _, l := range s.Landmarks {
			if l.Name != "" {
				fmt.Fprintf(&b, "  - %s %s\n", l.Role, strconv.Quote(l.Name))
			} else {
				fmt.Fprintf(&b, "  - %s\n", l.Role)
			}
		}
	}
	if len(s.Headings) > 0 {
		b.WriteString("headings:\n")
		for _, h := range s.Headings {
			fmt.Fprintf(&b, "  - h%d %s\n", h.Level, strconv.Quote(h.Name))
		}
	}
	fmt.Fprintf(&b, "interactive: %d", s.Interactive)
	return b.String()
}

func isLandmark(role string) bool {
	switch role {
	case "main", "navigation", "banner", "contentinfo", "complementary", "search", "form", "region":
		return true
	}
	return false
}

// Element is one interactive element with the path of named ancestors that
// locates it on the page.
type Element struct {
	Ref      string `json:"ref"`
	Role     string `json:"role"`
	Name     string `json:"name,omitempty"`
	Value    string `json:"value,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
	Path     string `json:"path,omitempty"`
}

// Interactive lists every node with a ref.
func Interactive(nodes []*Node) []Element {
	var out []Element
	Walk(nodes, func(n *Node, anc []*Node) {
		if n.Ref == "" {
			return
		}
		var path []string
		for _, a := range anc {
			if a.Name == "" && !isLandmark(a.Role) && a.Role != "dialog" {
				continue
			}
			if a.Name != "" {
				path = append(path, a.Role+" "+strconv.Quote(a.Name))
			} else {
				path = append(path, a.Role)
			}
		}
		out = append(out, Element{
			Ref:      n.Ref,
			Role:     n.Role,
			Name:     n.Name,
			Value:    n.Value,
			Disabled: n.Disabled,
			Path:     strings.Join(path, " > "),
		})
	})
	return out
}

// RenderInteractive writes elements one per line.
func RenderInteractive(els []Element) string {
	var b strings.Builder
	for _, e := range els {
		fmt.Fprintf(&b, "[%s] %s", e.Ref, e.Role)
		if e.Name != "" {
			fmt.Fprintf(&b, " %s", strconv.Quote(e.Name))
		}
		if e.Disabled {
			b.WriteString(" [disabled]")
		}
		if e.Path != "" {
			fmt.Fprintf(&b, " (in %s)", e.Path)
		}
		b.WriteByte('\n')
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func truncate(s string, maxChars int) (string, bool) {
	if maxChars <= 0 || len(s) <= maxChars {
		return s, false
	}
	n := maxChars
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	cut := s[:n]
	if i := strings.LastIndexByte(cut, '\n'); i > 0 {
		cut = cut[:i]
	}
	return cut + "\n... (truncated)", true
}
