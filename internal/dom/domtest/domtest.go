// Package domtest runs in-page scripts against a small JavaScript DOM built
// from fixture HTML, so tests exercise the scripts themselves rather than
// canned replies.
package domtest

import (
	_ "embed"
	"strings"
	"testing"

	"github.com/dop251/goja"
	jsonv2 "github.com/go-json-experiment/json"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

//go:embed dom.js
var domJS string

// Page is one loaded document.
type Page struct {
	t  testing.TB
	vm *goja.Runtime
}

type node struct {
	Kind     string      `json:"kind"`
	Tag      string      `json:"tag,omitempty"`
	Text     string      `json:"text,omitempty"`
	Attrs    [][2]string `json:"attrs,omitempty"`
	Children []node      `json:"children,omitempty"`
}

func convert(n *html.Node) (node, bool) {
	switch n.Type {
	case html.TextNode:
		return node{Kind: "text", Text: n.Data}, true
	case html.ElementNode, html.DocumentNode:
		out := node{Kind: "element", Tag: n.Data}
		for _, a := range n.Attr {
			out.Attrs = append(out.Attrs, [2]string{a.Key, a.Val})
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if cn, ok := convert(c); ok {
				out.Children = append(out.Children, cn)
			}
		}
		return out, true
	}
	return node{}, false
}

// Load parses markup and builds it as the document at url.
func Load(t testing.TB, url, markup string) *Page {
	t.Helper()
	root, err := html.Parse(strings.NewReader(markup))
	require.NoError(t, err)
	tree, _ := convert(root)
	spec, err := jsonv2.Marshal(tree)
	require.NoError(t, err)

	vm := goja.New()
	_, err = vm.RunString(domJS)
	require.NoError(t, err)
	load, ok := goja.AssertFunction(vm.Get("__loadDocument"))
	require.True(t, ok)
	_, err = load(goja.Undefined(), vm.ToValue(string(spec)), vm.ToValue(url))
	require.NoError(t, err)
	return &Page{t: t, vm: vm}
}

// Eval runs src in the page and returns its completion value.
func (p *Page) Eval(src string) goja.Value {
	p.t.Helper()
	v, err := p.vm.RunString(src)
	require.NoError(p.t, err)
	return v
}

// Query returns the first element matching selector.
func (p *Page) Query(selector string) goja.Value {
	p.t.Helper()
	v := p.Eval("document.querySelector(" + p.quote(selector) + ")")
	require.False(p.t, goja.IsNull(v), "no element matches %s", selector)
	return v
}

// Call invokes the function expression fn with this bound to this. Arguments
// cross into the page as JSON.
func (p *Page) Call(fn string, this goja.Value, args ...any) (goja.Value, error) {
	p.t.Helper()
	compiled, err := p.vm.RunString("(" + fn + ")")
	require.NoError(p.t, err)
	call, ok := goja.AssertFunction(compiled)
	require.True(p.t, ok, "not a function")
	if this == nil {
		this = goja.Undefined()
	}
	vals := make([]goja.Value, len(args))
	for i, a := range args {
		vals[i] = p.toJS(a)
	}
	return call(this, vals...)
}

// Decode converts a script result into out through JSON.
func (p *Page) Decode(v goja.Value, out any) {
	p.t.Helper()
	stringify, ok := goja.AssertFunction(p.vm.Get("JSON").ToObject(p.vm).Get("stringify"))
	require.True(p.t, ok)
	s, err := stringify(goja.Undefined(), v)
	require.NoError(p.t, err)
	require.False(p.t, goja.IsUndefined(s), "value has no JSON form")
	require.NoError(p.t, jsonv2.Unmarshal([]byte(s.String()), out))
}

// Set binds v as a global in the page.
func (p *Page) Set(name string, v any) {
	p.t.Helper()
	require.NoError(p.t, p.vm.Set(name, v))
}

func (p *Page) toJS(v any) goja.Value {
	if gv, ok := v.(goja.Value); ok {
		return gv
	}
	data, err := jsonv2.Marshal(v)
	require.NoError(p.t, err)
	return p.Eval("(" + string(data) + ")")
}

func (p *Page) quote(s string) string {
	data, err := jsonv2.Marshal(s)
	require.NoError(p.t, err)
	return string(data)
}
