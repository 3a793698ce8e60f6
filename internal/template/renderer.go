// Package template substitutes {{…}} expressions in response bodies from
// request, metadata and stream context. The renderer is total: any
// evaluation error preserves the original source text.
package template

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// StreamInfo carries per-item stream position for stream_items rendering.
type StreamInfo struct {
	Index   int
	Total   int
	IsFirst bool
	IsLast  bool
}

// Context is the data a render runs against. RequestJSON is the protojson
// document of the request (or aggregated stream document); Metadata keys
// are lower-cased.
type Context struct {
	RequestJSON []byte
	Metadata    map[string]string
	Stream      *StreamInfo
}

var errUnresolved = errors.New("unresolved expression")

// Render walks a JSON tree, scanning string leaves for {{expr}} markers.
// Arrays and objects recurse; other leaves pass through untouched. A tree
// without markers is returned structurally identical.
func Render(tree any, ctx *Context) any {
	switch t := tree.(type) {
	case string:
		return renderString(t, ctx)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Render(e, ctx)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[k] = Render(v, ctx)
		}
		return out
	default:
		return tree
	}
}

// renderString substitutes every {{…}} occurrence in s. Failed
// expressions keep their source text.
func renderString(s string, ctx *Context) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	var sb strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			sb.WriteString(rest)
			break
		}
		end := strings.Index(rest[start+2:], "}}")
		if end == -1 {
			sb.WriteString(rest)
			break
		}
		sb.WriteString(rest[:start])
		raw := rest[start : start+2+end+2]
		expr := strings.TrimSpace(rest[start+2 : start+2+end])

		val, err := eval(expr, ctx)
		if err != nil {
			sb.WriteString(raw)
		} else {
			sb.WriteString(val)
		}
		rest = rest[start+2+end+2:]
	}
	return sb.String()
}

// eval evaluates a single expression: a function call or an identifier
// path.
func eval(expr string, ctx *Context) (string, error) {
	if expr == "" {
		return "", errUnresolved
	}
	if name, args, ok := splitCall(expr); ok {
		return call(name, args, ctx)
	}
	return lookup(expr, ctx)
}

// lookup resolves a dotted identifier path against the context.
func lookup(path string, ctx *Context) (string, error) {
	switch {
	case strings.HasPrefix(path, "request."):
		res := gjson.GetBytes(ctx.RequestJSON, strings.TrimPrefix(path, "request."))
		if !res.Exists() {
			return "", errUnresolved
		}
		if res.IsObject() || res.IsArray() {
			return res.Raw, nil
		}
		return res.String(), nil
	case strings.HasPrefix(path, "metadata."):
		key := strings.ToLower(strings.TrimPrefix(path, "metadata."))
		if v, ok := ctx.Metadata[key]; ok {
			return v, nil
		}
		return "", errUnresolved
	case strings.HasPrefix(path, "stream."):
		return streamField(strings.TrimPrefix(path, "stream."), ctx.Stream)
	default:
		// Bare paths evaluate against the context root; unknown first
		// segments fall through to the request document.
		res := gjson.GetBytes(ctx.RequestJSON, path)
		if !res.Exists() {
			return "", errUnresolved
		}
		if res.IsObject() || res.IsArray() {
			return res.Raw, nil
		}
		return res.String(), nil
	}
}
