package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// MatcherKind discriminates the matcher tagged union.
type MatcherKind int

const (
	KindLiteral MatcherKind = iota
	KindRegex
	KindContains
	KindIn
	KindExists
	KindNumeric
	KindEq
	KindNe
	KindNot
	KindUnknown
)

// Matcher is one parsed condition value. Rule files carry either a
// literal or an operator object; both are parsed once at load so calls
// never re-interpret the raw document.
type Matcher struct {
	Kind MatcherKind

	Literal string // literal / eq / ne / unknown-object string form
	Regex   *regexp.Regexp
	In      []string
	Exists  bool
	NumOp   string // gt | gte | lt | lte
	Num     float64
	NumOK   bool
	Not     *Matcher
}

// Value is a resolved request field or metadata header, normalized for
// matcher evaluation.
type Value struct {
	Present bool
	Null    bool
	Str     string
	Elems   []string // array elements, for contains/membership
	IsArray bool
}

// ParseMatcher converts a raw rule-file value into a Matcher. Operator
// objects with an unrecognized shape fall back to string equality against
// their JSON form.
func ParseMatcher(raw any) (*Matcher, error) {
	obj, ok := asStringMap(raw)
	if !ok {
		return &Matcher{Kind: KindLiteral, Literal: scalarString(raw)}, nil
	}

	if pat, ok := obj["regex"]; ok {
		expr := scalarString(pat)
		if flags, ok := obj["flags"]; ok {
			expr = applyFlags(expr, scalarString(flags))
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", expr, err)
		}
		return &Matcher{Kind: KindRegex, Regex: re}, nil
	}
	if v, ok := obj["contains"]; ok {
		return &Matcher{Kind: KindContains, Literal: scalarString(v)}, nil
	}
	if v, ok := obj["in"]; ok {
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("in operator wants an array, got %T", v)
		}
		m := &Matcher{Kind: KindIn}
		for _, e := range list {
			m.In = append(m.In, scalarString(e))
		}
		return m, nil
	}
	if v, ok := obj["exists"]; ok {
		b, _ := v.(bool)
		return &Matcher{Kind: KindExists, Exists: b}, nil
	}
	for _, op := range []string{"gt", "gte", "lt", "lte"} {
		if v, ok := obj[op]; ok {
			n, numOK := toFloat(v)
			return &Matcher{Kind: KindNumeric, NumOp: op, Num: n, NumOK: numOK}, nil
		}
	}
	if v, ok := obj["eq"]; ok {
		return &Matcher{Kind: KindEq, Literal: scalarString(v)}, nil
	}
	if v, ok := obj["ne"]; ok {
		return &Matcher{Kind: KindNe, Literal: scalarString(v)}, nil
	}
	if v, ok := obj["not"]; ok {
		inner, err := ParseMatcher(v)
		if err != nil {
			return nil, err
		}
		return &Matcher{Kind: KindNot, Not: inner}, nil
	}

	return &Matcher{Kind: KindUnknown, Literal: jsonString(obj)}, nil
}

// Match evaluates the matcher against a resolved value.
func (m *Matcher) Match(v Value) bool {
	switch m.Kind {
	case KindLiteral, KindUnknown:
		return v.Present && !v.Null && v.Str == m.Literal
	case KindRegex:
		return v.Present && m.Regex.MatchString(v.Str)
	case KindContains:
		if !v.Present {
			return false
		}
		if v.IsArray {
			for _, e := range v.Elems {
				if e == m.Literal {
					return true
				}
			}
			return false
		}
		return strings.Contains(v.Str, m.Literal)
	case KindIn:
		if !v.Present {
			return false
		}
		for _, e := range m.In {
			if v.Str == e {
				return true
			}
		}
		return false
	case KindExists:
		return (v.Present && !v.Null) == m.Exists
	case KindNumeric:
		if !m.NumOK || !v.Present {
			return false
		}
		lhs, ok := toFloat(v.Str)
		if !ok {
			return false
		}
		switch m.NumOp {
		case "gt":
			return lhs > m.Num
		case "gte":
			return lhs >= m.Num
		case "lt":
			return lhs < m.Num
		case "lte":
			return lhs <= m.Num
		}
		return false
	case KindEq:
		return v.Present && v.Str == m.Literal
	case KindNe:
		return !(v.Present && v.Str == m.Literal)
	case KindNot:
		return !m.Not.Match(v)
	}
	return false
}

func applyFlags(expr, flags string) string {
	var mods string
	for _, f := range flags {
		switch f {
		case 'i', 's', 'm':
			mods += string(f)
		}
	}
	if mods == "" {
		return expr
	}
	return "(?" + mods + ")" + expr
}

// scalarString renders a rule-file value the way the decoded request side
// is rendered: JSON-ish, with integral floats printed without a decimal.
func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return jsonString(v)
	}
}

// jsonString produces a deterministic JSON form for objects, used by the
// unknown-shape fallback.
func jsonString(v any) string {
	if m, ok := asStringMap(v); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			sb.WriteString(jsonString(m[k]))
		}
		sb.WriteByte('}')
		return sb.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint64:
		f = float64(t)
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// asStringMap normalizes YAML/JSON decoded maps.
func asStringMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = val
		}
		return out, true
	}
	return nil, false
}
