package rules

import (
	"fmt"
	"math"
)

// Reserved trailer keys that drive error semantics.
const (
	TrailerStatus  = "grpc-status"
	TrailerMessage = "grpc-message"
)

// RuleDoc is the parsed rule document for one method.
type RuleDoc struct {
	Match     *MatchGate
	Responses []*ResponseOption
	// Extra preserves unknown top-level keys from the file.
	Extra map[string]any
}

// MatchGate is the optional top-level gate. All conditions are AND-joined.
type MatchGate struct {
	Request  map[string]*Matcher
	Metadata map[string]*Matcher
}

// ResponseOption is one candidate response.
type ResponseOption struct {
	When              map[string]*Matcher
	Body              any
	StreamItems       []any
	HasStreamItems    bool
	StreamDelayMs     int
	DelayMs           int
	StreamLoop        bool
	StreamRandomOrder bool
	Trailers          map[string]any
	Priority          int

	// Index is the declaration position, used for tie-breaking.
	Index int
}

// StatusCode returns the numeric grpc-status trailer, or 0 when absent
// or malformed. grpc-status 0 is equivalent to absence: the success path.
func (r *ResponseOption) StatusCode() int {
	if r.Trailers == nil {
		return 0
	}
	v, ok := r.Trailers[TrailerStatus]
	if !ok {
		return 0
	}
	f, ok := toFloat(v)
	if !ok {
		return 0
	}
	return int(f)
}

// StatusMessage returns the grpc-message trailer, or "" when absent.
func (r *ResponseOption) StatusMessage() string {
	if r.Trailers == nil {
		return ""
	}
	if v, ok := r.Trailers[TrailerMessage]; ok {
		return scalarString(v)
	}
	return ""
}

// parseDoc builds a RuleDoc from a decoded YAML/JSON tree. Unknown keys
// inside response options are ignored; unknown top-level keys are kept.
func parseDoc(raw any) (*RuleDoc, error) {
	root, ok := asStringMap(raw)
	if !ok {
		return nil, fmt.Errorf("rule document must be a mapping, got %T", raw)
	}

	doc := &RuleDoc{}
	for k, v := range root {
		switch k {
		case "match":
			gate, err := parseGate(v)
			if err != nil {
				return nil, err
			}
			doc.Match = gate
		case "responses":
			list, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("responses must be a sequence, got %T", v)
			}
			for i, item := range list {
				opt, err := parseResponse(item, i)
				if err != nil {
					return nil, fmt.Errorf("responses[%d]: %w", i, err)
				}
				doc.Responses = append(doc.Responses, opt)
			}
		default:
			if doc.Extra == nil {
				doc.Extra = make(map[string]any)
			}
			doc.Extra[k] = v
		}
	}
	return doc, nil
}

func parseGate(raw any) (*MatchGate, error) {
	obj, ok := asStringMap(raw)
	if !ok {
		return nil, fmt.Errorf("match must be a mapping, got %T", raw)
	}
	gate := &MatchGate{}
	if req, ok := obj["request"]; ok {
		m, err := parseMatcherMap(req, "match.request")
		if err != nil {
			return nil, err
		}
		gate.Request = m
	}
	if md, ok := obj["metadata"]; ok {
		m, err := parseMatcherMap(md, "match.metadata")
		if err != nil {
			return nil, err
		}
		gate.Metadata = m
	}
	return gate, nil
}

func parseMatcherMap(raw any, where string) (map[string]*Matcher, error) {
	obj, ok := asStringMap(raw)
	if !ok {
		return nil, fmt.Errorf("%s must be a mapping, got %T", where, raw)
	}
	out := make(map[string]*Matcher, len(obj))
	for path, v := range obj {
		m, err := ParseMatcher(v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", where, path, err)
		}
		out[path] = m
	}
	return out, nil
}

func parseResponse(raw any, index int) (*ResponseOption, error) {
	obj, ok := asStringMap(raw)
	if !ok {
		return nil, fmt.Errorf("response option must be a mapping, got %T", raw)
	}

	opt := &ResponseOption{
		StreamDelayMs: 100,
		Index:         index,
	}
	for k, v := range obj {
		switch k {
		case "when":
			m, err := parseMatcherMap(v, "when")
			if err != nil {
				return nil, err
			}
			opt.When = m
		case "body":
			opt.Body = v
		case "stream_items":
			list, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("stream_items must be a sequence, got %T", v)
			}
			opt.StreamItems = list
			opt.HasStreamItems = true
		case "stream_delay_ms":
			opt.StreamDelayMs = intOr(v, 100)
		case "delay_ms":
			opt.DelayMs = intOr(v, 0)
		case "stream_loop":
			opt.StreamLoop, _ = v.(bool)
		case "stream_random_order":
			opt.StreamRandomOrder, _ = v.(bool)
		case "trailers":
			t, ok := asStringMap(v)
			if !ok {
				return nil, fmt.Errorf("trailers must be a mapping, got %T", v)
			}
			opt.Trailers = t
		case "priority":
			opt.Priority = intOr(v, 0)
		}
		// Unknown keys inside a response option are ignored.
	}
	return opt, nil
}

// intOr coerces a decoded number to int; missing or NaN-ish values fall
// back to def.
func intOr(v any, def int) int {
	f, ok := toFloat(v)
	if !ok {
		return def
	}
	return int(math.Trunc(f))
}
