package rules

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Input is the decoded request plus normalized metadata a selection runs
// against. RequestJSON is the protojson document of the request message
// (or the aggregated stream document for client-stream calls); Metadata
// keys are lower-cased.
type Input struct {
	RequestJSON []byte
	Metadata    map[string]string
}

// Resolve looks up a dotted condition path. "request.a.b.c" indexes the
// decoded request, "metadata.k" a header, and bare paths traverse
// {request, metadata}; a bare path whose first segment is neither falls
// through to the request document, which is how the aggregated stream
// fields (stream, items, first, last, count) are addressed.
func (in Input) Resolve(path string) Value {
	switch {
	case strings.HasPrefix(path, "request."):
		return in.requestValue(strings.TrimPrefix(path, "request."))
	case path == "request":
		return in.requestValue("@this")
	case strings.HasPrefix(path, "metadata."):
		return in.metadataValue(strings.TrimPrefix(path, "metadata."))
	default:
		return in.requestValue(path)
	}
}

func (in Input) requestValue(path string) Value {
	res := gjson.GetBytes(in.RequestJSON, path)
	if !res.Exists() {
		return Value{}
	}
	v := Value{Present: true, Null: res.Type == gjson.Null, Str: res.String()}
	if res.IsArray() {
		v.IsArray = true
		for _, e := range res.Array() {
			v.Elems = append(v.Elems, e.String())
		}
		v.Str = res.Raw
	} else if res.IsObject() {
		v.Str = res.Raw
	}
	return v
}

func (in Input) metadataValue(key string) Value {
	s, ok := in.Metadata[strings.ToLower(key)]
	if !ok {
		return Value{}
	}
	return Value{Present: true, Str: s}
}

// GatePasses evaluates the top-level match gate; a nil gate passes.
func GatePasses(gate *MatchGate, in Input) bool {
	if gate == nil {
		return true
	}
	for path, m := range gate.Request {
		if !m.Match(in.requestValue(path)) {
			return false
		}
	}
	for header, m := range gate.Metadata {
		if !m.Match(in.metadataValue(header)) {
			return false
		}
	}
	return true
}

// whenPasses evaluates a response option's when map (AND-joined).
func whenPasses(when map[string]*Matcher, in Input) bool {
	for path, m := range when {
		if !m.Match(in.Resolve(path)) {
			return false
		}
	}
	return true
}

// Select picks the response option for a rule document. Candidates are
// options whose when conditions all hold; when the top-level gate fails,
// or no conditioned option matches, only fallbacks (empty when) are
// candidates. The highest priority wins, ties going to the earliest
// declaration. Returns nil when no option is eligible.
//
// Selection is a pure function of (doc, in): running it twice yields the
// same option.
func Select(doc *RuleDoc, in Input) *ResponseOption {
	if doc == nil {
		return nil
	}

	var candidates []*ResponseOption
	if GatePasses(doc.Match, in) {
		for _, r := range doc.Responses {
			if len(r.When) > 0 && whenPasses(r.When, in) {
				candidates = append(candidates, r)
			}
		}
	}
	if len(candidates) == 0 {
		for _, r := range doc.Responses {
			if len(r.When) == 0 {
				candidates = append(candidates, r)
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Priority > best.Priority {
			best = c
		}
	}
	return best
}
