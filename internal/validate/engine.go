package validate

import (
	"encoding/json"
	"fmt"
	"net"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Violation is one failed constraint.
type Violation struct {
	Field       string `json:"field"`
	Rule        string `json:"rule"`
	Description string `json:"description"`
}

// Result is the outcome of validating one message. OK is true iff
// Violations is empty.
type Result struct {
	OK         bool        `json:"ok"`
	Violations []Violation `json:"violations,omitempty"`
}

// FailedKinds returns one constraint-kind label per violation, for the
// failures_by_type counter.
func (r Result) FailedKinds(ir *MessageIR) []string {
	if r.OK {
		return nil
	}
	byField := make(map[string]Kind, len(ir.Fields))
	for _, fc := range ir.Fields {
		byField[fc.Field] = fc.Kind
	}
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		if k, ok := byField[v.Field]; ok {
			out = append(out, string(k))
		} else {
			out = append(out, string(KindCEL))
		}
	}
	return out
}

// Engine evaluates a compiled IR against decoded messages. It is
// immutable after construction and safe for concurrent use.
type Engine struct {
	ir         IR
	patterns   map[string]*regexp.Regexp
	cel        *celEvaluator
	celMessage bool
}

// NewEngine compiles regex patterns up front and prepares the CEL
// evaluator. celMessage enables message-level CEL expressions.
func NewEngine(ir IR, celMessage bool) *Engine {
	e := &Engine{
		ir:         ir,
		patterns:   make(map[string]*regexp.Regexp),
		cel:        newCELEvaluator(),
		celMessage: celMessage,
	}
	for _, mir := range ir {
		for _, fc := range mir.Fields {
			e.compilePattern(fc.Ops)
			if items, ok := fc.Ops["items"].(map[string]any); ok {
				e.compilePattern(items)
			}
		}
	}
	return e
}

func (e *Engine) compilePattern(ops map[string]any) {
	pat, ok := ops["pattern"].(string)
	if !ok || pat == "" {
		return
	}
	if _, done := e.patterns[pat]; done {
		return
	}
	if re, err := regexp.Compile(pat); err == nil {
		e.patterns[pat] = re
	}
}

// Has reports whether constraints exist for a message type.
func (e *Engine) Has(messageFQN string) bool {
	_, ok := e.ir[messageFQN]
	return ok
}

// IR exposes the compiled constraint set for a message type.
func (e *Engine) IR(messageFQN string) (*MessageIR, bool) {
	mir, ok := e.ir[messageFQN]
	return mir, ok
}

// Validate runs every constraint for the message's type in declaration
// order, collecting all violations (no short-circuit), then the
// message-level CEL list. Messages without constraints validate OK.
// A non-nil error is an engine-internal failure (malformed descriptor),
// not a constraint failure.
func (e *Engine) Validate(msg protoreflect.Message) (Result, error) {
	mir, ok := e.ir[string(msg.Descriptor().FullName())]
	if !ok {
		return Result{OK: true}, nil
	}

	var violations []Violation
	md := msg.Descriptor()
	for _, fc := range mir.Fields {
		fd := md.Fields().ByName(protoreflect.Name(fc.Field))
		if fd == nil {
			return Result{}, fmt.Errorf("constraint references unknown field %s.%s", mir.Type, fc.Field)
		}
		if boolVal(fc.Ops["ignore_empty"]) && !msg.Has(fd) {
			continue
		}
		violations = append(violations, e.checkField(fc, fd, msg)...)
	}

	if e.celMessage {
		for _, rule := range mir.MessageCEL {
			if v, bad := e.checkCEL(rule, "", msg, nil); bad {
				violations = append(violations, v)
			}
		}
	}

	return Result{OK: len(violations) == 0, Violations: violations}, nil
}

func (e *Engine) checkField(fc *FieldConstraint, fd protoreflect.FieldDescriptor, msg protoreflect.Message) []Violation {
	var out []Violation
	v := msg.Get(fd)

	switch fc.Kind {
	case KindString:
		out = append(out, e.checkString(fc.Field, fc.Ops, v.String())...)
	case KindNumber:
		out = append(out, checkNumber(fc.Field, fc.Ops, numericValue(fd, v))...)
	case KindRepeated:
		out = append(out, e.checkRepeated(fc, fd, v)...)
	case KindEnum:
		out = append(out, checkEnum(fc.Field, fc.Ops, fd, v)...)
	case KindPresence:
		if !msg.Has(fd) {
			out = append(out, Violation{Field: fc.Field, Rule: "required", Description: "value is required"})
		}
	}

	if boolVal(fc.Ops["required"]) && fc.Kind != KindPresence && !msg.Has(fd) {
		out = append(out, Violation{Field: fc.Field, Rule: "required", Description: "value is required"})
	}

	for _, rule := range fc.CEL {
		if viol, bad := e.checkCEL(rule, fc.Field, msg, fd); bad {
			out = append(out, viol)
		}
	}
	return out
}

// stringOpOrder fixes a deterministic evaluation order for string ops.
var stringOpOrder = []string{
	"min_len", "max_len", "min_bytes", "max_bytes", "pattern",
	"prefix", "suffix", "contains", "not_contains", "in", "not_in",
	"email", "uuid", "hostname", "ipv4", "ipv6", "uri",
}

func (e *Engine) checkString(field string, ops map[string]any, s string) []Violation {
	var out []Violation
	fail := func(rule, desc string) {
		out = append(out, Violation{Field: field, Rule: rule, Description: desc})
	}

	for _, op := range stringOpOrder {
		raw, ok := ops[op]
		if !ok {
			continue
		}
		switch op {
		case "min_len":
			if n, ok := toInt(raw); ok && utf8.RuneCountInString(s) < n {
				fail(op, fmt.Sprintf("value length must be at least %d characters", n))
			}
		case "max_len":
			if n, ok := toInt(raw); ok && utf8.RuneCountInString(s) > n {
				fail(op, fmt.Sprintf("value length must be at most %d characters", n))
			}
		case "min_bytes":
			if n, ok := toInt(raw); ok && len(s) < n {
				fail(op, fmt.Sprintf("value must be at least %d bytes", n))
			}
		case "max_bytes":
			if n, ok := toInt(raw); ok && len(s) > n {
				fail(op, fmt.Sprintf("value must be at most %d bytes", n))
			}
		case "pattern":
			pat, _ := raw.(string)
			re := e.patterns[pat]
			if re == nil || !re.MatchString(s) {
				fail(op, fmt.Sprintf("value must match pattern %q", pat))
			}
		case "prefix":
			if p, _ := raw.(string); !strings.HasPrefix(s, p) {
				fail(op, fmt.Sprintf("value must have prefix %q", p))
			}
		case "suffix":
			if p, _ := raw.(string); !strings.HasSuffix(s, p) {
				fail(op, fmt.Sprintf("value must have suffix %q", p))
			}
		case "contains":
			if p, _ := raw.(string); !strings.Contains(s, p) {
				fail(op, fmt.Sprintf("value must contain %q", p))
			}
		case "not_contains":
			if p, _ := raw.(string); strings.Contains(s, p) {
				fail(op, fmt.Sprintf("value must not contain %q", p))
			}
		case "in":
			if !memberString(raw, s) {
				fail(op, "value must be in the allowed list")
			}
		case "not_in":
			if memberString(raw, s) {
				fail(op, "value must not be in the disallowed list")
			}
		case "email":
			if boolVal(raw) {
				if _, err := mail.ParseAddress(s); err != nil {
					fail(op, "value must be a valid email address")
				}
			}
		case "uuid":
			if boolVal(raw) {
				if _, err := uuid.Parse(s); err != nil {
					fail(op, "value must be a valid UUID")
				}
			}
		case "hostname":
			if boolVal(raw) && !isHostname(s) {
				fail(op, "value must be a valid hostname")
			}
		case "ipv4":
			if boolVal(raw) {
				if ip := net.ParseIP(s); ip == nil || ip.To4() == nil {
					fail(op, "value must be a valid IPv4 address")
				}
			}
		case "ipv6":
			if boolVal(raw) {
				if ip := net.ParseIP(s); ip == nil || ip.To4() != nil {
					fail(op, "value must be a valid IPv6 address")
				}
			}
		case "uri":
			if boolVal(raw) {
				if u, err := url.Parse(s); err != nil || u.Scheme == "" {
					fail(op, "value must be a valid URI")
				}
			}
		}
	}
	return out
}

var numberOpOrder = []string{"const", "gt", "gte", "lt", "lte", "in", "not_in"}

func checkNumber(field string, ops map[string]any, val float64) []Violation {
	var out []Violation
	fail := func(rule, desc string) {
		out = append(out, Violation{Field: field, Rule: rule, Description: desc})
	}
	for _, op := range numberOpOrder {
		raw, ok := ops[op]
		if !ok {
			continue
		}
		switch op {
		case "const":
			if n, ok := toFloat(raw); ok && val != n {
				fail(op, fmt.Sprintf("value must equal %v", n))
			}
		case "gt":
			if n, ok := toFloat(raw); ok && !(val > n) {
				fail(op, fmt.Sprintf("value must be greater than %v", n))
			}
		case "gte":
			if n, ok := toFloat(raw); ok && !(val >= n) {
				fail(op, fmt.Sprintf("value must be at least %v", n))
			}
		case "lt":
			if n, ok := toFloat(raw); ok && !(val < n) {
				fail(op, fmt.Sprintf("value must be less than %v", n))
			}
		case "lte":
			if n, ok := toFloat(raw); ok && !(val <= n) {
				fail(op, fmt.Sprintf("value must be at most %v", n))
			}
		case "in":
			if !memberNumber(raw, val) {
				fail(op, "value must be in the allowed list")
			}
		case "not_in":
			if memberNumber(raw, val) {
				fail(op, "value must not be in the disallowed list")
			}
		}
	}
	return out
}

func (e *Engine) checkRepeated(fc *FieldConstraint, fd protoreflect.FieldDescriptor, v protoreflect.Value) []Violation {
	var out []Violation
	list := v.List()
	fail := func(rule, desc string) {
		out = append(out, Violation{Field: fc.Field, Rule: rule, Description: desc})
	}

	if n, ok := toInt(fc.Ops["min_items"]); ok && list.Len() < n {
		fail("min_items", fmt.Sprintf("value must have at least %d items", n))
	}
	if n, ok := toInt(fc.Ops["max_items"]); ok && list.Len() > n {
		fail("max_items", fmt.Sprintf("value must have at most %d items", n))
	}
	if boolVal(fc.Ops["unique"]) {
		seen := make(map[string]bool, list.Len())
		for i := 0; i < list.Len(); i++ {
			s := list.Get(i).String()
			if seen[s] {
				fail("unique", "repeated items must be unique")
				break
			}
			seen[s] = true
		}
	}

	items, ok := fc.Ops["items"].(map[string]any)
	if !ok {
		return out
	}
	elemKind, _ := fc.Ops["items_kind"].(string)
	for i := 0; i < list.Len(); i++ {
		path := fmt.Sprintf("%s[%d]", fc.Field, i)
		ev := list.Get(i)
		switch Kind(elemKind) {
		case KindString:
			out = append(out, e.checkString(path, items, ev.String())...)
		case KindNumber:
			out = append(out, checkNumber(path, items, numericValue(fd, ev))...)
		case KindEnum:
			out = append(out, checkEnum(path, items, fd, ev)...)
		}
	}
	return out
}

func checkEnum(field string, ops map[string]any, fd protoreflect.FieldDescriptor, v protoreflect.Value) []Violation {
	var out []Violation
	num := int64(v.Enum())
	fail := func(rule, desc string) {
		out = append(out, Violation{Field: field, Rule: rule, Description: desc})
	}

	if boolVal(ops["defined_only"]) {
		if fd.Enum().Values().ByNumber(protoreflect.EnumNumber(num)) == nil {
			fail("defined_only", "value must be a defined enum value")
		}
	}
	if raw, ok := ops["in"]; ok && !memberNumber(raw, float64(num)) {
		fail("in", "value must be in the allowed list")
	}
	if raw, ok := ops["not_in"]; ok && memberNumber(raw, float64(num)) {
		fail("not_in", "value must not be in the disallowed list")
	}
	return out
}

// checkCEL evaluates one CEL rule; field is "" for message-level rules.
func (e *Engine) checkCEL(rule CELRule, field string, msg protoreflect.Message, fd protoreflect.FieldDescriptor) (Violation, bool) {
	env := messageEnv(msg)
	if fd != nil {
		env["this"] = env[string(fd.Name())]
	} else {
		env["this"] = copyEnv(env)
	}

	ok, err := e.cel.Eval(rule.Expression, env)
	if err == nil && ok {
		return Violation{}, false
	}

	desc := rule.Message
	if desc == "" {
		desc = fmt.Sprintf("expression %q failed", rule.Expression)
	}
	name := rule.ID
	if name == "" {
		name = "cel"
	}
	return Violation{Field: field, Rule: name, Description: desc}, true
}

// messageEnv renders the message as a plain map for CEL evaluation.
func messageEnv(msg protoreflect.Message) map[string]any {
	b, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(msg.Interface())
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func copyEnv(env map[string]any) map[string]any {
	out := make(map[string]any, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

func numericValue(fd protoreflect.FieldDescriptor, v protoreflect.Value) float64 {
	switch fd.Kind() {
	case protoreflect.FloatKind, protoreflect.DoubleKind:
		return v.Float()
	case protoreflect.Uint32Kind, protoreflect.Uint64Kind,
		protoreflect.Fixed32Kind, protoreflect.Fixed64Kind:
		return float64(v.Uint())
	default:
		return float64(v.Int())
	}
}

func memberString(raw any, s string) bool {
	list, ok := raw.([]any)
	if !ok {
		return false
	}
	for _, e := range list {
		if fmt.Sprintf("%v", e) == s {
			return true
		}
	}
	return false
}

func memberNumber(raw any, n float64) bool {
	list, ok := raw.([]any)
	if !ok {
		return false
	}
	for _, e := range list {
		if f, ok := toFloat(e); ok && f == n {
			return true
		}
	}
	return false
}

var hostnameRE = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

func isHostname(s string) bool {
	return len(s) <= 253 && hostnameRE.MatchString(s)
}

func toInt(v any) (int, bool) {
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}
