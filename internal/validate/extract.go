package validate

import (
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/wudi/grpcmock/internal/schema"
)

const (
	pgvRoot = "(validate.rules)"
	pvRoot  = "(buf.validate.field)"
	pvMsg   = "(buf.validate.message)"
)

// Extract walks every message type in the registry and compiles its
// constraint annotations. source is "auto", "pgv" or "protovalidate";
// auto prefers protovalidate when a field carries both families.
func Extract(reg *schema.Registry, source string) IR {
	ir := make(IR)
	for _, md := range reg.MessageDescriptors() {
		if mir := extractMessage(md, source); mir != nil {
			ir[mir.Type] = mir
		}
	}
	return ir
}

// ExtractCoverage reports constraint coverage over the registry.
func ExtractCoverage(reg *schema.Registry, ir IR) Coverage {
	return Coverage{
		TotalTypes:     len(reg.Messages()),
		ValidatedTypes: len(ir),
	}
}

func extractMessage(md protoreflect.MessageDescriptor, source string) *MessageIR {
	opts := schema.ExtractOptions(md)
	mir := &MessageIR{Type: string(md.FullName())}

	fields := md.Fields()
	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		blob, ok := opts.Fields[string(fd.Name())]
		if !ok {
			continue
		}
		rules, src := pickSource(blob, source)
		if rules == nil {
			continue
		}
		if fc := buildConstraint(fd, rules, src); fc != nil {
			mir.Fields = append(mir.Fields, fc)
		}
	}

	if opts.Message != nil {
		if tree, ok := opts.Message[pvMsg].(map[string]any); ok {
			mir.MessageCEL = celRules(tree["cel"])
		}
	}

	if len(mir.Fields) == 0 && len(mir.MessageCEL) == 0 {
		return nil
	}
	return mir
}

// pickSource selects which annotation family to compile for a field.
func pickSource(blob schema.FieldOptions, source string) (map[string]any, Source) {
	pv, _ := blob[pvRoot].(map[string]any)
	pgv, _ := blob[pgvRoot].(map[string]any)
	switch source {
	case "pgv":
		if pgv != nil {
			return pgv, SourcePGV
		}
	case "protovalidate":
		if pv != nil {
			return pv, SourceProtovalidate
		}
	default: // auto
		if pv != nil {
			return pv, SourceProtovalidate
		}
		if pgv != nil {
			return pgv, SourcePGV
		}
	}
	return nil, ""
}

// numericKeys are the scalar rule-set names carrying numeric ops, in both
// the canonical and the _val-suffixed spelling.
var numericKeys = []string{
	"float", "double",
	"int32", "int64", "uint32", "uint64",
	"sint32", "sint64", "fixed32", "fixed64", "sfixed32", "sfixed64",
}

func buildConstraint(fd protoreflect.FieldDescriptor, rules map[string]any, src Source) *FieldConstraint {
	fc := &FieldConstraint{
		Field:  string(fd.Name()),
		Source: src,
		Ops:    map[string]any{},
		CEL:    celRules(rules["cel"]),
	}

	required := boolVal(rules["required"])
	if m, ok := rules["message"].(map[string]any); ok {
		required = required || boolVal(m["required"])
	}
	ignoreEmpty := pvIgnoreEmpty(rules)

	switch {
	case fd.IsList():
		fc.Kind = KindRepeated
		rep := ruleSet(rules, "repeated")
		copyOps(fc.Ops, rep, "min_items", "max_items", "unique", "ignore_empty")
		if items, ok := rep["items"].(map[string]any); ok {
			elem := map[string]any{}
			elemKind := scalarOps(elemDescriptor(fd), items, elem)
			if len(elem) > 0 {
				fc.Ops["items"] = elem
				fc.Ops["items_kind"] = string(elemKind)
			}
		}
	case fd.Kind() == protoreflect.EnumKind:
		fc.Kind = KindEnum
		copyOps(fc.Ops, ruleSet(rules, "enum"), "defined_only", "in", "not_in", "ignore_empty")
	case fd.Kind() == protoreflect.StringKind:
		fc.Kind = KindString
		copyOps(fc.Ops, ruleSet(rules, "string"),
			"pattern", "min_len", "max_len", "min_bytes", "max_bytes",
			"prefix", "suffix", "contains", "not_contains", "in", "not_in",
			"email", "uuid", "hostname", "ipv4", "ipv6", "uri", "ignore_empty")
	case isNumeric(fd.Kind()):
		fc.Kind = KindNumber
		for _, key := range numericKeys {
			set := ruleSet(rules, key)
			if len(set) == 0 {
				continue
			}
			copyOps(fc.Ops, set, "const", "gt", "gte", "lt", "lte", "in", "not_in", "ignore_empty")
			break
		}
	}

	if ignoreEmpty {
		fc.Ops["ignore_empty"] = true
	}

	if len(fc.Ops) == 0 {
		switch {
		case required:
			fc.Kind = KindPresence
			fc.Ops["required"] = true
		case len(fc.CEL) > 0:
			fc.Kind = KindCEL
		default:
			return nil
		}
		return fc
	}
	if required {
		fc.Ops["required"] = true
	}
	return fc
}

// scalarOps extracts element rules for repeated items and returns the
// element kind.
func scalarOps(kind protoreflect.Kind, rules map[string]any, out map[string]any) Kind {
	switch {
	case kind == protoreflect.StringKind:
		copyOps(out, ruleSet(rules, "string"),
			"pattern", "min_len", "max_len", "min_bytes", "max_bytes",
			"prefix", "suffix", "contains", "not_contains", "in", "not_in",
			"email", "uuid", "hostname", "ipv4", "ipv6", "uri", "ignore_empty")
		return KindString
	case kind == protoreflect.EnumKind:
		copyOps(out, ruleSet(rules, "enum"), "defined_only", "in", "not_in")
		return KindEnum
	case isNumeric(kind):
		for _, key := range numericKeys {
			set := ruleSet(rules, key)
			if len(set) == 0 {
				continue
			}
			copyOps(out, set, "const", "gt", "gte", "lt", "lte", "in", "not_in")
			break
		}
		return KindNumber
	}
	return ""
}

func elemDescriptor(fd protoreflect.FieldDescriptor) protoreflect.Kind {
	return fd.Kind()
}

// ruleSet returns the named nested rule map, accepting the _val-suffixed
// spelling some schemas use.
func ruleSet(rules map[string]any, name string) map[string]any {
	if m, ok := rules[name].(map[string]any); ok {
		return m
	}
	if m, ok := rules[name+"_val"].(map[string]any); ok {
		return m
	}
	return nil
}

func copyOps(dst map[string]any, src map[string]any, keys ...string) {
	for _, k := range keys {
		if v, ok := src[k]; ok {
			dst[k] = v
		}
	}
}

func celRules(raw any) []CELRule {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []CELRule
	for _, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		r := CELRule{}
		if v, ok := m["id"].(string); ok {
			r.ID = v
		}
		if v, ok := m["expression"].(string); ok {
			r.Expression = v
		}
		if v, ok := m["message"].(string); ok {
			r.Message = v
		}
		if r.Expression != "" {
			out = append(out, r)
		}
	}
	return out
}

// pvIgnoreEmpty maps the protovalidate ignore enum onto ignore_empty.
func pvIgnoreEmpty(rules map[string]any) bool {
	switch rules["ignore"] {
	case "IGNORE_IF_UNPOPULATED", "IGNORE_IF_ZERO_VALUE", "IGNORE_IF_DEFAULT_VALUE":
		return true
	}
	return false
}

func isNumeric(k protoreflect.Kind) bool {
	switch k {
	case protoreflect.Int32Kind, protoreflect.Int64Kind,
		protoreflect.Uint32Kind, protoreflect.Uint64Kind,
		protoreflect.Sint32Kind, protoreflect.Sint64Kind,
		protoreflect.Fixed32Kind, protoreflect.Fixed64Kind,
		protoreflect.Sfixed32Kind, protoreflect.Sfixed64Kind,
		protoreflect.FloatKind, protoreflect.DoubleKind:
		return true
	}
	return false
}

func boolVal(v any) bool {
	b, _ := v.(bool)
	return b
}
