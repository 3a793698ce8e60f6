package schema

import (
	"fmt"

	"google.golang.org/protobuf/reflect/protoreflect"
)

// FieldOptions is the opaque option blob attached to one field: option
// path → decoded value. Paths use the parenthesized extension form, e.g.
// "(validate.rules).string.min_len" or "(buf.validate.field).cel".
// Values are scalars, []any for repeated options, or map[string]any for
// message-valued options, so consumers can use the flat or nested form.
type FieldOptions map[string]any

// MessageOptions holds option blobs for every annotated field of a
// message, keyed by field name, plus message-level option blobs.
type MessageOptions struct {
	Fields  map[string]FieldOptions
	Message FieldOptions
}

// ExtractOptions walks a message descriptor and decodes all extension
// options into path-keyed blobs. Unannotated fields are absent from the
// result.
func ExtractOptions(md protoreflect.MessageDescriptor) *MessageOptions {
	out := &MessageOptions{Fields: make(map[string]FieldOptions)}

	if opts, ok := md.Options().(protoreflect.ProtoMessage); ok {
		blob := extensionPaths(opts.ProtoReflect())
		if len(blob) > 0 {
			out.Message = blob
		}
	}

	fields := md.Fields()
	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		opts, ok := fd.Options().(protoreflect.ProtoMessage)
		if !ok {
			continue
		}
		blob := extensionPaths(opts.ProtoReflect())
		if len(blob) > 0 {
			out.Fields[string(fd.Name())] = blob
		}
	}
	return out
}

// extensionPaths flattens extension fields of an options message into
// "(ext.name).sub.path" → value entries. The nested form is kept too:
// the extension root maps to the full decoded tree.
func extensionPaths(m protoreflect.Message) FieldOptions {
	out := FieldOptions{}
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		if !fd.IsExtension() {
			return true
		}
		root := fmt.Sprintf("(%s)", fd.FullName())
		decoded := decodeValue(fd, v)
		out[root] = decoded
		if nested, ok := decoded.(map[string]any); ok {
			flattenInto(out, root, nested)
		}
		return true
	})
	if len(out) == 0 {
		return nil
	}
	return out
}

func flattenInto(out FieldOptions, prefix string, tree map[string]any) {
	for k, v := range tree {
		path := prefix + "." + k
		out[path] = v
		if nested, ok := v.(map[string]any); ok {
			flattenInto(out, path, nested)
		}
	}
}

// decodeValue converts a protoreflect option value into plain Go data.
func decodeValue(fd protoreflect.FieldDescriptor, v protoreflect.Value) any {
	switch {
	case fd.IsList():
		list := v.List()
		out := make([]any, 0, list.Len())
		for i := 0; i < list.Len(); i++ {
			out = append(out, decodeSingular(fd, list.Get(i)))
		}
		return out
	case fd.IsMap():
		out := make(map[string]any)
		v.Map().Range(func(mk protoreflect.MapKey, mv protoreflect.Value) bool {
			out[mk.String()] = decodeSingular(fd.MapValue(), mv)
			return true
		})
		return out
	default:
		return decodeSingular(fd, v)
	}
}

func decodeSingular(fd protoreflect.FieldDescriptor, v protoreflect.Value) any {
	switch fd.Kind() {
	case protoreflect.MessageKind, protoreflect.GroupKind:
		return decodeMessage(v.Message())
	case protoreflect.EnumKind:
		ev := fd.Enum().Values().ByNumber(v.Enum())
		if ev != nil {
			return string(ev.Name())
		}
		return int64(v.Enum())
	case protoreflect.BytesKind:
		return string(v.Bytes())
	case protoreflect.BoolKind:
		return v.Bool()
	case protoreflect.Int32Kind, protoreflect.Int64Kind,
		protoreflect.Sint32Kind, protoreflect.Sint64Kind,
		protoreflect.Sfixed32Kind, protoreflect.Sfixed64Kind:
		return v.Int()
	case protoreflect.Uint32Kind, protoreflect.Uint64Kind,
		protoreflect.Fixed32Kind, protoreflect.Fixed64Kind:
		return int64(v.Uint())
	case protoreflect.FloatKind, protoreflect.DoubleKind:
		return v.Float()
	default:
		return v.String()
	}
}

func decodeMessage(m protoreflect.Message) map[string]any {
	out := make(map[string]any)
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		name := string(fd.Name())
		if fd.IsExtension() {
			name = fmt.Sprintf("(%s)", fd.FullName())
		}
		out[name] = decodeValue(fd, v)
		return true
	})
	return out
}
