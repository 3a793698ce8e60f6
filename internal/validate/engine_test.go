package validate

import (
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// userDescriptor builds t.User{name, age, tags, email, level} without
// generated code.
func userDescriptor(t *testing.T) protoreflect.MessageDescriptor {
	t.Helper()

	str := descriptorpb.FieldDescriptorProto_TYPE_STRING
	i32 := descriptorpb.FieldDescriptorProto_TYPE_INT32
	enum := descriptorpb.FieldDescriptorProto_TYPE_ENUM
	opt := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
	rep := descriptorpb.FieldDescriptorProto_LABEL_REPEATED

	field := func(name string, num int32, typ descriptorpb.FieldDescriptorProto_Type, label descriptorpb.FieldDescriptorProto_Label) *descriptorpb.FieldDescriptorProto {
		return &descriptorpb.FieldDescriptorProto{
			Name:     proto.String(name),
			Number:   proto.Int32(num),
			Type:     typ.Enum(),
			Label:    label.Enum(),
			JsonName: proto.String(name),
		}
	}

	level := field("level", 5, enum, opt)
	level.TypeName = proto.String(".t.Level")

	fdp := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("user.proto"),
		Package: proto.String("t"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{{
			Name: proto.String("User"),
			Field: []*descriptorpb.FieldDescriptorProto{
				field("name", 1, str, opt),
				field("age", 2, i32, opt),
				field("tags", 3, str, rep),
				field("email", 4, str, opt),
				level,
			},
		}},
		EnumType: []*descriptorpb.EnumDescriptorProto{{
			Name: proto.String("Level"),
			Value: []*descriptorpb.EnumValueDescriptorProto{
				{Name: proto.String("LEVEL_UNSPECIFIED"), Number: proto.Int32(0)},
				{Name: proto.String("LEVEL_ONE"), Number: proto.Int32(1)},
			},
		}},
	}

	fd, err := protodesc.NewFile(fdp, nil)
	if err != nil {
		t.Fatal(err)
	}
	return fd.Messages().ByName("User")
}

func newUser(t *testing.T, md protoreflect.MessageDescriptor, set map[string]any) *dynamicpb.Message {
	t.Helper()
	msg := dynamicpb.NewMessage(md)
	for name, v := range set {
		fd := md.Fields().ByName(protoreflect.Name(name))
		if fd == nil {
			t.Fatalf("no field %s", name)
		}
		switch val := v.(type) {
		case string:
			msg.Set(fd, protoreflect.ValueOfString(val))
		case int:
			if fd.Kind() == protoreflect.EnumKind {
				msg.Set(fd, protoreflect.ValueOfEnum(protoreflect.EnumNumber(val)))
			} else {
				msg.Set(fd, protoreflect.ValueOfInt32(int32(val)))
			}
		case []string:
			list := msg.Mutable(fd).List()
			for _, e := range val {
				list.Append(protoreflect.ValueOfString(e))
			}
		}
	}
	return msg
}

func userIR(fields ...*FieldConstraint) IR {
	return IR{"t.User": &MessageIR{Type: "t.User", Fields: fields}}
}

func TestValidateStringOps(t *testing.T) {
	md := userDescriptor(t)
	e := NewEngine(userIR(&FieldConstraint{
		Field: "name", Kind: KindString, Source: SourcePGV,
		Ops: map[string]any{"min_len": int64(5), "pattern": "^[A-Z]"},
	}), false)

	res, err := e.Validate(newUser(t, md, map[string]any{"name": "hi"}))
	if err != nil {
		t.Fatal(err)
	}
	if res.OK {
		t.Fatal("short lowercase name should fail")
	}
	if len(res.Violations) != 2 {
		t.Fatalf("violations = %d, want min_len and pattern both", len(res.Violations))
	}
	if res.Violations[0].Field != "name" || res.Violations[0].Rule != "min_len" {
		t.Errorf("first violation = %+v", res.Violations[0])
	}

	res, err = e.Validate(newUser(t, md, map[string]any{"name": "Tommy"}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Errorf("valid name rejected: %+v", res.Violations)
	}
}

func TestValidateOKIffNoViolations(t *testing.T) {
	md := userDescriptor(t)
	e := NewEngine(userIR(&FieldConstraint{
		Field: "age", Kind: KindNumber, Source: SourcePGV,
		Ops: map[string]any{"gte": int64(18)},
	}), false)

	for _, age := range []int{1, 18, 99} {
		res, err := e.Validate(newUser(t, md, map[string]any{"age": age}))
		if err != nil {
			t.Fatal(err)
		}
		if res.OK != (len(res.Violations) == 0) {
			t.Errorf("age %d: OK=%v with %d violations", age, res.OK, len(res.Violations))
		}
	}
}

func TestValidateWellKnownStrings(t *testing.T) {
	md := userDescriptor(t)
	e := NewEngine(userIR(&FieldConstraint{
		Field: "email", Kind: KindString, Source: SourceProtovalidate,
		Ops: map[string]any{"email": true},
	}), false)

	res, _ := e.Validate(newUser(t, md, map[string]any{"email": "not-an-email"}))
	if res.OK {
		t.Error("invalid email should fail")
	}
	res, _ = e.Validate(newUser(t, md, map[string]any{"email": "a@example.com"}))
	if !res.OK {
		t.Errorf("valid email rejected: %+v", res.Violations)
	}
}

func TestValidateRepeated(t *testing.T) {
	md := userDescriptor(t)
	e := NewEngine(userIR(&FieldConstraint{
		Field: "tags", Kind: KindRepeated, Source: SourcePGV,
		Ops: map[string]any{
			"min_items":  int64(2),
			"unique":     true,
			"items":      map[string]any{"min_len": int64(2)},
			"items_kind": "string",
		},
	}), false)

	res, _ := e.Validate(newUser(t, md, map[string]any{"tags": []string{"go"}}))
	if res.OK || res.Violations[0].Rule != "min_items" {
		t.Errorf("min_items not enforced: %+v", res.Violations)
	}

	res, _ = e.Validate(newUser(t, md, map[string]any{"tags": []string{"go", "go"}}))
	if res.OK {
		t.Error("duplicate items should fail unique")
	}

	res, _ = e.Validate(newUser(t, md, map[string]any{"tags": []string{"go", "x"}}))
	found := false
	for _, v := range res.Violations {
		if v.Field == "tags[1]" && v.Rule == "min_len" {
			found = true
		}
	}
	if !found {
		t.Errorf("element rule should flag tags[1]: %+v", res.Violations)
	}

	res, _ = e.Validate(newUser(t, md, map[string]any{"tags": []string{"go", "rust"}}))
	if !res.OK {
		t.Errorf("valid list rejected: %+v", res.Violations)
	}
}

func TestValidateEnumDefinedOnly(t *testing.T) {
	md := userDescriptor(t)
	e := NewEngine(userIR(&FieldConstraint{
		Field: "level", Kind: KindEnum, Source: SourcePGV,
		Ops: map[string]any{"defined_only": true},
	}), false)

	res, _ := e.Validate(newUser(t, md, map[string]any{"level": 42}))
	if res.OK {
		t.Error("undefined enum number should fail defined_only")
	}
	res, _ = e.Validate(newUser(t, md, map[string]any{"level": 1}))
	if !res.OK {
		t.Errorf("defined enum value rejected: %+v", res.Violations)
	}
}

func TestValidatePresence(t *testing.T) {
	md := userDescriptor(t)
	e := NewEngine(userIR(&FieldConstraint{
		Field: "name", Kind: KindPresence, Source: SourceProtovalidate,
		Ops: map[string]any{"required": true},
	}), false)

	res, _ := e.Validate(newUser(t, md, nil))
	if res.OK || res.Violations[0].Rule != "required" {
		t.Errorf("unset required field should fail: %+v", res.Violations)
	}
	res, _ = e.Validate(newUser(t, md, map[string]any{"name": "x"}))
	if !res.OK {
		t.Errorf("set required field rejected: %+v", res.Violations)
	}
}

func TestValidateIgnoreEmpty(t *testing.T) {
	md := userDescriptor(t)
	e := NewEngine(userIR(&FieldConstraint{
		Field: "name", Kind: KindString, Source: SourcePGV,
		Ops: map[string]any{"min_len": int64(5), "ignore_empty": true},
	}), false)

	res, _ := e.Validate(newUser(t, md, nil))
	if !res.OK {
		t.Errorf("unset field with ignore_empty should pass: %+v", res.Violations)
	}
	res, _ = e.Validate(newUser(t, md, map[string]any{"name": "hi"}))
	if res.OK {
		t.Error("populated field still validates")
	}
}

func TestValidateCELField(t *testing.T) {
	md := userDescriptor(t)
	e := NewEngine(userIR(&FieldConstraint{
		Field: "age", Kind: KindCEL, Source: SourceProtovalidate,
		CEL: []CELRule{{ID: "age_adult", Expression: "this >= 18", Message: "must be an adult"}},
	}), false)

	res, _ := e.Validate(newUser(t, md, map[string]any{"age": 7}))
	if res.OK {
		t.Fatal("age 7 should fail the expression")
	}
	v := res.Violations[0]
	if v.Rule != "age_adult" || v.Description != "must be an adult" {
		t.Errorf("violation = %+v", v)
	}

	res, _ = e.Validate(newUser(t, md, map[string]any{"age": 30}))
	if !res.OK {
		t.Errorf("age 30 rejected: %+v", res.Violations)
	}
}

func TestValidateMessageCEL(t *testing.T) {
	md := userDescriptor(t)
	ir := IR{"t.User": &MessageIR{
		Type:       "t.User",
		MessageCEL: []CELRule{{Expression: `age < 100 && name != ""`}},
	}}

	on := NewEngine(ir, true)
	res, _ := on.Validate(newUser(t, md, map[string]any{"age": 120, "name": "x"}))
	if res.OK {
		t.Error("message CEL should fail when enabled")
	}

	off := NewEngine(ir, false)
	res, _ = off.Validate(newUser(t, md, map[string]any{"age": 120, "name": "x"}))
	if !res.OK {
		t.Error("disabled message CEL must not run")
	}
}

func TestValidateBrokenExpressionIsViolation(t *testing.T) {
	md := userDescriptor(t)
	e := NewEngine(userIR(&FieldConstraint{
		Field: "age", Kind: KindCEL, Source: SourceProtovalidate,
		CEL: []CELRule{{Expression: "this +"}},
	}), false)

	res, err := e.Validate(newUser(t, md, map[string]any{"age": 7}))
	if err != nil {
		t.Fatalf("broken expression must not be an engine error: %v", err)
	}
	if res.OK {
		t.Error("unparseable expression counts as a violation")
	}
}

func TestValidateUnknownTypePasses(t *testing.T) {
	md := userDescriptor(t)
	e := NewEngine(IR{}, false)
	res, err := e.Validate(dynamicpb.NewMessage(md))
	if err != nil || !res.OK {
		t.Errorf("types without constraints validate OK, got %+v err %v", res, err)
	}
}
