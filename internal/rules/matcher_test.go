package rules

import "testing"

func present(s string) Value { return Value{Present: true, Str: s} }

func TestLiteralMatch(t *testing.T) {
	tests := []struct {
		raw  any
		val  Value
		want bool
	}{
		{"Tom", present("Tom"), true},
		{"Tom", present("tom"), false},
		{"Tom", Value{}, false},
		{42, present("42"), true},
		{42.0, present("42"), true},
		{true, present("true"), true},
		{nil, Value{Present: true, Null: true, Str: "null"}, false}, // explicit null never literal-matches
	}
	for _, tt := range tests {
		m, err := ParseMatcher(tt.raw)
		if err != nil {
			t.Fatalf("ParseMatcher(%v): %v", tt.raw, err)
		}
		if got := m.Match(tt.val); got != tt.want {
			t.Errorf("Match(%v, %+v) = %v, want %v", tt.raw, tt.val, got, tt.want)
		}
	}
}

func TestRegexFlags(t *testing.T) {
	m, err := ParseMatcher(map[string]any{"regex": "^Bearer ", "flags": "i"})
	if err != nil {
		t.Fatal(err)
	}
	if !m.Match(present("bearer abc")) {
		t.Error("case-insensitive regex should match lowercase bearer")
	}
	if m.Match(present("token abc")) {
		t.Error("regex should not match other schemes")
	}
	if m.Match(Value{}) {
		t.Error("regex should not match an absent value")
	}
}

func TestRegexInvalid(t *testing.T) {
	if _, err := ParseMatcher(map[string]any{"regex": "("}); err == nil {
		t.Error("invalid regex should fail at parse time")
	}
}

func TestContains(t *testing.T) {
	m, _ := ParseMatcher(map[string]any{"contains": "llo"})
	if !m.Match(present("hello")) {
		t.Error("substring should match")
	}

	arr := Value{Present: true, IsArray: true, Elems: []string{"a", "llo"}}
	if !m.Match(arr) {
		t.Error("array membership should match element exactly")
	}
	arr.Elems = []string{"hello"}
	if m.Match(arr) {
		t.Error("array contains compares whole elements, not substrings")
	}
}

func TestInOperator(t *testing.T) {
	m, err := ParseMatcher(map[string]any{"in": []any{"a", 2, true}})
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{"a", "2", "true"} {
		if !m.Match(present(s)) {
			t.Errorf("in should accept %q", s)
		}
	}
	if m.Match(present("b")) {
		t.Error("in should reject values outside the list")
	}
}

func TestExists(t *testing.T) {
	yes, _ := ParseMatcher(map[string]any{"exists": true})
	no, _ := ParseMatcher(map[string]any{"exists": false})

	if !yes.Match(present("x")) || yes.Match(Value{}) {
		t.Error("exists:true wants a present value")
	}
	if !no.Match(Value{}) || no.Match(present("x")) {
		t.Error("exists:false wants an absent value")
	}
	if yes.Match(Value{Present: true, Null: true}) {
		t.Error("explicit null counts as absent for exists")
	}
}

func TestNumericCoercion(t *testing.T) {
	m, _ := ParseMatcher(map[string]any{"gt": 0})

	if !m.Match(present("5")) {
		t.Error("numeric string above threshold should match")
	}
	if m.Match(present("abc")) {
		t.Error("non-numeric lhs must not match, both sides must be finite")
	}
	if m.Match(Value{}) {
		t.Error("absent value must not match numeric operators")
	}

	bad, _ := ParseMatcher(map[string]any{"gt": "abc"})
	if bad.Match(present("5")) {
		t.Error("non-numeric rhs must never match")
	}
}

func TestNumericOps(t *testing.T) {
	tests := []struct {
		op   string
		rhs  float64
		lhs  string
		want bool
	}{
		{"gt", 3, "4", true},
		{"gt", 3, "3", false},
		{"gte", 3, "3", true},
		{"lt", 3, "2", true},
		{"lt", 3, "3", false},
		{"lte", 3, "3", true},
	}
	for _, tt := range tests {
		m, _ := ParseMatcher(map[string]any{tt.op: tt.rhs})
		if got := m.Match(present(tt.lhs)); got != tt.want {
			t.Errorf("{%s: %v} against %q = %v, want %v", tt.op, tt.rhs, tt.lhs, got, tt.want)
		}
	}
}

func TestEqNe(t *testing.T) {
	eq, _ := ParseMatcher(map[string]any{"eq": "x"})
	ne, _ := ParseMatcher(map[string]any{"ne": "x"})

	if !eq.Match(present("x")) || eq.Match(present("y")) {
		t.Error("eq mismatch")
	}
	if ne.Match(present("x")) || !ne.Match(present("y")) {
		t.Error("ne mismatch")
	}
	if !ne.Match(Value{}) {
		t.Error("ne matches an absent value")
	}
}

func TestNot(t *testing.T) {
	m, err := ParseMatcher(map[string]any{"not": map[string]any{"contains": "x"}})
	if err != nil {
		t.Fatal(err)
	}
	if m.Match(present("axb")) || !m.Match(present("ab")) {
		t.Error("not should invert the inner matcher")
	}
}

func TestUnknownShapeFallsBackToJSONEquality(t *testing.T) {
	m, err := ParseMatcher(map[string]any{"frobnicate": 1})
	if err != nil {
		t.Fatal(err)
	}
	if m.Kind != KindUnknown {
		t.Fatalf("kind = %v, want KindUnknown", m.Kind)
	}
	if !m.Match(present(`{"frobnicate":1}`)) {
		t.Error("unknown shape should string-compare its JSON form")
	}
}

func TestScalarStringIntegralFloat(t *testing.T) {
	if got := scalarString(3.0); got != "3" {
		t.Errorf("scalarString(3.0) = %q, want 3", got)
	}
	if got := scalarString(3.5); got != "3.5" {
		t.Errorf("scalarString(3.5) = %q, want 3.5", got)
	}
}
