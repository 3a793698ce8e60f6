package rules

import "testing"

func TestLoadAll(t *testing.T) {
	idx := LoadAll("testdata")

	if got := idx.Len(); got != 3 {
		t.Fatalf("loaded %d docs, want 3 (keys: %v)", got, idx.Keys())
	}

	// Mixed-case filename lower-cases into the key.
	doc, ok := idx.Get("helloworld.greeter.sayhello")
	if !ok {
		t.Fatal("missing helloworld.greeter.sayhello")
	}
	if doc.Match == nil || len(doc.Match.Metadata) != 1 {
		t.Errorf("gate not parsed: %+v", doc.Match)
	}
	if len(doc.Responses) != 2 {
		t.Fatalf("responses = %d, want 2", len(doc.Responses))
	}
	if doc.Responses[0].Priority != 10 {
		t.Errorf("priority = %d, want 10", doc.Responses[0].Priority)
	}

	// JSON decodes through the same path as YAML.
	doc, ok = idx.Get("helloworld.greeter.streamnums")
	if !ok {
		t.Fatal("missing helloworld.greeter.streamnums")
	}
	opt := doc.Responses[0]
	if !opt.HasStreamItems || len(opt.StreamItems) != 3 {
		t.Errorf("stream_items not parsed: %+v", opt)
	}
	if opt.StreamDelayMs != 50 || opt.DelayMs != 10 {
		t.Errorf("delays = (%d, %d), want (50, 10)", opt.StreamDelayMs, opt.DelayMs)
	}
}

func TestLoadAllErrors(t *testing.T) {
	idx := LoadAll("testdata")

	var broken, dup bool
	for _, e := range idx.Errors() {
		switch e.File {
		case "broken.service.method.yaml":
			broken = true
		case "dup.service.call.yml":
			dup = true
		}
	}
	if !broken {
		t.Error("malformed file should be recorded as an error")
	}
	if !dup {
		t.Error("duplicate key should record the later file as an error")
	}

	// The first file by name wins the duplicate key.
	doc, ok := idx.Get("dup.service.call")
	if !ok {
		t.Fatal("duplicate key should still resolve to the first file")
	}
	body, _ := doc.Responses[0].Body.(map[string]any)
	if body["from"] != "first-file" {
		t.Errorf("duplicate kept %v, want first-file", body["from"])
	}
}

func TestLoadAllMissingDir(t *testing.T) {
	idx := LoadAll("testdata/does-not-exist")
	if idx.Len() != 0 || len(idx.Errors()) != 0 {
		t.Errorf("missing dir should yield an empty index, got %d docs", idx.Len())
	}
}

func TestStoreSwap(t *testing.T) {
	s := NewStore()
	if s.Snapshot().Len() != 0 {
		t.Fatal("new store should start empty")
	}

	idx := LoadAll("testdata")
	s.Replace(idx)
	if s.Snapshot() != idx {
		t.Error("snapshot should observe the replaced index")
	}
}

func TestStatusTrailers(t *testing.T) {
	opt := &ResponseOption{Trailers: map[string]any{
		"grpc-status":  7,
		"grpc-message": "Underage",
		"x-extra":      true,
	}}
	if got := opt.StatusCode(); got != 7 {
		t.Errorf("StatusCode = %d, want 7", got)
	}
	if got := opt.StatusMessage(); got != "Underage" {
		t.Errorf("StatusMessage = %q, want Underage", got)
	}

	zero := &ResponseOption{Trailers: map[string]any{"grpc-status": 0, "grpc-message": "still ok"}}
	if zero.StatusCode() != 0 {
		t.Error("grpc-status 0 is the success path")
	}
}
