package core

import (
	"strconv"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

// S5 — typed projection swaps numeric tags for field names.
func TestProjectSwapsNumericTagsForNames(t *testing.T) {
	r := openTestRegistry(t)
	defer r.Close()

	if _, err := r.PutBundle("test-v1", conversationItemBundle(), nil); err != nil {
		t.Fatalf("put bundle: %v", err)
	}

	raw, err := msgpack.Marshal(map[int]interface{}{1: "user", 2: "hello"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	meta := TurnMeta{DeclaredTypeID: "cxdb.ConversationItem", TypeVersion: 1}
	proj, err := Project(Turn{}, meta, raw, r, DefaultRenderOptions())
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if proj.Data["role"] != "user" || proj.Data["text"] != "hello" {
		t.Fatalf("unexpected projected data: %+v", proj.Data)
	}
	for k := range proj.Data {
		if _, err := strconv.Atoi(k); err == nil {
			t.Fatalf("field name %q must not be a numeric-string key", k)
		}
	}
}

func TestProjectIncludesUnknownFields(t *testing.T) {
	r := openTestRegistry(t)
	defer r.Close()
	if _, err := r.PutBundle("b1", conversationItemBundle(), nil); err != nil {
		t.Fatalf("put bundle: %v", err)
	}

	raw, err := msgpack.Marshal(map[int]interface{}{1: "user", 2: "hello", 99: "mystery"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	meta := TurnMeta{DeclaredTypeID: "cxdb.ConversationItem", TypeVersion: 1}
	opts := DefaultRenderOptions()
	opts.IncludeUnknown = true
	proj, err := Project(Turn{}, meta, raw, r, opts)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if proj.Unknown["99"] != "mystery" {
		t.Fatalf("expected unknown tag 99 to be surfaced, got %+v", proj.Unknown)
	}
}

func TestProjectHintLatestUsesNewestDescriptor(t *testing.T) {
	r := openTestRegistry(t)
	defer r.Close()
	if _, err := r.PutBundle("b1", conversationItemBundle(), nil); err != nil {
		t.Fatalf("put v1: %v", err)
	}
	v2 := RegistryBundle{Descriptors: []TypeDescriptor{{
		TypeID: "cxdb.ConversationItem", Version: 2,
		Fields: []FieldTag{
			{Tag: 1, Name: "role", Kind: "string"},
			{Tag: 2, Name: "text", Kind: "string"},
			{Tag: 3, Name: "extra", Kind: "string", Optional: true},
		},
	}}}
	if _, err := r.PutBundle("b2", v2, nil); err != nil {
		t.Fatalf("put v2: %v", err)
	}

	raw, _ := msgpack.Marshal(map[int]interface{}{1: "user", 2: "hi", 3: "meta"})
	meta := TurnMeta{DeclaredTypeID: "cxdb.ConversationItem", TypeVersion: 1}
	opts := DefaultRenderOptions()
	opts.HintMode = HintLatest
	proj, err := Project(Turn{}, meta, raw, r, opts)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if proj.DecodedAsVersion != 2 {
		t.Fatalf("expected resolution to version 2, got %d", proj.DecodedAsVersion)
	}
	if proj.Data["extra"] != "meta" {
		t.Fatalf("expected field introduced in v2 to be rendered: %+v", proj.Data)
	}
}

func TestProjectBytesRenderModes(t *testing.T) {
	r := openTestRegistry(t)
	defer r.Close()
	bundle := RegistryBundle{Descriptors: []TypeDescriptor{{
		TypeID: "cxdb.Blobby", Version: 1,
		Fields: []FieldTag{{Tag: 1, Name: "payload", Kind: "bytes"}},
	}}}
	if _, err := r.PutBundle("b1", bundle, nil); err != nil {
		t.Fatalf("put bundle: %v", err)
	}
	raw, _ := msgpack.Marshal(map[int]interface{}{1: []byte{0xDE, 0xAD}})
	meta := TurnMeta{DeclaredTypeID: "cxdb.Blobby", TypeVersion: 1}

	opts := DefaultRenderOptions()
	opts.BytesRender = BytesHex
	proj, err := Project(Turn{}, meta, raw, r, opts)
	if err != nil {
		t.Fatalf("project hex: %v", err)
	}
	if proj.Data["payload"] != "dead" {
		t.Fatalf("expected hex-rendered bytes, got %v", proj.Data["payload"])
	}
}
