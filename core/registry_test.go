package core

import "testing"

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := OpenRegistry(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	return r
}

func conversationItemBundle() RegistryBundle {
	return RegistryBundle{Descriptors: []TypeDescriptor{{
		TypeID:  "cxdb.ConversationItem",
		Version: 1,
		Fields: []FieldTag{
			{Tag: 1, Name: "role", Kind: "string"},
			{Tag: 2, Name: "text", Kind: "string"},
		},
	}}}
}

func TestPutBundleCreatedThenUnchanged(t *testing.T) {
	r := openTestRegistry(t)
	defer r.Close()

	bundle := conversationItemBundle()
	outcome, err := r.PutBundle("b1", bundle, nil)
	if err != nil {
		t.Fatalf("put bundle: %v", err)
	}
	if outcome != IngestCreated {
		t.Fatalf("expected Created, got %s", outcome)
	}

	outcome2, err := r.PutBundle("b1", bundle, nil)
	if err != nil {
		t.Fatalf("put bundle again: %v", err)
	}
	if outcome2 != IngestUnchanged {
		t.Fatalf("identical re-ingest must be Unchanged, got %s", outcome2)
	}

	desc, ok := r.GetType("cxdb.ConversationItem", 1)
	if !ok {
		t.Fatalf("expected descriptor to be retrievable")
	}
	if len(desc.Fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(desc.Fields))
	}
	latest, ok := r.LatestVersion("cxdb.ConversationItem")
	if !ok || latest != 1 {
		t.Fatalf("expected latest version 1, got %d (ok=%v)", latest, ok)
	}
}

func TestPutBundleRejectsVersionRegression(t *testing.T) {
	r := openTestRegistry(t)
	defer r.Close()

	v2 := RegistryBundle{Descriptors: []TypeDescriptor{{
		TypeID: "cxdb.ConversationItem", Version: 2,
		Fields: []FieldTag{{Tag: 1, Name: "role", Kind: "string"}},
	}}}
	if _, err := r.PutBundle("b1", v2, nil); err != nil {
		t.Fatalf("seed v2: %v", err)
	}

	v1Again := RegistryBundle{Descriptors: []TypeDescriptor{{
		TypeID: "cxdb.ConversationItem", Version: 1,
		Fields: []FieldTag{{Tag: 1, Name: "role", Kind: "string"}},
	}}}
	outcome, err := r.PutBundle("b2", v1Again, nil)
	if err == nil {
		t.Fatalf("expected an error for a version regression")
	}
	if outcome != IngestConflict {
		t.Fatalf("expected Conflict, got %s", outcome)
	}
}

func TestPutBundleRejectsIncompatibleTagReuse(t *testing.T) {
	r := openTestRegistry(t)
	defer r.Close()

	v1 := conversationItemBundle()
	if _, err := r.PutBundle("b1", v1, nil); err != nil {
		t.Fatalf("seed v1: %v", err)
	}

	v2 := RegistryBundle{Descriptors: []TypeDescriptor{{
		TypeID: "cxdb.ConversationItem", Version: 2,
		Fields: []FieldTag{{Tag: 1, Name: "role", Kind: "int"}}, // was string
	}}}
	_, err := r.PutBundle("b2", v2, nil)
	if err == nil {
		t.Fatalf("expected an error for incompatible tag reuse")
	}
}

func TestPutBundleEnumRefMustResolve(t *testing.T) {
	r := openTestRegistry(t)
	defer r.Close()

	bundle := RegistryBundle{Descriptors: []TypeDescriptor{{
		TypeID: "cxdb.Event", Version: 1,
		Fields: []FieldTag{{Tag: 1, Name: "kind", Kind: "enum:missing_enum"}},
	}}}
	_, err := r.PutBundle("b1", bundle, nil)
	if err == nil {
		t.Fatalf("expected an error when enum_ref does not resolve")
	}

	withEnum := RegistryBundle{Descriptors: []TypeDescriptor{{
		TypeID: "cxdb.Event", Version: 1,
		Fields: []FieldTag{{Tag: 1, Name: "kind", Kind: "enum:event_kind"}},
	}}}
	enums := map[string]map[uint32]string{"event_kind": {0: "create", 1: "delete"}}
	if _, err := r.PutBundle("b2", withEnum, enums); err != nil {
		t.Fatalf("expected success once the enum is declared in the same bundle: %v", err)
	}
}

func TestRegistryRecoversAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenRegistry(dir, testLogger())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}

	if _, err := r.PutBundle("b1", conversationItemBundle(), nil); err != nil {
		t.Fatalf("put bundle: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenRegistry(dir, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	desc, ok := reopened.GetType("cxdb.ConversationItem", 1)
	if !ok || len(desc.Fields) != 2 {
		t.Fatalf("descriptor did not survive reopen: %+v ok=%v", desc, ok)
	}
}
