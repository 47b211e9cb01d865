package core

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestBlobCASInsertIfAbsentDedup(t *testing.T) {
	cas, err := OpenBlobCAS(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("open blob cas: %v", err)
	}
	defer cas.Close()

	raw := []byte("abc")
	h1, wasNew1, err := cas.InsertIfAbsent(raw)
	if err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	if !wasNew1 {
		t.Fatalf("first insert must be new")
	}

	h2, wasNew2, err := cas.InsertIfAbsent(raw)
	if err != nil {
		t.Fatalf("insert 2: %v", err)
	}
	if wasNew2 {
		t.Fatalf("second insert of identical bytes must not be new")
	}
	if h1 != h2 {
		t.Fatalf("identical bytes must hash identically")
	}

	got, err := cas.GetRaw(h1)
	if err != nil {
		t.Fatalf("get raw: %v", err)
	}
	if string(got) != string(raw) {
		t.Fatalf("round-tripped bytes mismatch: got %q", got)
	}
}

func TestBlobCASDistinctBytesDistinctHash(t *testing.T) {
	cas, err := OpenBlobCAS(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("open blob cas: %v", err)
	}
	defer cas.Close()

	h1, _, err := cas.InsertIfAbsent([]byte("abc"))
	if err != nil {
		t.Fatalf("insert abc: %v", err)
	}
	h2, _, err := cas.InsertIfAbsent([]byte("xyz"))
	if err != nil {
		t.Fatalf("insert xyz: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("distinct bytes must not collide")
	}
}

func TestBlobCASGetMissing(t *testing.T) {
	cas, err := OpenBlobCAS(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("open blob cas: %v", err)
	}
	defer cas.Close()

	_, err = cas.GetRaw(HashBytes([]byte("never inserted")))
	se, ok := AsStoreError(err)
	if !ok || se.Code != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBlobCASRecoverAfterReopen(t *testing.T) {
	dir := t.TempDir()
	cas, err := OpenBlobCAS(dir, testLogger())
	if err != nil {
		t.Fatalf("open blob cas: %v", err)
	}
	raw := []byte("persisted across reopen")
	hash, _, err := cas.InsertIfAbsent(raw)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := cas.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenBlobCAS(dir, testLogger())
	if err != nil {
		t.Fatalf("reopen blob cas: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetRaw(hash)
	if err != nil {
		t.Fatalf("get raw after reopen: %v", err)
	}
	if string(got) != string(raw) {
		t.Fatalf("bytes did not survive reopen")
	}
}

// A packfile that outgrew its index (simulating a crash between the pack
// write and the index write in InsertIfAbsent) must fall back to the full
// scan rather than trust a stale mmap'd index.
func TestBlobCASRecoverFallsBackOnStaleIndex(t *testing.T) {
	dir := t.TempDir()
	cas, err := OpenBlobCAS(dir, testLogger())
	if err != nil {
		t.Fatalf("open blob cas: %v", err)
	}
	raw := []byte("first blob, index written")
	if _, _, err := cas.InsertIfAbsent(raw); err != nil {
		t.Fatalf("insert: %v", err)
	}

	extra := []byte("second blob, only in the packfile")
	hash2, _, _, err := cas.appendPackRecordOnly(extra)
	if err != nil {
		t.Fatalf("append pack-only record: %v", err)
	}
	if err := cas.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenBlobCAS(dir, testLogger())
	if err != nil {
		t.Fatalf("reopen blob cas: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetRaw(hash2)
	if err != nil {
		t.Fatalf("expected second blob recovered via full scan, got error: %v", err)
	}
	if string(got) != string(extra) {
		t.Fatalf("unexpected recovered bytes: %q", got)
	}
}

func TestBlobCASCIDString(t *testing.T) {
	cas, err := OpenBlobCAS(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("open blob cas: %v", err)
	}
	defer cas.Close()

	hash, _, err := cas.InsertIfAbsent([]byte("cid me"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	cidStr, err := CIDString(hash)
	if err != nil {
		t.Fatalf("cid string: %v", err)
	}
	if cidStr == "" {
		t.Fatalf("expected non-empty CID string")
	}
}
