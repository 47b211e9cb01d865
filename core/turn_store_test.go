package core

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestTurnStore(t *testing.T, dir string) *TurnStore {
	t.Helper()
	ts, err := OpenTurnStore(dir, 64, testLogger())
	if err != nil {
		t.Fatalf("open turn store: %v", err)
	}
	return ts
}

func TestAppendTurnRootHasDepthZero(t *testing.T) {
	ts := openTestTurnStore(t, t.TempDir())
	defer ts.Close()

	ctxID := ts.AllocateContextID()
	if _, err := ts.CreateContext(ctxID, 0); err != nil {
		t.Fatalf("create context: %v", err)
	}

	turn, created, err := ts.AppendTurn(AppendParams{
		ContextID:    ctxID,
		ParentTurnID: 0,
		PayloadHash:  HashBytes([]byte("root payload")),
	})
	if err != nil {
		t.Fatalf("append turn: %v", err)
	}
	if !created {
		t.Fatalf("expected a freshly created turn")
	}
	if turn.Depth != 0 {
		t.Fatalf("root turn must have depth 0, got %d", turn.Depth)
	}
}

func TestAppendTurnIdempotencyReturnsIdenticalTurn(t *testing.T) {
	ts := openTestTurnStore(t, t.TempDir())
	defer ts.Close()

	ctxID := ts.AllocateContextID()
	ts.CreateContext(ctxID, 0)

	params := AppendParams{
		ContextID:      ctxID,
		PayloadHash:    HashBytes([]byte("payload")),
		IdempotencyKey: "k1",
	}
	first, created1, err := ts.AppendTurn(params)
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	if !created1 {
		t.Fatalf("first append should create a turn")
	}

	second, created2, err := ts.AppendTurn(params)
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if created2 {
		t.Fatalf("repeated idempotency key must not create a new turn")
	}
	if second.TurnID != first.TurnID {
		t.Fatalf("idempotent repeat must return the same turn_id")
	}

	head, ok := ts.Head(ctxID)
	if !ok || head.TurnID != first.TurnID {
		t.Fatalf("head must not advance past the idempotent turn")
	}
}

func TestForkIsIndependentOfOriginal(t *testing.T) {
	ts := openTestTurnStore(t, t.TempDir())
	defer ts.Close()

	ctx1 := ts.AllocateContextID()
	ts.CreateContext(ctx1, 0)
	base, _, err := ts.AppendTurn(AppendParams{ContextID: ctx1, PayloadHash: HashBytes([]byte("base"))})
	if err != nil {
		t.Fatalf("append base: %v", err)
	}

	ctx2 := ts.AllocateContextID()
	forkedHead, err := ts.CreateContext(ctx2, base.TurnID)
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if forkedHead.TurnID != base.TurnID {
		t.Fatalf("fork head must start at the base turn")
	}

	if _, _, err := ts.AppendTurn(AppendParams{ContextID: ctx2, PayloadHash: HashBytes([]byte("branch"))}); err != nil {
		t.Fatalf("append to fork: %v", err)
	}

	origHead, _ := ts.Head(ctx1)
	if origHead.TurnID != base.TurnID {
		t.Fatalf("appending to the fork must not move the original context's head")
	}
}

// S6 — a torn tail record in turns.log is truncated silently on reopen,
// and the next turn_id allocated continues from the last surviving turn.
func TestRecoveryTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	ts := openTestTurnStore(t, dir)

	ctxID := ts.AllocateContextID()
	ts.CreateContext(ctxID, 0)

	const n = 3
	var lastGood Turn
	for i := 0; i < n; i++ {
		turn, _, err := ts.AppendTurn(AppendParams{ContextID: ctxID, PayloadHash: HashBytes([]byte{byte(i)})})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		lastGood = turn
	}
	if err := ts.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	logPath := filepath.Join(dir, "turns.log")
	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("stat turns.log: %v", err)
	}
	// Append a few stray bytes to simulate a process killed mid-write of
	// the (n+1)th record: fewer bytes than turnRecordSize, so it can never
	// parse as a valid record no matter what CRC it claims.
	f, err := os.OpenFile(logPath, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("open turns.log: %v", err)
	}
	if _, err := f.WriteAt([]byte{0xDE, 0xAD, 0xBE, 0xEF}, info.Size()); err != nil {
		t.Fatalf("write torn tail: %v", err)
	}
	f.Close()

	reopened, err := OpenTurnStore(dir, 64, testLogger())
	if err != nil {
		t.Fatalf("reopen after torn tail: %v", err)
	}
	defer reopened.Close()

	head, ok := reopened.Head(ctxID)
	if !ok || head.TurnID != lastGood.TurnID {
		t.Fatalf("expected head to remain at the last surviving turn %d, got %+v", lastGood.TurnID, head)
	}

	next, _, err := reopened.AppendTurn(AppendParams{ContextID: ctxID, PayloadHash: HashBytes([]byte("after recovery"))})
	if err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	if next.TurnID != lastGood.TurnID+1 {
		t.Fatalf("next turn_id must continue from the last surviving turn, got %d want %d", next.TurnID, lastGood.TurnID+1)
	}
}

func TestWalkBackOrderingAndLimit(t *testing.T) {
	ts := openTestTurnStore(t, t.TempDir())
	defer ts.Close()

	ctxID := ts.AllocateContextID()
	ts.CreateContext(ctxID, 0)

	var ids []TurnID
	for i := 0; i < 5; i++ {
		turn, _, err := ts.AppendTurn(AppendParams{ContextID: ctxID, PayloadHash: HashBytes([]byte{byte(i)})})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		ids = append(ids, turn.TurnID)
	}

	head, _ := ts.Head(ctxID)
	got := ts.WalkBack(head.TurnID, 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(got))
	}
	wantIDs := ids[2:5]
	for i, turn := range got {
		if turn.TurnID != wantIDs[i] {
			t.Fatalf("WalkBack ordering wrong at %d: got %d want %d", i, turn.TurnID, wantIDs[i])
		}
	}
}

func TestAttachFSRootRequiresExistingTurn(t *testing.T) {
	ts := openTestTurnStore(t, t.TempDir())
	defer ts.Close()

	err := ts.AttachFSRoot(TurnID(999), HashBytes([]byte("tree")))
	se, ok := AsStoreError(err)
	if !ok || se.Code != ErrNotFound {
		t.Fatalf("expected ErrNotFound attaching to a nonexistent turn, got %v", err)
	}

	ctxID := ts.AllocateContextID()
	ts.CreateContext(ctxID, 0)
	turn, _, err := ts.AppendTurn(AppendParams{ContextID: ctxID, PayloadHash: HashBytes([]byte("p"))})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	fsHash := HashBytes([]byte("tree root"))
	if err := ts.AttachFSRoot(turn.TurnID, fsHash); err != nil {
		t.Fatalf("attach fs root: %v", err)
	}
	got, ok := ts.GetFSRoot(turn.TurnID)
	if !ok || got != fsHash {
		t.Fatalf("fs root not recorded correctly")
	}
}
