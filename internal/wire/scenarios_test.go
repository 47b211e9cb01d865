package wire_test

import (
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/strongdm/cxdb/core"
	"github.com/strongdm/cxdb/internal/testutil"
	"github.com/strongdm/cxdb/internal/wire"
)

func mustPack(t *testing.T, v map[int]interface{}) []byte {
	t.Helper()
	b, err := msgpack.Marshal(v)
	if err != nil {
		t.Fatalf("msgpack marshal: %v", err)
	}
	return b
}

func appendFixture(t *testing.T, c *wire.Client, contextID uint64, parent uint64, idem string, payload []byte) wire.AppendTurnResp {
	t.Helper()
	hash := core.HashBytes(payload)
	resp, err := c.AppendTurn(wire.AppendTurnReq{
		ContextID:         contextID,
		ParentTurnID:      parent,
		TypeID:            "cxdb.ConversationItem",
		TypeVersion:       3,
		Encoding:          1,
		Compression:       0,
		UncompressedLen:   uint32(len(payload)),
		ContentHashB3_256: hash,
		PayloadBytes:      payload,
		IdempotencyKey:    idem,
	})
	if err != nil {
		t.Fatalf("append turn: %v", err)
	}
	return resp
}

// S1 — create, append, read last.
func TestScenarioCreateAppendReadLast(t *testing.T) {
	h := testutil.NewHarness(t)
	c := h.Dial(t)
	defer c.Close()

	created, err := c.CtxCreate(0)
	if err != nil {
		t.Fatalf("ctx create: %v", err)
	}
	if created.HeadTurnID != 0 || created.HeadDepth != 0 {
		t.Fatalf("unexpected fresh context state: %+v", created)
	}

	payload := mustPack(t, map[int]interface{}{1: "user", 2: "hello"})
	appended := appendFixture(t, c, created.ContextID, 0, "", payload)
	if appended.NewTurnID != 1 || appended.NewDepth != 0 {
		t.Fatalf("unexpected append result: %+v", appended)
	}

	last, err := c.GetLast(wire.GetLastReq{ContextID: created.ContextID, Limit: 10, IncludePayload: true})
	if err != nil {
		t.Fatalf("get last: %v", err)
	}
	if len(last.Turns) != 1 {
		t.Fatalf("expected exactly one turn, got %d", len(last.Turns))
	}
	got := last.Turns[0]
	if got.TurnID != 1 || got.ParentTurnID != 0 || got.Depth != 0 {
		t.Fatalf("unexpected turn shape: %+v", got)
	}
	if string(got.PayloadBytes) != string(payload) {
		t.Fatalf("payload bytes did not round-trip")
	}
}

// S2 — fork creates an independent branch.
func TestScenarioForkIndependence(t *testing.T) {
	h := testutil.NewHarness(t)
	c := h.Dial(t)
	defer c.Close()

	ctx1, _ := c.CtxCreate(0)
	payload1 := mustPack(t, map[int]interface{}{1: "user", 2: "hello"})
	turn1 := appendFixture(t, c, ctx1.ContextID, 0, "", payload1)

	ctx2, err := c.CtxCreate(turn1.NewTurnID)
	if err != nil {
		t.Fatalf("ctx fork: %v", err)
	}
	if ctx2.HeadTurnID != turn1.NewTurnID || ctx2.HeadDepth != turn1.NewDepth {
		t.Fatalf("fork did not inherit base head: %+v", ctx2)
	}

	payloadA := mustPack(t, map[int]interface{}{1: "assistant", 2: "branch A"})
	turnA := appendFixture(t, c, ctx1.ContextID, turn1.NewTurnID, "", payloadA)

	payloadB := mustPack(t, map[int]interface{}{1: "assistant", 2: "branch B"})
	turnB := appendFixture(t, c, ctx2.ContextID, turn1.NewTurnID, "", payloadB)

	if turnA.NewDepth != 1 || turnB.NewDepth != 1 {
		t.Fatalf("expected both branches at depth 1, got %d and %d", turnA.NewDepth, turnB.NewDepth)
	}
	if turnA.NewTurnID == turnB.NewTurnID {
		t.Fatalf("forked branches must not share a turn_id")
	}

	last1, err := c.GetLast(wire.GetLastReq{ContextID: ctx1.ContextID, Limit: 10, IncludePayload: true})
	if err != nil {
		t.Fatalf("get last ctx1: %v", err)
	}
	last2, err := c.GetLast(wire.GetLastReq{ContextID: ctx2.ContextID, Limit: 10, IncludePayload: true})
	if err != nil {
		t.Fatalf("get last ctx2: %v", err)
	}
	if len(last1.Turns) != 2 || len(last2.Turns) != 2 {
		t.Fatalf("expected two turns per context, got %d and %d", len(last1.Turns), len(last2.Turns))
	}
	if string(last1.Turns[1].PayloadBytes) == string(last2.Turns[1].PayloadBytes) {
		t.Fatalf("depth-1 payloads must differ between branches")
	}
}

// S3 — dedup on PUT_BLOB.
func TestScenarioBlobDedup(t *testing.T) {
	h := testutil.NewHarness(t)
	c := h.Dial(t)
	defer c.Close()

	raw := []byte("abc")
	hash := core.HashBytes(raw)

	first, err := c.PutBlob(hash, raw)
	if err != nil {
		t.Fatalf("put blob 1: %v", err)
	}
	if !first.WasNew {
		t.Fatalf("first insert should report was_new=true")
	}

	second, err := c.PutBlob(hash, raw)
	if err != nil {
		t.Fatalf("put blob 2: %v", err)
	}
	if second.WasNew {
		t.Fatalf("second insert should report was_new=false")
	}
	if first.Hash != second.Hash {
		t.Fatalf("hash must be stable across repeated inserts")
	}
}

// S4 — idempotent APPEND_TURN.
func TestScenarioIdempotentAppend(t *testing.T) {
	h := testutil.NewHarness(t)
	c := h.Dial(t)
	defer c.Close()

	ctx, _ := c.CtxCreate(0)
	payload := mustPack(t, map[int]interface{}{1: "user", 2: "hi"})

	first := appendFixture(t, c, ctx.ContextID, 0, "k1", payload)
	second := appendFixture(t, c, ctx.ContextID, 0, "k1", payload)
	if first.NewTurnID != second.NewTurnID {
		t.Fatalf("idempotent append must return the same turn_id: %d vs %d", first.NewTurnID, second.NewTurnID)
	}

	head, err := c.GetHead(ctx.ContextID)
	if err != nil {
		t.Fatalf("get head: %v", err)
	}
	if head.HeadTurnID != first.NewTurnID {
		t.Fatalf("head must not advance past the idempotent turn")
	}

	last, err := c.GetLast(wire.GetLastReq{ContextID: ctx.ContextID, Limit: 10})
	if err != nil {
		t.Fatalf("get last: %v", err)
	}
	if len(last.Turns) != 1 {
		t.Fatalf("idempotent repeat must not create a second turn, got %d turns", len(last.Turns))
	}
}

// Boundary: GET_LAST with limit=0 returns an empty list and does not error.
func TestGetLastZeroLimit(t *testing.T) {
	h := testutil.NewHarness(t)
	c := h.Dial(t)
	defer c.Close()

	ctx, _ := c.CtxCreate(0)
	payload := mustPack(t, map[int]interface{}{1: "user", 2: "hi"})
	appendFixture(t, c, ctx.ContextID, 0, "", payload)

	last, err := c.GetLast(wire.GetLastReq{ContextID: ctx.ContextID, Limit: 0})
	if err != nil {
		t.Fatalf("get last limit=0: %v", err)
	}
	if len(last.Turns) != 0 {
		t.Fatalf("limit=0 must return an empty list, got %d", len(last.Turns))
	}
}
