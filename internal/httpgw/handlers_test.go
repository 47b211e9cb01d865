package httpgw

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/strongdm/cxdb/core"
)

func newTestGateway(t *testing.T) (*Gateway, http.Handler) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	store, err := core.OpenStore(t.TempDir(), 64, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	gw := &Gateway{Store: store, Log: log}
	return gw, NewRouter(gw)
}

func doRequest(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// S5 — typed projection through the HTTP gateway.
func TestHTTPScenarioTypedProjection(t *testing.T) {
	gw, h := newTestGateway(t)

	bundleBody, _ := json.Marshal(bundleJSON{
		Types: []typeDescriptorJSON{{
			TypeID:  "cxdb.ConversationItem",
			Version: 1,
			Fields: []fieldJSON{
				{Tag: 1, Name: "role", Kind: "string"},
				{Tag: 2, Name: "text", Kind: "string"},
			},
		}},
	})
	rec := doRequest(t, h, http.MethodPut, "/v1/registry/bundles/test-v1", bundleBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating bundle, got %d: %s", rec.Code, rec.Body.String())
	}

	payload, err := msgpack.Marshal(map[int]interface{}{1: "user", 2: "hello"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	hash := core.HashBytes(payload)
	if _, _, err := gw.Store.Blobs.InsertIfAbsent(payload); err != nil {
		t.Fatalf("insert blob: %v", err)
	}
	ctxID := gw.Store.Turns.AllocateContextID()
	if _, err := gw.Store.Turns.CreateContext(ctxID, 0); err != nil {
		t.Fatalf("create context: %v", err)
	}
	if _, _, err := gw.Store.Turns.AppendTurn(core.AppendParams{
		ContextID:       ctxID,
		PayloadHash:     hash,
		DeclaredTypeID:  "cxdb.ConversationItem",
		TypeVersion:     1,
		Encoding:        1,
		UncompressedLen: uint32(len(payload)),
		CreatedAtUnixMS: 1,
	}); err != nil {
		t.Fatalf("append turn: %v", err)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/contexts/"+itoa(uint64(ctxID))+"/turns?view=typed", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 listing turns, got %d: %s", rec.Code, rec.Body.String())
	}

	var out struct {
		Turns []struct {
			Projected struct {
				Data map[string]interface{} `json:"data"`
			} `json:"projected"`
		} `json:"turns"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(out.Turns) != 1 {
		t.Fatalf("expected exactly one turn, got %d", len(out.Turns))
	}
	data := out.Turns[0].Projected.Data
	if data["role"] != "user" || data["text"] != "hello" {
		t.Fatalf("unexpected projected data: %+v", data)
	}
	for k := range data {
		if k == "1" || k == "2" {
			t.Fatalf("projected data must use field names, not numeric tags: %+v", data)
		}
	}
}

func TestHTTPGetBundleRoundTripAndETag(t *testing.T) {
	_, h := newTestGateway(t)

	bundleBody, _ := json.Marshal(bundleJSON{
		Types: []typeDescriptorJSON{{
			TypeID:  "cxdb.ConversationItem",
			Version: 1,
			Fields: []fieldJSON{
				{Tag: 1, Name: "role", Kind: "string"},
			},
		}},
	})
	rec := doRequest(t, h, http.MethodPut, "/v1/registry/bundles/test-v1", bundleBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating bundle, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/registry/bundles/test-v1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 fetching bundle, got %d: %s", rec.Code, rec.Body.String())
	}
	var got bundleJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal bundle: %v", err)
	}
	if len(got.Types) != 1 || got.Types[0].TypeID != "cxdb.ConversationItem" {
		t.Fatalf("unexpected bundle body: %+v", got)
	}
	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("expected an ETag header")
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/registry/bundles/test-v1", nil)
	req.Header.Set("If-None-Match", etag)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusNotModified {
		t.Fatalf("expected 304 with matching If-None-Match, got %d", rec2.Code)
	}
}

func TestHTTPGetBundleMissing(t *testing.T) {
	_, h := newTestGateway(t)
	rec := doRequest(t, h, http.MethodGet, "/v1/registry/bundles/never-seen", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown bundle_id, got %d", rec.Code)
	}
}

func TestHTTPGetBlobRoundTrip(t *testing.T) {
	gw, h := newTestGateway(t)
	raw := []byte("blob over http")
	hash, _, err := gw.Store.Blobs.InsertIfAbsent(raw)
	if err != nil {
		t.Fatalf("insert blob: %v", err)
	}

	rec := doRequest(t, h, http.MethodGet, "/v1/blobs/"+hex(hash[:]), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != string(raw) {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "application/octet-stream" {
		t.Fatalf("expected octet-stream content type, got %q", rec.Header().Get("Content-Type"))
	}
}

func TestHTTPGetBlobMissing(t *testing.T) {
	_, h := newTestGateway(t)
	missing := make([]byte, 32)
	rec := doRequest(t, h, http.MethodGet, "/v1/blobs/"+hex(missing), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing blob, got %d", rec.Code)
	}
}

func TestHTTPListContexts(t *testing.T) {
	gw, h := newTestGateway(t)
	ctxID := gw.Store.Turns.AllocateContextID()
	if _, err := gw.Store.Turns.CreateContext(ctxID, 0); err != nil {
		t.Fatalf("create context: %v", err)
	}

	rec := doRequest(t, h, http.MethodGet, "/v1/contexts", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out struct {
		Contexts []contextHeadJSON `json:"contexts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Contexts) != 1 || out.Contexts[0].ContextID != uint64(ctxID) {
		t.Fatalf("unexpected contexts list: %+v", out.Contexts)
	}
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func hex(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0xF]
	}
	return string(out)
}
