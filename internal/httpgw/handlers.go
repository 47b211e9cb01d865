package httpgw

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/strongdm/cxdb/core"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details,omitempty"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	se, ok := core.AsStoreError(err)
	if !ok {
		se = core.NewStoreError(core.ErrDecodeError, err.Error())
	}
	var body errorBody
	body.Error.Code = string(se.Code)
	body.Error.Message = se.Message
	body.Error.Details = se.Details
	w.WriteHeader(se.HTTPStatus())
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --- registry ---

type fieldJSON struct {
	Tag      uint32 `json:"tag"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Optional bool   `json:"optional,omitempty"`
}

type typeDescriptorJSON struct {
	TypeID  string      `json:"type_id"`
	Version uint32      `json:"version"`
	Fields  []fieldJSON `json:"fields"`
}

type bundleJSON struct {
	Types []typeDescriptorJSON        `json:"types"`
	Enums map[string]map[string]string `json:"enums,omitempty"`
}

func (gw *Gateway) putBundle(w http.ResponseWriter, r *http.Request) {
	bundleID := mux.Vars(r)["bundle_id"]

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, core.NewStoreError(core.ErrMalformedRequest, "failed to read request body"))
		return
	}
	var in bundleJSON
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, core.NewStoreError(core.ErrMalformedRequest, "invalid JSON bundle body", err.Error()))
		return
	}

	bundle := core.RegistryBundle{Descriptors: make([]core.TypeDescriptor, 0, len(in.Types))}
	for _, t := range in.Types {
		fields := make([]core.FieldTag, 0, len(t.Fields))
		for _, f := range t.Fields {
			fields = append(fields, core.FieldTag{Tag: f.Tag, Name: f.Name, Kind: f.Kind, Optional: f.Optional})
		}
		bundle.Descriptors = append(bundle.Descriptors, core.TypeDescriptor{
			TypeID:  core.TypeID(t.TypeID),
			Version: core.TypeVersion(t.Version),
			Fields:  fields,
		})
	}
	enums := make(map[string]map[uint32]string, len(in.Enums))
	for name, vals := range in.Enums {
		m := make(map[uint32]string, len(vals))
		for k, v := range vals {
			ord, err := strconv.ParseUint(k, 10, 32)
			if err != nil {
				writeError(w, core.NewStoreError(core.ErrMalformedRequest, "enum ordinal must be numeric", k))
				return
			}
			m[uint32(ord)] = v
		}
		enums[name] = m
	}

	outcome, err := gw.Store.Registry.PutBundle(bundleID, bundle, enums)
	if err != nil {
		writeError(w, err)
		return
	}
	switch outcome {
	case core.IngestCreated:
		writeJSON(w, http.StatusCreated, map[string]string{"outcome": outcome.String()})
	case core.IngestUnchanged:
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, core.NewStoreError(core.ErrConflict, "bundle rejected"))
	}
}

func (gw *Gateway) getBundle(w http.ResponseWriter, r *http.Request) {
	bundleID := mux.Vars(r)["bundle_id"]
	bundle, enums, ok := gw.Store.Registry.GetBundle(bundleID)
	if !ok {
		writeError(w, core.NewStoreError(core.ErrNotFound, "bundle not found", bundleID))
		return
	}

	out := bundleJSON{
		Types: make([]typeDescriptorJSON, 0, len(bundle.Descriptors)),
		Enums: make(map[string]map[string]string, len(enums)),
	}
	for _, d := range bundle.Descriptors {
		td := typeDescriptorJSON{TypeID: string(d.TypeID), Version: uint32(d.Version)}
		for _, f := range d.Fields {
			td.Fields = append(td.Fields, fieldJSON{Tag: f.Tag, Name: f.Name, Kind: f.Kind, Optional: f.Optional})
		}
		out.Types = append(out.Types, td)
	}
	for name, vals := range enums {
		m := make(map[string]string, len(vals))
		for ord, label := range vals {
			m[strconv.FormatUint(uint64(ord), 10)] = label
		}
		out.Enums[name] = m
	}

	body, err := json.Marshal(out)
	if err != nil {
		writeError(w, core.Wrap(err, "encode bundle"))
		return
	}
	etag := fmt.Sprintf("%q", hex.EncodeToString(core.HashBytes(body)[:]))

	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (gw *Gateway) getTypeVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	typeID := core.TypeID(vars["type_id"])
	version, err := strconv.ParseUint(vars["type_version"], 10, 32)
	if err != nil {
		writeError(w, core.NewStoreError(core.ErrMalformedRequest, "type_version must be numeric"))
		return
	}
	desc, ok := gw.Store.Registry.GetType(typeID, core.TypeVersion(version))
	if !ok {
		writeError(w, core.NewStoreError(core.ErrNotFound, "unknown type_id/type_version"))
		return
	}
	out := typeDescriptorJSON{TypeID: string(desc.TypeID), Version: uint32(desc.Version)}
	for _, f := range desc.Fields {
		out.Fields = append(out.Fields, fieldJSON{Tag: f.Tag, Name: f.Name, Kind: f.Kind, Optional: f.Optional})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- contexts ---

type contextHeadJSON struct {
	ContextID  uint64 `json:"context_id"`
	HeadTurnID uint64 `json:"head_turn_id"`
	HeadDepth  uint32 `json:"head_depth"`
}

func (gw *Gateway) headJSON(h core.ContextHead) contextHeadJSON {
	depth := uint32(0)
	if h.TurnID != 0 {
		if t, ok := gw.Store.Turns.GetTurn(h.TurnID); ok {
			depth = t.Depth
		}
	}
	return contextHeadJSON{ContextID: uint64(h.ContextID), HeadTurnID: uint64(h.TurnID), HeadDepth: depth}
}

func (gw *Gateway) listContexts(w http.ResponseWriter, r *http.Request) {
	heads := gw.Store.Turns.ListHeads()
	out := make([]contextHeadJSON, 0, len(heads))
	for _, h := range heads {
		out = append(out, gw.headJSON(h))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"contexts": out})
}

func (gw *Gateway) getContext(w http.ResponseWriter, r *http.Request) {
	ctxID, err := parseContextID(mux.Vars(r)["context_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	head, ok := gw.Store.Turns.Head(ctxID)
	if !ok {
		writeError(w, core.NewStoreError(core.ErrNotFound, "unknown context"))
		return
	}
	writeJSON(w, http.StatusOK, gw.headJSON(head))
}

func parseContextID(s string) (core.ContextID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, core.NewStoreError(core.ErrMalformedRequest, "context_id must be numeric", s)
	}
	return core.ContextID(v), nil
}

// --- turns ---

type turnJSON struct {
	TurnID          uint64      `json:"turn_id"`
	ParentTurnID    uint64      `json:"parent_turn_id"`
	Depth           uint32      `json:"depth"`
	CreatedAtUnixMS int64       `json:"created_at_unix_ms"`
	DeclaredType    string      `json:"declared_type,omitempty"`
	DeclaredVersion uint32      `json:"declared_type_version,omitempty"`
	Raw             string      `json:"raw,omitempty"`
	Projected       interface{} `json:"projected,omitempty"`
}

func (gw *Gateway) listTurns(w http.ResponseWriter, r *http.Request) {
	ctxID, err := parseContextID(mux.Vars(r)["context_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	limit := queryInt(q, "limit", 64)
	beforeTurnID := core.TurnID(queryUint64(q, "before_turn_id", 0))
	view := q.Get("view")
	if view == "" {
		view = "typed"
	}

	var turns []core.Turn
	if beforeTurnID == 0 {
		head, ok := gw.Store.Turns.Head(ctxID)
		if !ok {
			writeError(w, core.NewStoreError(core.ErrNotFound, "unknown context"))
			return
		}
		turns = gw.Store.Turns.WalkBack(head.TurnID, limit)
	} else {
		turns = gw.Store.Turns.WalkBeforeHead(ctxID, beforeTurnID, limit)
	}

	opts := renderOptionsFromQuery(q)

	out := make([]turnJSON, 0, len(turns))
	for _, t := range turns {
		tj := turnJSON{
			TurnID:          uint64(t.TurnID),
			ParentTurnID:    uint64(t.ParentTurnID),
			Depth:           t.Depth,
			CreatedAtUnixMS: t.CreatedAtUnixMS,
		}
		meta, _ := gw.Store.Turns.GetMeta(t.TurnID)
		tj.DeclaredType = string(meta.DeclaredTypeID)
		tj.DeclaredVersion = uint32(meta.TypeVersion)

		if view == "raw" || view == "both" {
			raw, err := gw.Store.Blobs.GetRaw(t.PayloadHash)
			if err != nil {
				writeError(w, err)
				return
			}
			tj.Raw = hex.EncodeToString(raw)
		}
		if view == "typed" || view == "both" {
			raw, err := gw.Store.Blobs.GetRaw(t.PayloadHash)
			if err != nil {
				writeError(w, err)
				return
			}
			proj, projErr := core.Project(t, meta, raw, gw.Store.Registry, opts)
			if projErr != nil {
				// Projection errors never void the turn; the caller can
				// retry with a different hint mode or fall back to raw.
				gw.Log.WithError(projErr).WithField("turn_id", t.TurnID).Warn("projection failed")
			} else {
				tj.Projected = proj
			}
		}
		out = append(out, tj)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"turns": out})
}

func renderOptionsFromQuery(q map[string][]string) core.RenderOptions {
	opts := core.DefaultRenderOptions()
	get := func(key string) string {
		if v, ok := q[key]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}
	if v := get("type_hint_mode"); v != "" {
		opts.HintMode = core.HintMode(v)
	}
	if v := get("as_type_id"); v != "" {
		opts.AsTypeID = core.TypeID(v)
	}
	if v := get("as_type_version"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			opts.AsTypeVersion = core.TypeVersion(n)
		}
	}
	if v := get("include_unknown"); v == "1" {
		opts.IncludeUnknown = true
	}
	if v := get("bytes_render"); v != "" {
		opts.BytesRender = core.BytesRender(v)
	}
	if v := get("u64_format"); v != "" {
		opts.U64Format = core.U64Format(v)
	}
	if v := get("enum_render"); v != "" {
		opts.EnumRender = core.EnumRender(v)
	}
	if v := get("time_render"); v != "" {
		opts.TimeRender = core.TimeRender(v)
	}
	return opts
}

func queryInt(q map[string][]string, key string, def int) int {
	if v, ok := q[key]; ok && len(v) > 0 {
		if n, err := strconv.Atoi(v[0]); err == nil {
			return n
		}
	}
	return def
}

func queryUint64(q map[string][]string, key string, def uint64) uint64 {
	if v, ok := q[key]; ok && len(v) > 0 {
		if n, err := strconv.ParseUint(v[0], 10, 64); err == nil {
			return n
		}
	}
	return def
}

// --- blobs ---

func (gw *Gateway) getBlob(w http.ResponseWriter, r *http.Request) {
	hashHex := mux.Vars(r)["hash_hex"]
	raw, err := hex.DecodeString(hashHex)
	if err != nil || len(raw) != 32 {
		writeError(w, core.NewStoreError(core.ErrMalformedRequest, "hash_hex must be 64 hex characters"))
		return
	}
	var hash core.BlobHash
	copy(hash[:], raw)

	data, err := gw.Store.Blobs.GetRaw(hash)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("ETag", fmt.Sprintf("%q", hashHex))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
