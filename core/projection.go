package core

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// HintMode selects which registry descriptor is used to project a turn's
// payload.
type HintMode string

const (
	HintInherit  HintMode = "inherit"
	HintLatest   HintMode = "latest"
	HintExplicit HintMode = "explicit"
)

// U64Format selects how 64-bit integer fields are rendered.
type U64Format string

const (
	U64String U64Format = "string"
	U64Number U64Format = "number"
)

// BytesRender selects how byte-string fields are rendered.
type BytesRender string

const (
	BytesBase64  BytesRender = "base64"
	BytesHex     BytesRender = "hex"
	BytesLenOnly BytesRender = "len_only"
)

// EnumRender selects how enum fields are rendered.
type EnumRender string

const (
	EnumLabel  EnumRender = "label"
	EnumNumber EnumRender = "number"
	EnumBoth   EnumRender = "both"
)

// TimeRender selects how unix-ms timestamp fields are rendered.
type TimeRender string

const (
	TimeISO     TimeRender = "iso"
	TimeUnixMS  TimeRender = "unix_ms"
)

// RenderOptions bundles every projection rendering knob from spec §4.7/§6.
type RenderOptions struct {
	HintMode       HintMode
	AsTypeID       TypeID
	AsTypeVersion  TypeVersion
	IncludeUnknown bool
	BytesRender    BytesRender
	U64Format      U64Format
	EnumRender     EnumRender
	TimeRender     TimeRender
}

// DefaultRenderOptions mirrors the HTTP gateway's documented defaults.
func DefaultRenderOptions() RenderOptions {
	return RenderOptions{
		HintMode:    HintInherit,
		BytesRender: BytesBase64,
		U64Format:   U64String,
		EnumRender:  EnumLabel,
		TimeRender:  TimeISO,
	}
}

// safeIntegerBound is the largest magnitude a float64/JS-safe integer can
// represent exactly (2^53).
const safeIntegerBound = 1 << 53

// Projection is the decoded, rendered view of one turn's payload.
type Projection struct {
	DeclaredTypeID      TypeID      `json:"declared_type"`
	DeclaredTypeVersion TypeVersion `json:"-"`
	DecodedAsTypeID     TypeID      `json:"-"`
	DecodedAsVersion    TypeVersion `json:"-"`
	Data                map[string]interface{} `json:"data"`
	Unknown             map[string]interface{} `json:"unknown,omitempty"`
}

// Project decodes raw (the turn's decompressed payload bytes) as a
// msgpack map with integer-tag keys, resolves a descriptor per opts, and
// renders each field into a typed JSON-ready value.
func Project(turn Turn, meta TurnMeta, raw []byte, registry *Registry, opts RenderOptions) (*Projection, error) {
	payload, err := decodePayloadMap(raw)
	if err != nil {
		return nil, err
	}

	descTypeID, descVersion, err := resolveDescriptorRef(meta, opts, registry)
	if err != nil {
		return nil, err
	}
	desc, ok := registry.GetType(descTypeID, descVersion)
	if !ok {
		return nil, NewStoreError(ErrFailedDependency, "projection descriptor unavailable",
			fmt.Sprintf("%s v%d", descTypeID, descVersion))
	}

	byTag := make(map[uint32]FieldTag, len(desc.Fields))
	for _, f := range desc.Fields {
		byTag[f.Tag] = f
	}

	proj := &Projection{
		DeclaredTypeID:      meta.DeclaredTypeID,
		DeclaredTypeVersion: meta.TypeVersion,
		DecodedAsTypeID:     descTypeID,
		DecodedAsVersion:    descVersion,
		Data:                make(map[string]interface{}),
	}
	if opts.IncludeUnknown {
		proj.Unknown = make(map[string]interface{})
	}

	for tag, value := range payload {
		field, known := byTag[uint32(tag)]
		if !known {
			if opts.IncludeUnknown {
				proj.Unknown[strconv.FormatInt(tag, 10)] = value
			}
			continue
		}
		rendered, err := renderValue(value, field, registry, opts)
		if err != nil {
			return nil, err
		}
		proj.Data[field.Name] = rendered
	}

	return proj, nil
}

// decodePayloadMap parses raw as a msgpack value and normalizes it into a
// tag(int64) -> value map. Non-map payloads, and maps with any key that is
// not an integer or a digit-string, are decode errors.
func decodePayloadMap(raw []byte) (map[int64]interface{}, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.UseLooseInterfaceDecoding(true)
	dec.SetMapDecoder(func(d *msgpack.Decoder) (interface{}, error) {
		return d.DecodeUntypedMap()
	})
	generic, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return nil, NewStoreError(ErrDecodeError, "malformed msgpack payload", err.Error())
	}

	out := make(map[int64]interface{})
	switch m := generic.(type) {
	case map[string]interface{}:
		for k, v := range m {
			tag, err := strconv.ParseInt(k, 10, 64)
			if err != nil {
				return nil, NewStoreError(ErrDecodeError, "payload key is not an integer tag", k)
			}
			out[tag] = v
		}
	case map[interface{}]interface{}:
		for k, v := range m {
			tag, err := coerceTagKey(k)
			if err != nil {
				return nil, err
			}
			out[tag] = v
		}
	default:
		return nil, NewStoreError(ErrDecodeError, "payload is not a map")
	}
	return out, nil
}

func coerceTagKey(k interface{}) (int64, error) {
	switch v := k.(type) {
	case int64:
		return v, nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case string:
		tag, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, NewStoreError(ErrDecodeError, "payload key is not an integer tag", v)
		}
		return tag, nil
	default:
		return 0, NewStoreError(ErrDecodeError, "payload key is not an integer tag", fmt.Sprintf("%v", k))
	}
}

func resolveDescriptorRef(meta TurnMeta, opts RenderOptions, registry *Registry) (TypeID, TypeVersion, error) {
	switch opts.HintMode {
	case HintLatest:
		v, ok := registry.LatestVersion(meta.DeclaredTypeID)
		if !ok {
			return "", 0, NewStoreError(ErrFailedDependency, "no known version for type_id", string(meta.DeclaredTypeID))
		}
		return meta.DeclaredTypeID, v, nil
	case HintExplicit:
		if opts.AsTypeID != meta.DeclaredTypeID {
			return "", 0, NewStoreError(ErrMalformedRequest, "explicit type hint must share the turn's declared type_id",
				fmt.Sprintf("turn declares %s, requested %s", meta.DeclaredTypeID, opts.AsTypeID))
		}
		return opts.AsTypeID, opts.AsTypeVersion, nil
	case HintInherit, "":
		return meta.DeclaredTypeID, meta.TypeVersion, nil
	default:
		return "", 0, NewStoreError(ErrMalformedRequest, "unknown type_hint_mode", string(opts.HintMode))
	}
}

func renderValue(value interface{}, field FieldTag, registry *Registry, opts RenderOptions) (interface{}, error) {
	if enumName, isEnum := enumRefName(field.Kind); isEnum {
		return renderEnum(value, enumName, registry, opts)
	}

	switch field.Kind {
	case "u64", "i64":
		return renderInt(value, opts), nil
	case "bytes":
		return renderBytes(value, opts)
	case "timestamp_unix_ms":
		return renderTime(value, opts)
	default:
		return value, nil
	}
}

func renderInt(value interface{}, opts RenderOptions) interface{} {
	n, ok := toInt64(value)
	if !ok {
		return value
	}
	format := opts.U64Format
	if format == "" {
		format = U64String
	}
	if format == U64Number && n > -safeIntegerBound && n < safeIntegerBound {
		return n
	}
	return strconv.FormatInt(n, 10)
}

func toInt64(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case uint32:
		return int64(v), true
	default:
		return 0, false
	}
}

func renderBytes(value interface{}, opts RenderOptions) (interface{}, error) {
	b, ok := value.([]byte)
	if !ok {
		return nil, NewStoreError(ErrDecodeError, "expected bytes field")
	}
	render := opts.BytesRender
	if render == "" {
		render = BytesBase64
	}
	switch render {
	case BytesHex:
		return hex.EncodeToString(b), nil
	case BytesLenOnly:
		return map[string]interface{}{"len": len(b)}, nil
	default:
		return base64.StdEncoding.EncodeToString(b), nil
	}
}

func renderEnum(value interface{}, enumName string, registry *Registry, opts RenderOptions) (interface{}, error) {
	ordinal, ok := toInt64(value)
	if !ok {
		return nil, NewStoreError(ErrDecodeError, "expected enum ordinal")
	}
	snap := registry.snap.Load()
	label, known := snap.enums[enumName][uint32(ordinal)]

	render := opts.EnumRender
	if render == "" {
		render = EnumLabel
	}
	switch render {
	case EnumNumber:
		return ordinal, nil
	case EnumBoth:
		out := map[string]interface{}{"num": ordinal}
		if known {
			out["label"] = label
		}
		return out, nil
	default:
		if known {
			return label, nil
		}
		return ordinal, nil
	}
}

func renderTime(value interface{}, opts RenderOptions) (interface{}, error) {
	ms, ok := toInt64(value)
	if !ok {
		return nil, NewStoreError(ErrDecodeError, "expected unix_ms timestamp")
	}
	render := opts.TimeRender
	if render == "" {
		render = TimeISO
	}
	if render == TimeUnixMS {
		return ms, nil
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano), nil
}
