// Package core implements the cxdb storage domain: the content-addressed
// blob store, the immutable Turn DAG, the type registry, and the projection
// engine that renders stored payloads as JSON.
package core

import "time"

// BlobHash is a 32-byte BLAKE3-256 digest identifying a blob's raw bytes.
type BlobHash [32]byte

// IsZero reports whether h is the zero hash (never a valid blob reference).
func (h BlobHash) IsZero() bool {
	return h == BlobHash{}
}

// TurnID is a process-wide monotonically increasing identifier. 0 is never
// assigned to a real turn; it is reserved to mean "no parent" / "no head".
type TurnID uint64

// ContextID names a conversation thread. It is a 64-bit unsigned integer,
// opaque to clients, allocated by CTX_CREATE/CTX_FORK.
type ContextID uint64

// TypeID names a registered payload schema, e.g. "cxdb.ConversationItem".
type TypeID string

// TypeVersion is a monotonically increasing version of a TypeID's
// descriptor. Versions are never reused once published.
type TypeVersion uint32

// Codec identifies how a blob or turn payload's bytes are stored on disk
// and on the wire.
type Codec uint16

const (
	CodecNone Codec = 0
	CodecZstd Codec = 1
)

// Blob is the logical record stored in the Blob CAS: hash, raw and stored
// lengths, and storage codec. The raw bytes are not part of this struct;
// BlobCAS.GetRaw reads and decompresses them.
type Blob struct {
	Hash      BlobHash
	RawLen    uint32
	StoredLen uint32
	Codec     Codec
}

// TurnFlags are bit flags carried on a Turn record.
type TurnFlags uint32

const (
	// TurnFlagHasFSRoot indicates an fs_root_hash follows the idempotency
	// key in the APPEND_TURN request. The hash is set on the returned Turn
	// and bound to the new turn the same way ATTACH_FS binds one, so
	// TurnStore.GetFSRoot returns it.
	TurnFlagHasFSRoot TurnFlags = 1 << 0
)

// Turn is an immutable node in a context's parent-pointer DAG.
type Turn struct {
	TurnID           TurnID
	ParentTurnID     TurnID
	ContextID        ContextID
	Depth            uint32
	PayloadHash     BlobHash
	TypeTag         uint64
	Codec           Codec
	Flags           TurnFlags
	CreatedAtUnixMS int64
	FSRootHash      BlobHash
	HasFSRoot       bool
	IdempotencyKey  string
}

// TurnMeta is the variable-length side record for a Turn, keyed by TurnID.
type TurnMeta struct {
	TurnID          TurnID
	DeclaredTypeID  TypeID
	TypeVersion     TypeVersion
	Encoding        uint16
	Compression     Codec
	UncompressedLen uint32
}

// CreatedAt returns the Turn's creation time as a time.Time.
func (t Turn) CreatedAt() time.Time {
	return time.UnixMilli(t.CreatedAtUnixMS)
}

// ContextHead records the current head turn for a context.
type ContextHead struct {
	ContextID ContextID
	TurnID    TurnID
}

// FieldTag is a single field descriptor entry in a registered type version.
type FieldTag struct {
	Tag      uint32
	Name     string
	Kind     string // scalar kind or "enum:<enum_name>" reference
	Optional bool
}

// TypeDescriptor is one registered (TypeID, TypeVersion) schema.
type TypeDescriptor struct {
	TypeID  TypeID
	Version TypeVersion
	Fields  []FieldTag
}

// RegistryBundle is a set of type descriptors submitted together for
// ingest, e.g. from a single client deployment.
type RegistryBundle struct {
	Descriptors []TypeDescriptor
}

// IngestOutcome reports what happened to a bundle during ingest.
type IngestOutcome int

const (
	IngestCreated IngestOutcome = iota
	IngestUnchanged
	IngestConflict
)

func (o IngestOutcome) String() string {
	switch o {
	case IngestCreated:
		return "created"
	case IngestUnchanged:
		return "unchanged"
	case IngestConflict:
		return "conflict"
	default:
		return "unknown"
	}
}
