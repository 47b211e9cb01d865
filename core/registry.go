package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// bucketBundles is the only bbolt bucket the registry needs: each bundle
// record already carries every descriptor it declared, so replaying
// bucketBundles on open is sufficient to rebuild the snapshot. A separate
// per-descriptor bucket would only duplicate what's already indexed in
// memory by (type_id, version).
var bucketBundles = []byte("bundles")

// bundleRecord is what PutBundle persists for idempotency checks: a repeat
// ingest of the same bundle_id is only Unchanged if its content matches
// byte-for-byte.
type bundleRecord struct {
	Descriptors []TypeDescriptor
	Enums       map[string]map[uint32]string
}

// tagShape is the (kind, optional) a field tag was first declared with,
// tracked per type_id so later versions can be checked for compatible
// re-declaration.
type tagShape struct {
	Kind     string
	Optional bool
}

// registrySnapshot is the immutable state consulted by lock-free reads. A
// write swaps in a new snapshot while holding Registry.snapMu (a simple
// copy-on-write, not a structural-sharing persistent map — the registry is
// small and writes are rare next to reads).
type registrySnapshot struct {
	descriptors map[TypeID]map[TypeVersion]TypeDescriptor
	latest      map[TypeID]TypeVersion
	tagShapes   map[TypeID]map[uint32]tagShape
	enums       map[string]map[uint32]string
	bundles     map[string]bundleRecord
}

func emptySnapshot() *registrySnapshot {
	return &registrySnapshot{
		descriptors: make(map[TypeID]map[TypeVersion]TypeDescriptor),
		latest:      make(map[TypeID]TypeVersion),
		tagShapes:   make(map[TypeID]map[uint32]tagShape),
		enums:       make(map[string]map[uint32]string),
		bundles:     make(map[string]bundleRecord),
	}
}

func (s *registrySnapshot) clone() *registrySnapshot {
	out := emptySnapshot()
	for t, vs := range s.descriptors {
		m := make(map[TypeVersion]TypeDescriptor, len(vs))
		for v, d := range vs {
			m[v] = d
		}
		out.descriptors[t] = m
	}
	for t, v := range s.latest {
		out.latest[t] = v
	}
	for t, tags := range s.tagShapes {
		m := make(map[uint32]tagShape, len(tags))
		for tag, sh := range tags {
			m[tag] = sh
		}
		out.tagShapes[t] = m
	}
	for e, vals := range s.enums {
		m := make(map[uint32]string, len(vals))
		for k, v := range vals {
			m[k] = v
		}
		out.enums[e] = m
	}
	for b, rec := range s.bundles {
		out.bundles[b] = rec
	}
	return out
}

// Registry is the type descriptor store: bbolt-backed for durability,
// served from an in-memory copy-on-write snapshot so get_type/latest_version
// never block behind an in-flight put_bundle.
type Registry struct {
	db *bolt.DB

	typeLocksMu sync.Mutex
	typeLocks   map[TypeID]*sync.Mutex

	snapMu sync.Mutex // serializes PutBundle's load-clone-store of snap
	snap   atomic.Pointer[registrySnapshot]
	log    *logrus.Logger
}

// OpenRegistry opens (creating if absent) the bbolt database backing the
// registry under dir and loads its contents into an in-memory snapshot.
func OpenRegistry(dir string, log *logrus.Logger) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Wrap(err, "create registry dir")
	}
	db, err := bolt.Open(filepath.Join(dir, "registry.db"), 0o600, nil)
	if err != nil {
		return nil, Wrap(err, "open registry.db")
	}

	r := &Registry{db: db, typeLocks: make(map[TypeID]*sync.Mutex), log: log}
	snap := emptySnapshot()

	err = db.Update(func(tx *bolt.Tx) error {
		bb, err := tx.CreateBucketIfNotExists(bucketBundles)
		if err != nil {
			return err
		}
		return bb.ForEach(func(k, v []byte) error {
			var rec bundleRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			snap.bundles[string(k)] = rec
			for _, d := range rec.Descriptors {
				applyDescriptor(snap, d)
			}
			for e, vals := range rec.Enums {
				snap.enums[e] = vals
			}
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, Wrap(err, "load registry state")
	}

	r.snap.Store(snap)
	return r, nil
}

func applyDescriptor(snap *registrySnapshot, d TypeDescriptor) {
	if snap.descriptors[d.TypeID] == nil {
		snap.descriptors[d.TypeID] = make(map[TypeVersion]TypeDescriptor)
	}
	snap.descriptors[d.TypeID][d.Version] = d
	if d.Version > snap.latest[d.TypeID] {
		snap.latest[d.TypeID] = d.Version
	}
	if snap.tagShapes[d.TypeID] == nil {
		snap.tagShapes[d.TypeID] = make(map[uint32]tagShape)
	}
	for _, f := range d.Fields {
		snap.tagShapes[d.TypeID][f.Tag] = tagShape{Kind: f.Kind, Optional: f.Optional}
	}
}

func (r *Registry) lockFor(id TypeID) *sync.Mutex {
	r.typeLocksMu.Lock()
	defer r.typeLocksMu.Unlock()
	l, ok := r.typeLocks[id]
	if !ok {
		l = &sync.Mutex{}
		r.typeLocks[id] = l
	}
	return l
}

// PutBundle validates bundle (and its accompanying enum tables) against
// the current snapshot and, for each affected type_id, the rest of the
// bundle. A byte-identical re-ingest under the same bundle_id is
// Unchanged; a bundle identical to one stored under a different bundle_id
// is still validated and applied normally. Any violation of the four
// ingest rules yields Conflict.
func (r *Registry) PutBundle(bundleID string, bundle RegistryBundle, enums map[string]map[uint32]string) (IngestOutcome, error) {
	affected := affectedTypes(bundle)
	sort.Slice(affected, func(i, j int) bool { return affected[i] < affected[j] })

	locks := make([]*sync.Mutex, 0, len(affected))
	for _, t := range affected {
		locks = append(locks, r.lockFor(t))
	}
	for _, l := range locks {
		l.Lock()
	}
	defer func() {
		for _, l := range locks {
			l.Unlock()
		}
	}()

	r.snapMu.Lock()
	defer r.snapMu.Unlock()
	cur := r.snap.Load()

	if existing, ok := cur.bundles[bundleID]; ok {
		if bundleEquals(existing, bundle, enums) {
			return IngestUnchanged, nil
		}
	}

	if err := validateBundle(cur, bundle, enums); err != nil {
		return IngestConflict, err
	}

	next := cur.clone()
	for _, d := range bundle.Descriptors {
		applyDescriptor(next, d)
	}
	for e, vals := range enums {
		next.enums[e] = vals
	}
	rec := bundleRecord{Descriptors: bundle.Descriptors, Enums: enums}
	next.bundles[bundleID] = rec

	encoded, err := json.Marshal(rec)
	if err != nil {
		return IngestConflict, Wrap(err, "encode bundle record")
	}
	err = r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBundles).Put([]byte(bundleID), encoded)
	})
	if err != nil {
		return IngestConflict, Wrap(err, "persist bundle record")
	}

	r.snap.Store(next)
	return IngestCreated, nil
}

func affectedTypes(bundle RegistryBundle) []TypeID {
	seen := make(map[TypeID]bool)
	var out []TypeID
	for _, d := range bundle.Descriptors {
		if !seen[d.TypeID] {
			seen[d.TypeID] = true
			out = append(out, d.TypeID)
		}
	}
	return out
}

func bundleEquals(existing bundleRecord, bundle RegistryBundle, enums map[string]map[uint32]string) bool {
	return reflect.DeepEqual(existing.Descriptors, bundle.Descriptors) && reflect.DeepEqual(existing.Enums, enums)
}

// validateBundle enforces the four ingest rules against cur plus the rest
// of the incoming bundle (so multiple versions of the same type_id may
// arrive together, each checked against what came before it in the
// bundle as well as what is already stored).
func validateBundle(cur *registrySnapshot, bundle RegistryBundle, enums map[string]map[uint32]string) error {
	working := cur.clone()
	for e, vals := range enums {
		working.enums[e] = vals
	}

	for _, d := range bundle.Descriptors {
		if prevMax, ok := working.latest[d.TypeID]; ok && d.Version < prevMax {
			return NewStoreError(ErrConflict, "type_version must be monotonic",
				fmt.Sprintf("%s: got %d, max is %d", d.TypeID, d.Version, prevMax))
		}
		if _, ok := working.descriptors[d.TypeID][d.Version]; ok {
			return NewStoreError(ErrConflict, "type_version already exists with different content",
				fmt.Sprintf("%s v%d", d.TypeID, d.Version))
		}

		seenTags := make(map[uint32]bool)
		shapes := working.tagShapes[d.TypeID]
		for _, f := range d.Fields {
			if seenTags[f.Tag] {
				return NewStoreError(ErrConflict, "duplicate field tag within type_version",
					fmt.Sprintf("%s v%d tag %d", d.TypeID, d.Version, f.Tag))
			}
			seenTags[f.Tag] = true

			if prior, ok := shapes[f.Tag]; ok {
				if prior.Kind != f.Kind || prior.Optional != f.Optional {
					return NewStoreError(ErrConflict, "field tag reused with incompatible type or optionality",
						fmt.Sprintf("%s tag %d: had %+v, now %+v", d.TypeID, f.Tag, prior, tagShape{f.Kind, f.Optional}))
				}
			}

			if enumName, ok := enumRefName(f.Kind); ok {
				if _, ok := working.enums[enumName]; !ok {
					return NewStoreError(ErrConflict, "enum_ref does not resolve",
						fmt.Sprintf("%s tag %d -> enum %s", d.TypeID, f.Tag, enumName))
				}
			}
		}

		applyDescriptor(working, d)
	}
	return nil
}

func enumRefName(kind string) (string, bool) {
	const prefix = "enum:"
	if len(kind) > len(prefix) && kind[:len(prefix)] == prefix {
		return kind[len(prefix):], true
	}
	return "", false
}

// GetType returns the descriptor for (type_id, type_version), or false if
// unknown. Lock-free: reads the current snapshot pointer.
func (r *Registry) GetType(id TypeID, version TypeVersion) (TypeDescriptor, bool) {
	snap := r.snap.Load()
	vs, ok := snap.descriptors[id]
	if !ok {
		return TypeDescriptor{}, false
	}
	d, ok := vs[version]
	return d, ok
}

// GetBundle returns the descriptors and enum tables last stored under
// bundleID, or false if that bundle_id was never ingested. Lock-free:
// reads the current snapshot pointer.
func (r *Registry) GetBundle(bundleID string) (RegistryBundle, map[string]map[uint32]string, bool) {
	snap := r.snap.Load()
	rec, ok := snap.bundles[bundleID]
	if !ok {
		return RegistryBundle{}, nil, false
	}
	return RegistryBundle{Descriptors: rec.Descriptors}, rec.Enums, true
}

// LatestVersion returns the highest known type_version for id.
func (r *Registry) LatestVersion(id TypeID) (TypeVersion, bool) {
	snap := r.snap.Load()
	v, ok := snap.latest[id]
	return v, ok
}

// Close releases the underlying bbolt database.
func (r *Registry) Close() error {
	return r.db.Close()
}
