package core

import (
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
)

// Store bundles the Blob CAS, Turn store and Registry that make up one
// cxdbd process's durable state, plus the exclusive lock guarding the data
// directory.
type Store struct {
	Blobs    *BlobCAS
	Turns    *TurnStore
	Registry *Registry

	dataDir string
	lock    *flock.Flock
}

// OpenStore takes an exclusive lock on dataDir (refusing to start a second
// process against the same directory), then opens the blob CAS, turn store
// and registry in turn, each performing its own crash-recovery scan as
// described in the write-up: truncate at the first CRC-invalid record and
// rebuild indices from what survives.
func OpenStore(dataDir string, headCacheSize int, log *logrus.Logger) (*Store, error) {
	lockPath := filepath.Join(dataDir, "cxdb.lock")
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, Wrap(err, "acquire data dir lock")
	}
	if !locked {
		return nil, NewStoreError(ErrConflict, "data directory is locked by another cxdbd process", dataDir)
	}

	blobs, err := OpenBlobCAS(filepath.Join(dataDir, "blobs"), log)
	if err != nil {
		fl.Unlock()
		return nil, err
	}
	turns, err := OpenTurnStore(filepath.Join(dataDir, "turns"), headCacheSize, log)
	if err != nil {
		blobs.Close()
		fl.Unlock()
		return nil, err
	}
	registry, err := OpenRegistry(filepath.Join(dataDir, "registry"), log)
	if err != nil {
		blobs.Close()
		turns.Close()
		fl.Unlock()
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"data_dir": dataDir,
	}).Info("cxdb store recovered and ready")

	return &Store{Blobs: blobs, Turns: turns, Registry: registry, dataDir: dataDir, lock: fl}, nil
}

// Close releases every open resource and the data directory lock.
func (s *Store) Close() error {
	_ = s.Registry.Close()
	_ = s.Turns.Close()
	_ = s.Blobs.Close()
	return s.lock.Unlock()
}

// NowUnixMS is a small seam so callers don't sprinkle time.Now() conversions
// throughout the write path.
func NowUnixMS() int64 {
	return time.Now().UnixMilli()
}
