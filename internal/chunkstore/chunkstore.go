// Package chunkstore implements the content-addressable store of
// encrypted chunk blobs keyed by strong hash. It generalizes the
// teacher's per-manifest chunk-part storage (file_transfer.go's
// storeChunk/tryAssemble, which already writes numbered parts under a
// directory and reads them back) into spec.md's two-level
// hash-prefix-directory layout with atomic temp-then-rename writes, and
// keeps no in-memory authoritative index: truth lives entirely on disk.
package chunkstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"librevault-go/internal/lverrors"
)

// Hash is a strong hash identifying a chunk's encrypted bytes.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Store is a directory-backed chunk store. One Store serves one folder's
// chunks, rooted at <system_path>/chunks.
type Store struct {
	root     string
	log      *zap.SugaredLogger
	hashFunc func([]byte) Hash
}

// Open prepares (creating if necessary) a Store rooted at root. The
// store verifies and content-addresses chunks with SHA-256 until a
// caller overrides that via SetHashFunc — the scanner does so at
// construction time, selecting the hash family a folder is configured
// for (chunk_strong_hash_type).
func Open(root string, log *zap.SugaredLogger) (*Store, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("chunkstore: mkdir root: %w: %w", err, lverrors.ErrIoFailure)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{
		root:     root,
		log:      log.Named("chunkstore"),
		hashFunc: func(b []byte) Hash { return Hash(sha256.Sum256(b)) },
	}, nil
}

// SetHashFunc overrides the strong-hash family Put/Verify content-address
// chunks with. A nil f is a no-op, so callers that don't care about the
// hash family can omit the call.
func (s *Store) SetHashFunc(f func([]byte) Hash) {
	if f != nil {
		s.hashFunc = f
	}
}

// pathFor returns the two-level directory path for h: the first two hex
// characters select a shard directory, avoiding a single directory with
// millions of entries.
func (s *Store) pathFor(h Hash) string {
	hex := h.String()
	return filepath.Join(s.root, hex[:2], hex)
}

// Put stores b under h, verifying that the configured strong hash of b
// equals h first. Put is idempotent: storing the same bytes under the
// same hash twice succeeds silently and is safe under concurrent callers
// racing to insert the same chunk (the Chunk Store tolerates concurrent
// put of the same ct_hash).
func (s *Store) Put(h Hash, b []byte) error {
	if s.hashFunc(b) != h {
		return fmt.Errorf("chunkstore: put %s: %w", h, lverrors.ErrHashMismatch)
	}

	dst := s.pathFor(h)
	if _, err := os.Stat(dst); err == nil {
		return nil // already present; immutable, so nothing to do
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("chunkstore: mkdir shard: %w: %w", err, lverrors.ErrIoFailure)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("chunkstore: create temp: %w: %w", err, lverrors.ErrIoFailure)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("chunkstore: write temp: %w: %w", err, lverrors.ErrIoFailure)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("chunkstore: sync temp: %w: %w", err, lverrors.ErrIoFailure)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("chunkstore: close temp: %w: %w", err, lverrors.ErrIoFailure)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("chunkstore: rename into place: %w: %w", err, lverrors.ErrIoFailure)
	}
	s.log.Debugw("chunk stored", "hash", h.String(), "bytes", len(b))
	return nil
}

// Get returns the bytes stored under h, or ErrNotFound.
func (s *Store) Get(h Hash) ([]byte, error) {
	b, err := os.ReadFile(s.pathFor(h))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("chunkstore: get %s: %w", h, lverrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("chunkstore: get %s: %w: %w", h, err, lverrors.ErrIoFailure)
	}
	return b, nil
}

// Has reports whether h is present locally.
func (s *Store) Has(h Hash) bool {
	_, err := os.Stat(s.pathFor(h))
	return err == nil
}

// Remove deletes the blob stored under h. Per spec.md, callers must hold
// the Index's GC lease before calling this; the Store itself does not
// enforce that (it has no authoritative index to check against).
func (s *Store) Remove(h Hash) error {
	err := os.Remove(s.pathFor(h))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("chunkstore: remove %s: %w: %w", h, err, lverrors.ErrIoFailure)
	}
	return nil
}

// Iter returns a restartable snapshot of every ct_hash currently present.
// It walks the directory tree once at call time; chunks inserted after the
// walk completes are not guaranteed to be visible in the same snapshot.
func (s *Store) Iter() ([]Hash, error) {
	var out []Hash
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("chunkstore: iter: %w: %w", err, lverrors.ErrIoFailure)
	}
	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(s.root, shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			return nil, fmt.Errorf("chunkstore: iter shard %s: %w: %w", shard.Name(), err, lverrors.ErrIoFailure)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			raw, err := hex.DecodeString(f.Name())
			if err != nil || len(raw) != 32 {
				continue // stray/temp file; skip
			}
			var h Hash
			copy(h[:], raw)
			out = append(out, h)
		}
	}
	return out, nil
}

// Verify re-reads the chunk stored under h and confirms its hash still
// matches, surfacing bit-rot or external tampering as ErrCorrupted.
func (s *Store) Verify(h Hash) error {
	b, err := s.Get(h)
	if err != nil {
		return err
	}
	if s.hashFunc(b) != h {
		return fmt.Errorf("chunkstore: verify %s: %w", h, lverrors.ErrCorrupted)
	}
	return nil
}
