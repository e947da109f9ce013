// Package index implements the durable per-folder mapping from path hash
// to the latest known SignedMeta, plus the chunk-presence bitmap used to
// decide when a Meta is complete enough for the assembler to reify. It is
// backed by an embedded bbolt database rather than the teacher's
// in-memory PeerStore/config.go maps, since this state must survive a
// restart bit-exact (scenario: "restart durability").
package index

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"librevault-go/internal/lverrors"
	"librevault-go/internal/meta"
)

var (
	bucketMeta  = []byte("meta")  // path_hash -> row(signed_meta, bitmap, revision_seen_at, crc32)
	bucketDedup = []byte("dedup") // pt_hash_hmac -> ct_hash || iv
)

// dedupValueLen is the width of a bucketDedup value: a chunk's ct_hash
// followed by the iv its ciphertext was sealed under. The iv must travel
// with ct_hash, not just size/hash, since a deduped FileChunk still needs
// the exact nonce the stored ciphertext was encrypted under to decrypt.
const dedupValueLen = 32 + 24

// Entry is the decoded, user-facing view of one Index row.
type Entry struct {
	SignedMeta     meta.SignedMeta
	Meta           meta.Meta
	Bitmap         []bool
	RevisionSeenAt uint64
}

// Complete reports whether every chunk of a File entry is present, or
// whether the entry is a kind that is trivially complete.
func (e Entry) Complete() bool {
	if e.Meta.Kind != meta.KindFile {
		return true
	}
	for _, present := range e.Bitmap {
		if !present {
			return false
		}
	}
	return true
}

// Event describes one change delivered to a Subscribe() channel.
type Event struct {
	PathHash     [32]byte
	NewMeta      bool
	BitmapChange bool
}

// Index is a durable, single-writer key-value store for one folder.
type Index struct {
	db   *bbolt.DB
	log  *zap.SugaredLogger
	ver  meta.Verifier
	seen uint64 // monotonically-increasing RevisionSeenAt stamp, protected by mu

	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// Open opens (creating if necessary) the index database at path. ver
// verifies every Meta's signature before it is accepted by Upsert,
// enforcing the "every stored entry verifies under the folder's known
// public key" invariant at the single choke point all writes pass
// through.
func Open(path string, ver meta.Verifier, log *zap.SugaredLogger) (*Index, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("index: open: %w: %w", err, lverrors.ErrIoFailure)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketDedup)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("index: create buckets: %w: %w", err, lverrors.ErrIoFailure)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := verifyAllChecksums(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Index{db: db, log: log.Named("index"), ver: ver, subs: map[chan Event]struct{}{}}, nil
}

// Close releases the underlying database file.
func (ix *Index) Close() error {
	return ix.db.Close()
}

func verifyAllChecksums(db *bbolt.DB) error {
	return db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		return b.ForEach(func(k, v []byte) error {
			_, err := decodeRow(v)
			return err
		})
	})
}

// Upsert atomically replaces the stored entry for the Meta encoded in sm
// iff the new revision is strictly greater, or equal with a
// lexicographically greater signature (deterministic tiebreak). Returns
// ErrStale otherwise. sm's signature must verify, or ErrSignatureInvalid
// is returned and nothing is written.
func (ix *Index) Upsert(sm meta.SignedMeta) error {
	m, err := meta.Verify(sm, ix.ver)
	if err != nil {
		return err
	}

	var changed Event
	changed.PathHash = m.PathHash

	err = ix.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		key := m.PathHash[:]
		existing := b.Get(key)
		if existing != nil {
			row, err := decodeRow(existing)
			if err != nil {
				return err
			}
			if !supersedes(m.Revision, sm.Signature, row.meta.Revision, row.sig) {
				return lverrors.ErrStale
			}
		}

		bitmap := make([]bool, len(m.Chunks))
		if existing != nil {
			old, _ := decodeRow(existing)
			// carry forward presence for identical ct_hash at the same index,
			// so re-signing an unchanged chunk list doesn't lose local state
			for i := range bitmap {
				if i < len(old.bitmap) && i < len(old.meta.Chunks) &&
					old.meta.Chunks[i].CtHash == m.Chunks[i].CtHash {
					bitmap[i] = old.bitmap[i]
				}
			}
		}

		ix.seen++
		row := row{meta: m, sig: sm.Signature, metaBytes: sm.MetaBytes, bitmap: bitmap, revisionSeenAt: ix.seen}
		if err := b.Put(key, encodeRow(row)); err != nil {
			return err
		}

		if m.Kind == meta.KindFile {
			for _, c := range m.Chunks {
				var v [dedupValueLen]byte
				copy(v[:32], c.CtHash[:])
				copy(v[32:], c.IV[:])
				if err := tx.Bucket(bucketDedup).Put(c.PtHashHMAC[:], v[:]); err != nil {
					return err
				}
			}
		}
		changed.NewMeta = true
		return nil
	})
	if err != nil {
		return wrapDBErr(err)
	}
	ix.publish(changed)
	return nil
}

// Get returns the current entry for pathHash, or ErrNotFound.
func (ix *Index) Get(pathHash [32]byte) (Entry, error) {
	var e Entry
	err := ix.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(pathHash[:])
		if v == nil {
			return lverrors.ErrNotFound
		}
		row, err := decodeRow(v)
		if err != nil {
			return err
		}
		e = entryFromRow(row)
		return nil
	})
	if err != nil {
		return Entry{}, wrapDBErr(err)
	}
	return e, nil
}

// IterAll returns every entry currently stored, in path_hash key order.
func (ix *Index) IterAll() ([]Entry, error) {
	var out []Entry
	err := ix.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(k, v []byte) error {
			row, err := decodeRow(v)
			if err != nil {
				return err
			}
			out = append(out, entryFromRow(row))
			return nil
		})
	})
	if err != nil {
		return nil, wrapDBErr(err)
	}
	return out, nil
}

// FindByPlaintextHash looks up a previously-seen chunk by its
// pt_hash_hmac, for the Scanner's dedup path (spec.md §4.6 step 3). It
// returns both the ct_hash and the iv the matching ciphertext was
// originally sealed under — a deduped FileChunk must carry the real iv,
// not a fresh or zero one, since the Chunk Store already holds the
// ciphertext encrypted under it. The bool is false if no chunk with that
// plaintext hash has ever been indexed.
func (ix *Index) FindByPlaintextHash(ptHashHMAC [32]byte) (ctHash [32]byte, iv [24]byte, ok bool, err error) {
	err = ix.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketDedup).Get(ptHashHMAC[:])
		if v == nil || len(v) != dedupValueLen {
			return nil
		}
		copy(ctHash[:], v[:32])
		copy(iv[:], v[32:])
		ok = true
		return nil
	})
	if err != nil {
		return ctHash, iv, false, wrapDBErr(err)
	}
	return ctHash, iv, ok, nil
}

// SetChunkPresent records whether chunk i of pathHash's current Meta is
// present in the Chunk Store.
func (ix *Index) SetChunkPresent(pathHash [32]byte, i int, present bool) error {
	var changed Event
	changed.PathHash = pathHash

	err := ix.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		v := b.Get(pathHash[:])
		if v == nil {
			return lverrors.ErrNotFound
		}
		row, err := decodeRow(v)
		if err != nil {
			return err
		}
		if i < 0 || i >= len(row.bitmap) {
			return fmt.Errorf("index: chunk index %d out of range", i)
		}
		row.bitmap[i] = present
		ix.seen++
		row.revisionSeenAt = ix.seen
		changed.BitmapChange = true
		return b.Put(pathHash[:], encodeRow(row))
	})
	if err != nil {
		return wrapDBErr(err)
	}
	ix.publish(changed)
	return nil
}

// Bitmap returns the chunk-presence bitmap for pathHash's current Meta.
func (ix *Index) Bitmap(pathHash [32]byte) ([]bool, error) {
	e, err := ix.Get(pathHash)
	if err != nil {
		return nil, err
	}
	return e.Bitmap, nil
}

// Subscribe returns a channel of coalesced change events: a subscriber
// that falls behind observes the latest pending event for a path, not
// every intermediate one, since the channel is replaced-not-queued when
// full.
func (ix *Index) Subscribe() (ch <-chan Event, cancel func()) {
	c := make(chan Event, 1)
	ix.mu.Lock()
	ix.subs[c] = struct{}{}
	ix.mu.Unlock()
	return c, func() {
		ix.mu.Lock()
		delete(ix.subs, c)
		ix.mu.Unlock()
	}
}

func (ix *Index) publish(e Event) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for c := range ix.subs {
		select {
		case c <- e:
		default:
			// drain the stale pending event and replace it with the latest
			select {
			case <-c:
			default:
			}
			select {
			case c <- e:
			default:
			}
		}
	}
}

// supersedes reports whether (newRev, newSig) should replace (oldRev, oldSig)
// per spec.md §4.4's "strictly greater, or equal with lexicographically
// greater signature" tiebreak rule.
func supersedes(newRev uint64, newSig []byte, oldRev uint64, oldSig []byte) bool {
	if newRev != oldRev {
		return newRev > oldRev
	}
	return bytes.Compare(newSig, oldSig) > 0
}

func wrapDBErr(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{lverrors.ErrStale, lverrors.ErrNotFound, lverrors.ErrCorrupted, lverrors.ErrSignatureInvalid} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return lverrors.WrapFatalIO(fmt.Errorf("index: %w", err))
}

// row is the in-memory decoded form of one bucketMeta value.
type row struct {
	meta           meta.Meta
	sig            []byte
	metaBytes      []byte
	bitmap         []bool
	revisionSeenAt uint64
}

func entryFromRow(r row) Entry {
	return Entry{
		SignedMeta:     meta.SignedMeta{MetaBytes: r.metaBytes, Signature: r.sig},
		Meta:           r.meta,
		Bitmap:         r.bitmap,
		RevisionSeenAt: r.revisionSeenAt,
	}
}

// encodeRow lays out: u32 metaBytesLen, metaBytes, u32 sigLen, sig,
// u32 bitmapLen, bitmap (1 byte/bit), u64 revisionSeenAt, u32 crc32 of
// everything preceding it. bbolt gives us ACID transactions but no
// row-level integrity check of its own, so Corrupted is detected here.
func encodeRow(r row) []byte {
	var buf bytes.Buffer
	putBytes(&buf, r.metaBytes)
	putBytes(&buf, r.sig)
	bitmapBytes := make([]byte, len(r.bitmap))
	for i, p := range r.bitmap {
		if p {
			bitmapBytes[i] = 1
		}
	}
	putBytes(&buf, bitmapBytes)
	var rev [8]byte
	binary.LittleEndian.PutUint64(rev[:], r.revisionSeenAt)
	buf.Write(rev[:])

	sum := crc32.ChecksumIEEE(buf.Bytes())
	var sumB [4]byte
	binary.LittleEndian.PutUint32(sumB[:], sum)
	buf.Write(sumB[:])
	return buf.Bytes()
}

func decodeRow(b []byte) (row, error) {
	if len(b) < 4 {
		return row{}, fmt.Errorf("index: row too short: %w", lverrors.ErrCorrupted)
	}
	body, wantSum := b[:len(b)-4], binary.LittleEndian.Uint32(b[len(b)-4:])
	if crc32.ChecksumIEEE(body) != wantSum {
		return row{}, fmt.Errorf("index: checksum mismatch: %w", lverrors.ErrCorrupted)
	}

	r := bytes.NewReader(body)
	metaBytes, err := getBytes(r)
	if err != nil {
		return row{}, corrupted(err)
	}
	sig, err := getBytes(r)
	if err != nil {
		return row{}, corrupted(err)
	}
	bitmapBytes, err := getBytes(r)
	if err != nil {
		return row{}, corrupted(err)
	}
	var revB [8]byte
	if _, err := io.ReadFull(r, revB[:]); err != nil {
		return row{}, corrupted(fmt.Errorf("truncated revision field: %w", err))
	}
	revisionSeenAt := binary.LittleEndian.Uint64(revB[:])

	m, err := meta.Decode(metaBytes)
	if err != nil {
		return row{}, corrupted(err)
	}
	bitmap := make([]bool, len(bitmapBytes))
	for i, v := range bitmapBytes {
		bitmap[i] = v != 0
	}
	return row{meta: m, sig: sig, metaBytes: metaBytes, bitmap: bitmap, revisionSeenAt: revisionSeenAt}, nil
}

func corrupted(err error) error {
	return fmt.Errorf("index: %w: %w", err, lverrors.ErrCorrupted)
}

func putBytes(buf *bytes.Buffer, b []byte) {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(b)))
	buf.Write(l[:])
	buf.Write(b)
}

func getBytes(r *bytes.Reader) ([]byte, error) {
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(l[:])
	if int(n) > r.Len() {
		return nil, fmt.Errorf("length prefix %d exceeds remaining %d bytes", n, r.Len())
	}
	out := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}
