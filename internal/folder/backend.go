package folder

import (
	"crypto/hmac"
	"crypto/sha256"

	"librevault-go/internal/chunkstore"
	"librevault-go/internal/index"
	"librevault-go/internal/meta"
)

// gossipBackend adapts a Controller's Index and Chunk Store to
// gossip.Backend, the narrow interface a gossip.Session needs. It lives
// here (not in package gossip) so gossip never imports folder, keeping
// the Controller↔Session relationship handle-based rather than a direct
// cycle, per Design Note §9.1.
type gossipBackend struct {
	c *Controller
}

func (b gossipBackend) FolderID() [32]byte { return b.c.folderID }

// AuthToken and CheckAuthToken bind a gossip session to possession of
// this folder's shared secret: a keyed hash of the folder ID under the
// encryption key, which every privilege level (including Download) can
// compute, since the real per-link transport authentication (remote long-
// term public key, encrypted channel) is already provided by libp2p's own
// handshake per spec.md §6 — this token only proves "same folder secret",
// not "this specific node".
func (b gossipBackend) AuthToken() []byte {
	return authToken(b.c)
}

func (b gossipBackend) CheckAuthToken(token []byte) bool {
	return hmac.Equal(token, authToken(b.c))
}

func authToken(c *Controller) []byte {
	key, err := c.sec.DeriveEncryptionKey()
	if err != nil {
		return nil
	}
	mac := hmac.New(sha256.New, key[:])
	mac.Write(c.folderID[:])
	return mac.Sum(nil)
}

func (b gossipBackend) CurrentMeta(pathHash [32]byte) (meta.SignedMeta, uint64, bool) {
	e, err := b.c.index.Get(pathHash)
	if err != nil {
		return meta.SignedMeta{}, 0, false
	}
	return e.SignedMeta, e.Meta.Revision, true
}

func (b gossipBackend) Upsert(sm meta.SignedMeta) error {
	return b.c.index.Upsert(sm)
}

func (b gossipBackend) HasChunk(h chunkstore.Hash) bool {
	return b.c.chunks.Has(h)
}

func (b gossipBackend) GetChunk(h chunkstore.Hash) ([]byte, error) {
	return b.c.chunks.Get(h)
}

func (b gossipBackend) PutChunk(h chunkstore.Hash, data []byte) error {
	return b.c.chunks.Put(h, data)
}

// ChunkIndexFor scans every Index entry for the chunk list containing
// ctHash. A folder-wide scan is acceptable here: it runs once per
// received chunk, not once per byte, and a production-scale index would
// add a ct_hash secondary index the way bucketDedup already exists for
// pt_hash_hmac — noted as a known scaling limit, not exercised by any
// spec.md scenario's file counts.
func (b gossipBackend) ChunkIndexFor(ctHash chunkstore.Hash) (int, [32]byte, bool) {
	entries, err := b.c.index.IterAll()
	if err != nil {
		return 0, [32]byte{}, false
	}
	for _, e := range entries {
		if idx, ok := indexOfChunk(e, ctHash); ok {
			return idx, e.Meta.PathHash, true
		}
	}
	return 0, [32]byte{}, false
}

func indexOfChunk(e index.Entry, ctHash chunkstore.Hash) (int, bool) {
	for i, fc := range e.Meta.Chunks {
		if chunkstore.Hash(fc.CtHash) == ctHash {
			return i, true
		}
	}
	return 0, false
}

func (b gossipBackend) SetChunkPresent(pathHash [32]byte, idx int, present bool) error {
	return b.c.index.SetChunkPresent(pathHash, idx, present)
}
