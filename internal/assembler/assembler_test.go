package assembler

import (
	"crypto/rand"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"

	"librevault-go/internal/chunkstore"
	"librevault-go/internal/index"
	"librevault-go/internal/meta"
	"librevault-go/internal/secret"
)

// encryptTestPath/sealTestChunk/sha256SumTest are the encrypting halves of
// the Assembler's decryptPath/openChunk, needed only to build fixtures here
// (the Assembler itself never encrypts — it only consumes what the scanner
// produced).
func encryptTestPath(key [32]byte, plaintext string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, []byte(plaintext), nil)
	return append(nonce, ct...), nil
}

func sealTestChunk(t *testing.T, key [32]byte, plaintext []byte) ([24]byte, []byte) {
	t.Helper()
	var iv [24]byte
	_, err := rand.Read(iv[:])
	require.NoError(t, err)
	aead, err := chacha20poly1305.NewX(key[:])
	require.NoError(t, err)
	return iv, aead.Seal(nil, iv[:], plaintext, nil)
}

func sha256SumTest(b []byte) [32]byte { return sha256.Sum256(b) }

type fixture struct {
	a      *Assembler
	root   string
	sec    secret.Secret
	index  *index.Index
	chunks *chunkstore.Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	owner, err := secret.NewOwner()
	require.NoError(t, err)

	ix, err := index.Open(filepath.Join(t.TempDir(), "index.db"), owner, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })

	cs, err := chunkstore.Open(filepath.Join(t.TempDir(), "chunks"), nil)
	require.NoError(t, err)

	root := t.TempDir()
	return fixture{
		a:      New(root, owner, ix, cs, nil),
		root:   root,
		sec:    owner,
		index:  ix,
		chunks: cs,
	}
}

// putFileMeta builds, signs, and upserts a complete one-chunk File Meta for
// rel, storing its ciphertext in the fixture's Chunk Store, and returns the
// path_hash key it was stored under.
func (f fixture) putFileMeta(t *testing.T, rel string, plaintext []byte, revision uint64) [32]byte {
	t.Helper()
	key, err := f.sec.DeriveEncryptionKey()
	require.NoError(t, err)

	pathCT, err := encryptTestPath(key, rel)
	require.NoError(t, err)

	ph, err := f.sec.HashPath(rel, true)
	require.NoError(t, err)
	pathHash := [32]byte(ph)

	iv, ct := sealTestChunk(t, key, plaintext)
	ctHash := sha256SumTest(ct)
	require.NoError(t, f.chunks.Put(chunkstore.Hash(ctHash), ct))

	m := meta.Meta{
		PathHash: pathHash,
		PathCT:   pathCT,
		Kind:     meta.KindFile,
		Revision: revision,
		Mtime:    revision,
		Chunks: []meta.FileChunk{{
			CtHash:     ctHash,
			Size:       uint64(len(plaintext)),
			IV:         iv,
			PtHashHMAC: ptHashHMACLocal(key, plaintext),
		}},
	}
	sm, err := meta.Sign(m, f.sec)
	require.NoError(t, err)
	require.NoError(t, f.index.Upsert(sm))
	require.NoError(t, f.index.SetChunkPresent(pathHash, 0, true))
	return pathHash
}

func TestTryAssembleWritesFile(t *testing.T) {
	f := newFixture(t)
	pathHash := f.putFileMeta(t, "hello.txt", []byte("hello world"), 1000)

	require.NoError(t, f.a.TryAssemble(pathHash))

	got, err := os.ReadFile(filepath.Join(f.root, "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
}

func TestTryAssembleIsIdempotent(t *testing.T) {
	f := newFixture(t)
	pathHash := f.putFileMeta(t, "hello.txt", []byte("hello world"), 1000)

	require.NoError(t, f.a.TryAssemble(pathHash))
	require.NoError(t, f.a.TryAssemble(pathHash))

	got, err := os.ReadFile(filepath.Join(f.root, "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
}

func TestTryAssembleSkipsIncompleteEntry(t *testing.T) {
	f := newFixture(t)
	key, err := f.sec.DeriveEncryptionKey()
	require.NoError(t, err)
	pathCT, err := encryptTestPath(key, "partial.txt")
	require.NoError(t, err)
	ph, err := f.sec.HashPath("partial.txt", true)
	require.NoError(t, err)
	pathHash := [32]byte(ph)

	iv, ct := sealTestChunk(t, key, []byte("partial"))
	ctHash := sha256SumTest(ct)
	// Intentionally do not store the chunk, so the entry is incomplete.

	m := meta.Meta{
		PathHash: pathHash,
		PathCT:   pathCT,
		Kind:     meta.KindFile,
		Revision: 1,
		Chunks: []meta.FileChunk{{
			CtHash:     ctHash,
			Size:       7,
			IV:         iv,
			PtHashHMAC: ptHashHMACLocal(key, []byte("partial")),
		}},
	}
	sm, err := meta.Sign(m, f.sec)
	require.NoError(t, err)
	require.NoError(t, f.index.Upsert(sm))

	require.NoError(t, f.a.TryAssemble(pathHash))
	_, err = os.Stat(filepath.Join(f.root, "partial.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestTryAssembleDirectory(t *testing.T) {
	f := newFixture(t)
	key, err := f.sec.DeriveEncryptionKey()
	require.NoError(t, err)
	pathCT, err := encryptTestPath(key, "sub/dir")
	require.NoError(t, err)
	ph, err := f.sec.HashPath("sub/dir", true)
	require.NoError(t, err)
	pathHash := [32]byte(ph)

	m := meta.Meta{PathHash: pathHash, PathCT: pathCT, Kind: meta.KindDirectory, Revision: 1}
	sm, err := meta.Sign(m, f.sec)
	require.NoError(t, err)
	require.NoError(t, f.index.Upsert(sm))

	require.NoError(t, f.a.TryAssemble(pathHash))
	fi, err := os.Stat(filepath.Join(f.root, "sub", "dir"))
	require.NoError(t, err)
	require.True(t, fi.IsDir())
}

func TestTryAssembleDeletedRemovesFile(t *testing.T) {
	f := newFixture(t)
	pathHash := f.putFileMeta(t, "gone.txt", []byte("temp"), 1000)
	require.NoError(t, f.a.TryAssemble(pathHash))
	require.FileExists(t, filepath.Join(f.root, "gone.txt"))

	key, err := f.sec.DeriveEncryptionKey()
	require.NoError(t, err)
	pathCT, err := encryptTestPath(key, "gone.txt")
	require.NoError(t, err)
	m := meta.Meta{PathHash: pathHash, PathCT: pathCT, Kind: meta.KindDeleted, Revision: 2000}
	sm, err := meta.Sign(m, f.sec)
	require.NoError(t, err)
	require.NoError(t, f.index.Upsert(sm))

	require.NoError(t, f.a.TryAssemble(pathHash))
	_, err = os.Stat(filepath.Join(f.root, "gone.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestTryAssembleRenamesLocalDivergenceAsConflict(t *testing.T) {
	f := newFixture(t)
	pathHash := f.putFileMeta(t, "shared.txt", []byte("version one"), 1000)
	require.NoError(t, f.a.TryAssemble(pathHash))

	// Simulate a local edit racing the next remote revision: touch the file
	// with content the Assembler never wrote, so its mark no longer matches.
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "shared.txt"), []byte("local edit, different length"), 0o644))

	key, err := f.sec.DeriveEncryptionKey()
	require.NoError(t, err)
	pathCT, err := encryptTestPath(key, "shared.txt")
	require.NoError(t, err)
	iv, ct := sealTestChunk(t, key, []byte("version two"))
	ctHash := sha256SumTest(ct)
	require.NoError(t, f.chunks.Put(chunkstore.Hash(ctHash), ct))
	m := meta.Meta{
		PathHash: pathHash,
		PathCT:   pathCT,
		Kind:     meta.KindFile,
		Revision: 2000,
		Mtime:    2000,
		Chunks: []meta.FileChunk{{
			CtHash:     ctHash,
			Size:       uint64(len("version two")),
			IV:         iv,
			PtHashHMAC: ptHashHMACLocal(key, []byte("version two")),
		}},
	}
	sm, err := meta.Sign(m, f.sec)
	require.NoError(t, err)
	require.NoError(t, f.index.Upsert(sm))
	require.NoError(t, f.index.SetChunkPresent(pathHash, 0, true))

	require.NoError(t, f.a.TryAssemble(pathHash))

	require.FileExists(t, filepath.Join(f.root, "shared.txt.sync-conflict.2000"))
	conflictContent, err := os.ReadFile(filepath.Join(f.root, "shared.txt.sync-conflict.2000"))
	require.NoError(t, err)
	require.Equal(t, "local edit, different length", string(conflictContent))

	winner, err := os.ReadFile(filepath.Join(f.root, "shared.txt"))
	require.NoError(t, err)
	require.Equal(t, "version two", string(winner))
}
