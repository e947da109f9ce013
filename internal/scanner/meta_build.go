package scanner

import (
	"errors"
	"fmt"
	"os"

	"librevault-go/internal/lverrors"
	"librevault-go/internal/meta"
)

// buildMeta produces the Meta describing the current on-disk state of
// rel, including (for a File) chunking, per-chunk dedup lookup,
// encryption, and hashing — step 3 of spec.md §4.6's per-path pipeline.
func (s *Scanner) buildMeta(pathHash [32]byte, rel, absPath string, fi os.FileInfo) (meta.Meta, error) {
	key, err := s.sec.DeriveEncryptionKey()
	if err != nil {
		return meta.Meta{}, err
	}
	pathCT, err := encryptPath(key, rel)
	if err != nil {
		return meta.Meta{}, err
	}

	m := meta.Meta{
		PathHash: pathHash,
		PathCT:   pathCT,
		Revision: nowMicros(),
		Mtime:    uint64(fi.ModTime().UnixMicro()),
	}

	if s.cfg.PreserveUnixAttrib {
		m.HasUnixAttrib = true
		m.UnixAttrib = uint32(fi.Mode().Perm())
	}

	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		if !s.cfg.PreserveSymlinks {
			m.Kind = meta.KindFile
			return m, fmt.Errorf("scanner: symlink %q encountered with symlinks disabled", rel)
		}
		target, err := os.Readlink(absPath)
		if err != nil {
			return meta.Meta{}, err
		}
		targetCT, err := encryptPath(key, target)
		if err != nil {
			return meta.Meta{}, err
		}
		m.Kind = meta.KindSymlink
		m.SymlinkTargetCT = targetCT
		return m, nil
	case fi.IsDir():
		m.Kind = meta.KindDirectory
		return m, nil
	default:
		m.Kind = meta.KindFile
		m.StrongHashType = s.cfg.ChunkStrongHashType
		chunks, err := s.buildChunks(key, absPath)
		if err != nil {
			return meta.Meta{}, err
		}
		m.Chunks = chunks
		return m, nil
	}
}

// buildChunks reads absPath's full contents, splits it at content-defined
// boundaries, and for each chunk either reuses a previously-seen
// ciphertext (dedup via the Index's pt_hash_hmac secondary index) or
// encrypts and stores a new one.
func (s *Scanner) buildChunks(key [32]byte, absPath string) ([]meta.FileChunk, error) {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	bounds := chunkBoundaries(data)
	chunks := make([]meta.FileChunk, 0, len(bounds))
	start := 0
	for _, end := range bounds {
		plain := data[start:end]
		start = end

		fc := meta.FileChunk{
			Size:       uint64(len(plain)),
			PtHashHMAC: ptHashHMAC(key, plain),
		}

		if ctHash, iv, ok, err := s.index.FindByPlaintextHash(fc.PtHashHMAC); err != nil {
			return nil, err
		} else if ok && s.chunks.Has(chunkstoreHash(ctHash)) {
			fc.CtHash = ctHash
			fc.IV = iv
			chunks = append(chunks, fc)
			continue
		}

		iv, err := randomIV()
		if err != nil {
			return nil, err
		}
		ct, err := sealChunk(key, iv, plain)
		if err != nil {
			return nil, err
		}
		ctHash := strongHash(s.cfg.ChunkStrongHashType, ct)
		if err := s.chunks.Put(chunkstoreHash(ctHash), ct); err != nil {
			return nil, err
		}
		fc.CtHash = ctHash
		fc.IV = iv
		chunks = append(chunks, fc)
	}
	return chunks, nil
}

// verifyAgainstIndex recomputes a File's chunk hashes and compares them
// against the currently-stored Index entry, for a ReadOnly Scanner's
// verify-only mode (spec.md §4.6): it never signs or upserts, only flags
// mismatches by logging a warning; the returned error reports Index
// lookup failures, not a mismatch.
func (s *Scanner) verifyAgainstIndex(pathHash [32]byte, m meta.Meta) error {
	existing, err := s.index.Get(pathHash)
	if errors.Is(err, lverrors.ErrNotFound) {
		return nil // nothing to verify against yet
	}
	if err != nil {
		return err
	}
	if !chunksMatch(existing.Meta, m) {
		s.log.Warnw("local content diverges from index", "kind", m.Kind)
	}
	return nil
}

func chunksMatch(a, b meta.Meta) bool {
	if a.Kind != b.Kind {
		return false
	}
	if len(a.Chunks) != len(b.Chunks) {
		return false
	}
	for i := range a.Chunks {
		if a.Chunks[i].PtHashHMAC != b.Chunks[i].PtHashHMAC {
			return false
		}
	}
	return true
}
