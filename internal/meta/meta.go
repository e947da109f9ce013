// Package meta implements the canonical binary encoding of a filesystem
// object's metadata at one revision, and the signed wrapper exchanged
// between peers. The codec mirrors the canonicalize-then-sign shape the
// teacher uses for its FileManifest/FileChunk wire records (types.go's
// body() methods), generalized to a fixed-field binary format since the
// signed bytes here must be exactly byte-stable (JSON re-encoding is not).
package meta

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"librevault-go/internal/lverrors"
)

// Kind is the type of filesystem object a Meta describes.
type Kind byte

const (
	KindFile Kind = iota
	KindDirectory
	KindSymlink
	KindDeleted
)

// StrongHashType selects the hash family used for a File's ct_hash values.
type StrongHashType byte

const (
	StrongHashSHA256 StrongHashType = iota
	StrongHashSHA3_224
	StrongHashBLAKE3
)

// FileChunk describes one chunk of an encrypted file's contents.
type FileChunk struct {
	CtHash     [32]byte // strong hash of the encrypted blob; the Chunk Store key
	Size       uint64   // plaintext size of this chunk
	IV         [24]byte // per-chunk AEAD nonce (XChaCha20-Poly1305)
	PtHashHMAC [32]byte // keyed hash of the plaintext chunk
}

// Meta is one immutable record for one (path, revision).
type Meta struct {
	PathHash         [32]byte
	PathCT           []byte // encrypted cleartext path
	Kind             Kind
	Revision         uint64 // monotonic wall-clock microseconds
	HasWindowsAttrib bool
	WindowsAttrib    uint32
	HasUnixAttrib    bool
	UnixAttrib       uint32
	SymlinkTargetCT  []byte // present only for Kind == KindSymlink
	Mtime            uint64 // microseconds

	// File-only fields.
	StrongHashType StrongHashType
	Chunks         []FileChunk
}

// SignedMeta pairs canonical Meta bytes with a signature computed over
// them. ReadOnly and Download peers verify; only writers produce these.
type SignedMeta struct {
	MetaBytes []byte
	Signature []byte
}

// magic tags the start of every encoded Meta so that decode can fail fast
// on garbage rather than reading past the end of an unrelated buffer.
var magic = [4]byte{'L', 'V', 'M', '1'}

// Encode produces the canonical, deterministic binary encoding of m. Field
// order is fixed; integers are little-endian fixed-width; variable-length
// fields are length-prefixed with a uint32.
func Encode(m Meta) []byte {
	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.Write(m.PathHash[:])
	writeBytes(&buf, m.PathCT)
	buf.WriteByte(byte(m.Kind))
	writeU64(&buf, m.Revision)
	writeBool(&buf, m.HasWindowsAttrib)
	writeU32(&buf, m.WindowsAttrib)
	writeBool(&buf, m.HasUnixAttrib)
	writeU32(&buf, m.UnixAttrib)
	writeBytes(&buf, m.SymlinkTargetCT)
	writeU64(&buf, m.Mtime)

	buf.WriteByte(byte(m.StrongHashType))
	writeU32(&buf, uint32(len(m.Chunks)))
	for _, c := range m.Chunks {
		buf.Write(c.CtHash[:])
		writeU64(&buf, c.Size)
		buf.Write(c.IV[:])
		buf.Write(c.PtHashHMAC[:])
	}

	return buf.Bytes()
}

// Decode parses the canonical binary encoding produced by Encode. Any
// unknown trailing bytes fail with ErrMalformedMeta, as does any
// truncated or malformed field.
func Decode(b []byte) (Meta, error) {
	r := bytes.NewReader(b)
	var gotMagic [4]byte
	if _, err := io.ReadFull(r, gotMagic[:]); err != nil || gotMagic != magic {
		return Meta{}, fmt.Errorf("meta: bad magic: %w", lverrors.ErrMalformedMeta)
	}

	var m Meta
	if _, err := io.ReadFull(r, m.PathHash[:]); err != nil {
		return Meta{}, malformed(err)
	}
	var err error
	if m.PathCT, err = readBytes(r); err != nil {
		return Meta{}, malformed(err)
	}
	kindByte, err := r.ReadByte()
	if err != nil {
		return Meta{}, malformed(err)
	}
	m.Kind = Kind(kindByte)
	if m.Revision, err = readU64(r); err != nil {
		return Meta{}, malformed(err)
	}
	if m.HasWindowsAttrib, err = readBool(r); err != nil {
		return Meta{}, malformed(err)
	}
	if m.WindowsAttrib, err = readU32(r); err != nil {
		return Meta{}, malformed(err)
	}
	if m.HasUnixAttrib, err = readBool(r); err != nil {
		return Meta{}, malformed(err)
	}
	if m.UnixAttrib, err = readU32(r); err != nil {
		return Meta{}, malformed(err)
	}
	if m.SymlinkTargetCT, err = readBytes(r); err != nil {
		return Meta{}, malformed(err)
	}
	if m.Mtime, err = readU64(r); err != nil {
		return Meta{}, malformed(err)
	}

	shtByte, err := r.ReadByte()
	if err != nil {
		return Meta{}, malformed(err)
	}
	m.StrongHashType = StrongHashType(shtByte)
	nChunks, err := readU32(r)
	if err != nil {
		return Meta{}, malformed(err)
	}
	if nChunks > 0 {
		m.Chunks = make([]FileChunk, nChunks)
	}
	for i := range m.Chunks {
		c := &m.Chunks[i]
		if _, err := io.ReadFull(r, c.CtHash[:]); err != nil {
			return Meta{}, malformed(err)
		}
		if c.Size, err = readU64(r); err != nil {
			return Meta{}, malformed(err)
		}
		if _, err := io.ReadFull(r, c.IV[:]); err != nil {
			return Meta{}, malformed(err)
		}
		if _, err := io.ReadFull(r, c.PtHashHMAC[:]); err != nil {
			return Meta{}, malformed(err)
		}
	}

	if r.Len() != 0 {
		return Meta{}, fmt.Errorf("meta: %d trailing bytes: %w", r.Len(), lverrors.ErrMalformedMeta)
	}
	return m, nil
}

func malformed(err error) error {
	return fmt.Errorf("meta: decode: %w: %w", err, lverrors.ErrMalformedMeta)
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeU32(buf, uint32(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if int(n) > r.Len() {
		return nil, errors.New("length prefix exceeds remaining buffer")
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}
