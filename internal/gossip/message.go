// Package gossip implements the per-peer session state machine and wire
// messages of the folder synchronization protocol (spec.md §4.9): the
// frame table (Handshake, Choke/Unchoke, Interested/NotInterested,
// HaveMeta, HaveChunk, MetaRequest/Reply, ChunkRequest/Reply, Cancel),
// the Connecting→...→Closed session state machine, and the rarest-first
// chunk-request scheduler. Frames ride the length-prefixed binary codec
// in internal/transport, generalizing the teacher's NDJSON-over-stream
// convention (node.go's handleChatStream/handleFileStream) the way
// SPEC_FULL.md §9 describes.
package gossip

import (
	"encoding/binary"
	"fmt"

	"librevault-go/internal/lverrors"
)

// Kind tags the payload carried by one transport frame.
type Kind byte

const (
	KindHandshake Kind = iota
	KindChoke
	KindUnchoke
	KindInterested
	KindNotInterested
	KindHaveMeta
	KindHaveChunk
	KindMetaRequest
	KindMetaReply
	KindChunkRequest
	KindChunkReply
	KindCancel
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "Handshake"
	case KindChoke:
		return "Choke"
	case KindUnchoke:
		return "Unchoke"
	case KindInterested:
		return "Interested"
	case KindNotInterested:
		return "NotInterested"
	case KindHaveMeta:
		return "HaveMeta"
	case KindHaveChunk:
		return "HaveChunk"
	case KindMetaRequest:
		return "MetaRequest"
	case KindMetaReply:
		return "MetaReply"
	case KindChunkRequest:
		return "ChunkRequest"
	case KindChunkReply:
		return "ChunkReply"
	case KindCancel:
		return "Cancel"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// Handshake is the first frame either side of a session sends: it binds
// the stream to a folder_id and carries an auth_token proving the sender
// holds the folder secret (produced and checked by the Backend — gossip
// itself only carries the opaque bytes).
type Handshake struct {
	FolderID  [32]byte
	NodePub   []byte
	AuthToken []byte
}

func encodeHandshake(h Handshake) []byte {
	buf := make([]byte, 0, 32+4+len(h.NodePub)+4+len(h.AuthToken))
	buf = append(buf, h.FolderID[:]...)
	buf = appendBytes(buf, h.NodePub)
	buf = appendBytes(buf, h.AuthToken)
	return buf
}

func decodeHandshake(b []byte) (Handshake, error) {
	var h Handshake
	if len(b) < 32 {
		return h, fmt.Errorf("gossip: handshake too short: %w", lverrors.ErrProtocolViolation)
	}
	copy(h.FolderID[:], b[:32])
	rest := b[32:]
	pub, rest, err := readBytes(rest)
	if err != nil {
		return h, err
	}
	tok, rest, err := readBytes(rest)
	if err != nil {
		return h, err
	}
	if len(rest) != 0 {
		return h, fmt.Errorf("gossip: handshake trailing bytes: %w", lverrors.ErrProtocolViolation)
	}
	h.NodePub, h.AuthToken = pub, tok
	return h, nil
}

// HaveMeta announces that the sender's current Meta for path_hash has
// reached revision.
type HaveMeta struct {
	PathHash [32]byte
	Revision uint64
}

func encodeHaveMeta(m HaveMeta) []byte {
	buf := make([]byte, 32+8)
	copy(buf, m.PathHash[:])
	binary.LittleEndian.PutUint64(buf[32:], m.Revision)
	return buf
}

func decodeHaveMeta(b []byte) (HaveMeta, error) {
	var m HaveMeta
	if len(b) != 32+8 {
		return m, fmt.Errorf("gossip: have_meta: bad length %d: %w", len(b), lverrors.ErrProtocolViolation)
	}
	copy(m.PathHash[:], b[:32])
	m.Revision = binary.LittleEndian.Uint64(b[32:])
	return m, nil
}

// HaveChunk announces the sender now has ct_hash locally. A session
// batches and coalesces these (spec.md §4.9 backpressure: droppable).
type HaveChunk struct {
	CtHash [32]byte
}

func encodeHaveChunk(h HaveChunk) []byte { return h.CtHash[:] }

func decodeHaveChunk(b []byte) (HaveChunk, error) {
	var h HaveChunk
	if len(b) != 32 {
		return h, fmt.Errorf("gossip: have_chunk: bad length %d: %w", len(b), lverrors.ErrProtocolViolation)
	}
	copy(h.CtHash[:], b)
	return h, nil
}

// MetaRequest asks the peer for its current SignedMeta for path_hash.
type MetaRequest struct {
	PathHash [32]byte
}

func encodeMetaRequest(r MetaRequest) []byte { return r.PathHash[:] }

func decodeMetaRequest(b []byte) (MetaRequest, error) {
	var r MetaRequest
	if len(b) != 32 {
		return r, fmt.Errorf("gossip: meta_request: bad length %d: %w", len(b), lverrors.ErrProtocolViolation)
	}
	copy(r.PathHash[:], b)
	return r, nil
}

// MetaReply carries the canonical SignedMeta bytes and signature.
type MetaReply struct {
	MetaBytes []byte
	Signature []byte
}

func encodeMetaReply(r MetaReply) []byte {
	buf := appendBytes(nil, r.MetaBytes)
	buf = appendBytes(buf, r.Signature)
	return buf
}

func decodeMetaReply(b []byte) (MetaReply, error) {
	var r MetaReply
	mb, rest, err := readBytes(b)
	if err != nil {
		return r, err
	}
	sig, rest, err := readBytes(rest)
	if err != nil {
		return r, err
	}
	if len(rest) != 0 {
		return r, fmt.Errorf("gossip: meta_reply trailing bytes: %w", lverrors.ErrProtocolViolation)
	}
	r.MetaBytes, r.Signature = mb, sig
	return r, nil
}

// ChunkRequest is a byte-range request for one chunk's encrypted bytes.
type ChunkRequest struct {
	CtHash [32]byte
	Offset uint32
	Length uint32
}

func encodeChunkRequest(r ChunkRequest) []byte {
	buf := make([]byte, 32+4+4)
	copy(buf, r.CtHash[:])
	binary.LittleEndian.PutUint32(buf[32:], r.Offset)
	binary.LittleEndian.PutUint32(buf[36:], r.Length)
	return buf
}

func decodeChunkRequest(b []byte) (ChunkRequest, error) {
	var r ChunkRequest
	if len(b) != 32+4+4 {
		return r, fmt.Errorf("gossip: chunk_request: bad length %d: %w", len(b), lverrors.ErrProtocolViolation)
	}
	copy(r.CtHash[:], b[:32])
	r.Offset = binary.LittleEndian.Uint32(b[32:36])
	r.Length = binary.LittleEndian.Uint32(b[36:40])
	return r, nil
}

// ChunkReply carries a range of one chunk's encrypted bytes. Total is the
// chunk's full encrypted length, so the receiver knows when Offset+len(Bytes)
// completes it.
type ChunkReply struct {
	CtHash [32]byte
	Offset uint32
	Total  uint32
	Bytes  []byte
}

func encodeChunkReply(r ChunkReply) []byte {
	buf := make([]byte, 32+4+4, 32+4+4+len(r.Bytes))
	copy(buf, r.CtHash[:])
	binary.LittleEndian.PutUint32(buf[32:], r.Offset)
	binary.LittleEndian.PutUint32(buf[36:], r.Total)
	buf = append(buf, r.Bytes...)
	return buf
}

func decodeChunkReply(b []byte) (ChunkReply, error) {
	var r ChunkReply
	if len(b) < 32+4+4 {
		return r, fmt.Errorf("gossip: chunk_reply: too short: %w", lverrors.ErrProtocolViolation)
	}
	copy(r.CtHash[:], b[:32])
	r.Offset = binary.LittleEndian.Uint32(b[32:36])
	r.Total = binary.LittleEndian.Uint32(b[36:40])
	r.Bytes = append([]byte(nil), b[40:]...)
	return r, nil
}

// Cancel withdraws a previously-sent ChunkRequest.
type Cancel struct {
	CtHash [32]byte
	Offset uint32
	Length uint32
}

func encodeCancel(c Cancel) []byte { return encodeChunkRequest(ChunkRequest(c)) }

func decodeCancel(b []byte) (Cancel, error) {
	r, err := decodeChunkRequest(b)
	return Cancel(r), err
}

func appendBytes(buf, b []byte) []byte {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(b)))
	buf = append(buf, l[:]...)
	return append(buf, b...)
}

func readBytes(b []byte) (val, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("gossip: truncated length prefix: %w", lverrors.ErrProtocolViolation)
	}
	n := binary.LittleEndian.Uint32(b[:4])
	b = b[4:]
	if uint64(n) > uint64(len(b)) {
		return nil, nil, fmt.Errorf("gossip: length prefix %d exceeds remaining %d: %w", n, len(b), lverrors.ErrProtocolViolation)
	}
	return b[:n], b[n:], nil
}
