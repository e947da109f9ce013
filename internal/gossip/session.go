package gossip

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"librevault-go/internal/chunkstore"
	"librevault-go/internal/lverrors"
	"librevault-go/internal/meta"
	"librevault-go/internal/transport"
)

// State is a session's position in the Connecting→...→Closed state
// machine (spec.md §4.9).
type State int

const (
	StateConnecting State = iota
	StateHandshakeSent
	StateHandshakeAcked
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateHandshakeSent:
		return "HandshakeSent"
	case StateHandshakeAcked:
		return "HandshakeAcked"
	case StateActive:
		return "Active"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// outQueueDepth bounds the outgoing frame queue per session (spec.md
// §5's "outgoing frame queue per session is bounded"); ChunkReply and
// MetaReply block on a full queue (they are not droppable), while
// HaveChunk announcements are coalesced instead of blocking.
const outQueueDepth = 64

// Backend is the narrow slice of a Folder Controller a Session needs:
// folder-level auth proof, Index access to serve/accept Metas, and
// Chunk Store access to serve/accept chunk bytes. It exists so this
// package never imports internal/folder (folder imports gossip, to keep
// the Controller↔Session relationship the handle-based, non-cyclic shape
// Design Note §9.1 describes).
type Backend interface {
	// FolderID is this folder's derived identifier, checked against the
	// peer's Handshake.
	FolderID() [32]byte
	// AuthToken is this node's proof of folder-secret possession to send
	// in our own Handshake.
	AuthToken() []byte
	// CheckAuthToken reports whether a peer's Handshake AuthToken proves
	// possession of the same folder secret.
	CheckAuthToken(token []byte) bool

	// CurrentMeta returns the locally-known SignedMeta for pathHash, if any.
	CurrentMeta(pathHash [32]byte) (sm meta.SignedMeta, revision uint64, ok bool)
	// Upsert routes an inbound SignedMeta through the Index's
	// transactional upsert.
	Upsert(sm meta.SignedMeta) error

	// HasChunk, GetChunk, PutChunk delegate to the Chunk Store.
	HasChunk(h chunkstore.Hash) bool
	GetChunk(h chunkstore.Hash) ([]byte, error)
	PutChunk(h chunkstore.Hash, b []byte) error
	// ChunkIndexFor resolves which Index entry and chunk position ctHash
	// belongs to, so a received chunk can be marked present in that
	// entry's bitmap.
	ChunkIndexFor(ctHash chunkstore.Hash) (idx int, pathHash [32]byte, ok bool)
	// SetChunkPresent marks chunk i of pathHash's Meta as locally present.
	SetChunkPresent(pathHash [32]byte, idx int, present bool) error
}

type outFrame struct {
	kind    byte
	payload []byte
}

// Session is one authenticated duplex gossip stream to one peer, for one
// folder.
type Session struct {
	id      string // peer identifier (the libp2p peer ID string), keys Controller.sessions
	conn    io.ReadWriteCloser
	backend Backend
	sched   *Scheduler
	log     *zap.SugaredLogger

	onClose func(id string, reason error)

	mu               sync.Mutex
	state            State
	localChoked      bool // remote has choked us: we must not send ChunkRequest
	remoteChoked     bool // we have choked the remote
	interested       bool
	remoteInterested bool

	outCh chan outFrame

	haveMu    sync.Mutex
	haveBatch map[[32]byte]struct{}

	closeOnce sync.Once
}

// New constructs a Session over conn. id is a stable identifier for the
// remote peer (the daemon passes its libp2p peer ID string); Controller uses
// it as the sessions map key and to hand timed-out chunks back to the
// Scheduler.
func New(id string, conn io.ReadWriteCloser, backend Backend, sched *Scheduler, log *zap.SugaredLogger) *Session {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Session{
		id:        id,
		conn:      conn,
		backend:   backend,
		sched:     sched,
		log:       log.Named("gossip").With("peer", id),
		outCh:     make(chan outFrame, outQueueDepth),
		haveBatch: map[[32]byte]struct{}{},
		state:     StateConnecting,
	}
}

// ID returns the peer identifier this session was constructed with.
func (s *Session) ID() string { return s.id }

func (s *Session) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// OnClose registers a callback invoked once, when the session transitions
// to Closed, so the Controller can drop it from its session map and the
// Scheduler can return its outstanding requests to the pool.
func (s *Session) OnClose(fn func(id string, reason error)) { s.onClose = fn }

// Handshake sends our Handshake frame and blocks until the peer's
// Handshake is read and validated, or ctx-less deadline elapses via the
// underlying conn's own deadline (callers set one on conn before
// calling, mirroring the teacher's SetWriteDeadline idiom in
// broadcastFile). Returns the peer's claimed node public key.
func (s *Session) Handshake(ourNodePub []byte) ([]byte, error) {
	hs := Handshake{FolderID: s.backend.FolderID(), NodePub: ourNodePub, AuthToken: s.backend.AuthToken()}
	if err := transport.WriteFrame(s.conn, byte(KindHandshake), encodeHandshake(hs)); err != nil {
		return nil, fmt.Errorf("gossip: send handshake: %w", err)
	}
	s.setState(StateHandshakeSent)

	kind, payload, err := transport.ReadFrame(s.conn)
	if err != nil {
		return nil, fmt.Errorf("gossip: read handshake: %w", err)
	}
	if Kind(kind) != KindHandshake {
		return nil, fmt.Errorf("gossip: expected handshake, got %s: %w", Kind(kind), lverrors.ErrProtocolViolation)
	}
	peerHS, err := decodeHandshake(payload)
	if err != nil {
		return nil, err
	}
	if peerHS.FolderID != s.backend.FolderID() {
		return nil, fmt.Errorf("gossip: handshake folder mismatch: %w", lverrors.ErrProtocolViolation)
	}
	if !s.backend.CheckAuthToken(peerHS.AuthToken) {
		return nil, fmt.Errorf("gossip: handshake auth token invalid: %w", lverrors.ErrSignatureInvalid)
	}
	s.setState(StateHandshakeAcked)
	return peerHS.NodePub, nil
}

// ReadHandshake reads and decodes the first frame off conn without
// binding it to any Session yet. An inbound stream handler needs this:
// Host.SetStreamHandler is folder-agnostic (one libp2p host serves every
// folder), so the acceptor must learn the peer's claimed folder_id before
// it can even pick which Controller's Backend this connection belongs
// to, let alone construct a Session around it.
func ReadHandshake(conn io.Reader) (Handshake, error) {
	kind, payload, err := transport.ReadFrame(conn)
	if err != nil {
		return Handshake{}, fmt.Errorf("gossip: read handshake: %w", err)
	}
	if Kind(kind) != KindHandshake {
		return Handshake{}, fmt.Errorf("gossip: expected handshake, got %s: %w", Kind(kind), lverrors.ErrProtocolViolation)
	}
	return decodeHandshake(payload)
}

// CompleteInboundHandshake finishes the handshake for a Session whose
// Backend was selected using a Handshake frame already consumed via
// ReadHandshake (peerHS): it validates peerHS against that Backend and
// sends our own Handshake in reply, the acceptor-side mirror of
// Handshake's initiator-side send-then-read.
func (s *Session) CompleteInboundHandshake(peerHS Handshake, ourNodePub []byte) ([]byte, error) {
	if peerHS.FolderID != s.backend.FolderID() {
		return nil, fmt.Errorf("gossip: handshake folder mismatch: %w", lverrors.ErrProtocolViolation)
	}
	if !s.backend.CheckAuthToken(peerHS.AuthToken) {
		return nil, fmt.Errorf("gossip: handshake auth token invalid: %w", lverrors.ErrSignatureInvalid)
	}
	s.setState(StateHandshakeAcked)
	hs := Handshake{FolderID: s.backend.FolderID(), NodePub: ourNodePub, AuthToken: s.backend.AuthToken()}
	if err := transport.WriteFrame(s.conn, byte(KindHandshake), encodeHandshake(hs)); err != nil {
		return nil, fmt.Errorf("gossip: send handshake: %w", err)
	}
	return peerHS.NodePub, nil
}

// Run starts the write pump and reads frames until the connection closes
// or a protocol violation occurs. It must be called after a successful
// Handshake. Run blocks until the session closes.
func (s *Session) Run() error {
	s.setState(StateActive)
	done := make(chan struct{})
	go func() {
		s.writePump()
		close(done)
	}()

	err := s.readLoop()
	s.closeLocked(err)
	close(s.outCh)
	<-done
	return err
}

func (s *Session) readLoop() error {
	for {
		kind, payload, err := transport.ReadFrame(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("gossip: read frame: %w", err)
		}
		if err := s.dispatch(Kind(kind), payload); err != nil {
			return err
		}
	}
}

func (s *Session) dispatch(kind Kind, payload []byte) error {
	switch kind {
	case KindChoke:
		s.mu.Lock()
		s.localChoked = true
		s.mu.Unlock()
	case KindUnchoke:
		s.mu.Lock()
		s.localChoked = false
		s.mu.Unlock()
	case KindInterested:
		s.mu.Lock()
		s.remoteInterested = true
		s.mu.Unlock()
	case KindNotInterested:
		s.mu.Lock()
		s.remoteInterested = false
		s.mu.Unlock()
	case KindHaveMeta:
		m, err := decodeHaveMeta(payload)
		if err != nil {
			return err
		}
		_, rev, ok := s.backend.CurrentMeta(m.PathHash)
		if !ok || rev < m.Revision {
			s.send(byte(KindMetaRequest), encodeMetaRequest(MetaRequest{PathHash: m.PathHash}))
		}
	case KindHaveChunk:
		h, err := decodeHaveChunk(payload)
		if err != nil {
			return err
		}
		if s.sched != nil {
			s.sched.Announce(s.id, chunkstore.Hash(h.CtHash))
		}
	case KindMetaRequest:
		r, err := decodeMetaRequest(payload)
		if err != nil {
			return err
		}
		if sm, _, ok := s.backend.CurrentMeta(r.PathHash); ok {
			s.send(byte(KindMetaReply), encodeMetaReply(MetaReply{MetaBytes: sm.MetaBytes, Signature: sm.Signature}))
		}
	case KindMetaReply:
		r, err := decodeMetaReply(payload)
		if err != nil {
			return err
		}
		if err := s.backend.Upsert(meta.SignedMeta{MetaBytes: r.MetaBytes, Signature: r.Signature}); err != nil {
			if lverrors.Fatal(err) {
				return err
			}
			if errors.Is(err, lverrors.ErrSignatureInvalid) || errors.Is(err, lverrors.ErrMalformedMeta) {
				return err // closes the session, per the error propagation policy
			}
			// ErrStale: expected and handled locally, nothing to do
		}
	case KindChunkRequest:
		r, err := decodeChunkRequest(payload)
		if err != nil {
			return err
		}
		return s.serveChunkRequest(r)
	case KindChunkReply:
		r, err := decodeChunkReply(payload)
		if err != nil {
			return err
		}
		return s.acceptChunkReply(r)
	case KindCancel:
		// Best-effort: nothing queued server-side to cancel in this
		// synchronous request/reply shape; accepted and ignored.
	default:
		return fmt.Errorf("gossip: unknown frame kind %d: %w", kind, lverrors.ErrProtocolViolation)
	}
	return nil
}

func (s *Session) serveChunkRequest(r ChunkRequest) error {
	s.mu.Lock()
	choked := s.remoteChoked
	s.mu.Unlock()
	if choked {
		return nil // peer should not have asked; drop rather than kill the session
	}
	h := chunkstore.Hash(r.CtHash)
	b, err := s.backend.GetChunk(h)
	if err != nil {
		return nil // NotFound is expected/local; just don't reply
	}
	end := r.Offset + r.Length
	if r.Length == 0 || int(end) > len(b) {
		end = uint32(len(b))
	}
	if int(r.Offset) > len(b) {
		return nil
	}
	s.send(byte(KindChunkReply), encodeChunkReply(ChunkReply{
		CtHash: r.CtHash,
		Offset: r.Offset,
		Total:  uint32(len(b)),
		Bytes:  b[r.Offset:end],
	}))
	return nil
}

func (s *Session) acceptChunkReply(r ChunkReply) error {
	h := chunkstore.Hash(r.CtHash)
	if s.sched != nil {
		s.sched.MarkReceived(s.id, h)
	}
	if r.Offset != 0 || r.Total != uint32(len(r.Bytes)) {
		// a partial/ranged reply in a scheduler that only ever requests
		// whole chunks (offset=0, length=0 meaning "all"); anything else
		// is a peer not honoring our request shape.
		return fmt.Errorf("gossip: chunk reply shape mismatch: %w", lverrors.ErrProtocolViolation)
	}
	if err := s.backend.PutChunk(h, r.Bytes); err != nil {
		if errors.Is(err, lverrors.ErrHashMismatch) {
			return err // HashMismatch closes the session, per spec.md §8 scenario 6
		}
		return nil
	}
	if s.sched != nil {
		s.sched.Forget(h)
	}
	if idx, pathHash, ok := s.backend.ChunkIndexFor(h); ok {
		if err := s.backend.SetChunkPresent(pathHash, idx, true); err != nil {
			s.log.Debugw("mark chunk present failed", "err", err)
		}
	}
	s.log.Debugw("chunk received", "hash", h.String())
	return nil
}

// send enqueues a non-droppable frame (MetaReply, ChunkReply, control
// frames), blocking if the outgoing queue is full.
func (s *Session) send(kind byte, payload []byte) {
	defer func() { recover() }() // outCh may already be closed if we're shutting down
	s.outCh <- outFrame{kind: kind, payload: payload}
}

// AnnounceMeta implements folder.PeerSession: tells the peer a path_hash
// advanced to revision.
func (s *Session) AnnounceMeta(pathHash [32]byte, revision uint64) {
	s.send(byte(KindHaveMeta), encodeHaveMeta(HaveMeta{PathHash: pathHash, Revision: revision}))
}

// AnnounceChunk implements folder.PeerSession: coalesces ct_hash into the
// next droppable HaveChunk batch rather than queuing one frame per
// chunk, per spec.md §4.9's backpressure policy.
func (s *Session) AnnounceChunk(ctHash [32]byte) {
	s.haveMu.Lock()
	s.haveBatch[ctHash] = struct{}{}
	s.haveMu.Unlock()
}

// flushHaveBatch drains the pending droppable HaveChunk batch onto the
// outgoing queue, non-blockingly: if the queue is full, the unsent rest of
// the batch is put back and retried next tick (droppable, per spec).
func (s *Session) flushHaveBatch() {
	s.haveMu.Lock()
	batch := s.haveBatch
	s.haveBatch = map[[32]byte]struct{}{}
	s.haveMu.Unlock()
	for h := range batch {
		select {
		case s.outCh <- outFrame{kind: byte(KindHaveChunk), payload: encodeHaveChunk(HaveChunk{CtHash: h})}:
			delete(batch, h)
		default:
			// queue full: hand the unsent rest back so it resends next tick
			s.haveMu.Lock()
			for rest := range batch {
				s.haveBatch[rest] = struct{}{}
			}
			s.haveMu.Unlock()
			return
		}
	}
}

// RequestChunk asks the peer for the whole of h (offset 0, length 0 ==
// "all"), provided we are not currently choked by them.
func (s *Session) RequestChunk(h chunkstore.Hash) error {
	s.mu.Lock()
	choked := s.localChoked
	s.mu.Unlock()
	if choked {
		return fmt.Errorf("gossip: choked by peer")
	}
	s.send(byte(KindChunkRequest), encodeChunkRequest(ChunkRequest{CtHash: chunkstore.Hash(h)}))
	return nil
}

// writePump flushes queued frames plus the droppable HaveChunk batch on a
// short interval until outCh is closed.
func (s *Session) writePump() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case f, ok := <-s.outCh:
			if !ok {
				return
			}
			if err := transport.WriteFrame(s.conn, f.kind, f.payload); err != nil {
				s.log.Debugw("write frame failed", "err", err)
				return
			}
		case <-ticker.C:
			s.flushHaveBatch()
		}
	}
}

// Close transitions the session to Closing then Closed and tears down
// the connection.
func (s *Session) Close() error {
	s.closeLocked(nil)
	return s.conn.Close()
}

func (s *Session) closeLocked(reason error) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.conn.Close()
		s.setState(StateClosed)
		if s.sched != nil {
			s.sched.RemoveSession(s.id)
		}
		if s.onClose != nil {
			s.onClose(s.id, reason)
		}
	})
}
