package gossip

import (
	"net"
	"sync"
	"testing"
	"time"

	"librevault-go/internal/chunkstore"
	"librevault-go/internal/meta"
	"librevault-go/internal/secret"
)

// memBackend is a minimal in-memory gossip.Backend for exercising Session
// without pulling in the Index/ChunkStore packages (those are covered by
// folder's own integration tests).
type memBackend struct {
	folderID [32]byte
	token    []byte

	mu     sync.Mutex
	metas  map[[32]byte]meta.SignedMeta
	revs   map[[32]byte]uint64
	chunks map[chunkstore.Hash][]byte
}

func newMemBackend(folderID [32]byte, token []byte) *memBackend {
	return &memBackend{
		folderID: folderID,
		token:    token,
		metas:    map[[32]byte]meta.SignedMeta{},
		revs:     map[[32]byte]uint64{},
		chunks:   map[chunkstore.Hash][]byte{},
	}
}

func (b *memBackend) FolderID() [32]byte        { return b.folderID }
func (b *memBackend) AuthToken() []byte         { return b.token }
func (b *memBackend) CheckAuthToken(t []byte) bool {
	if len(t) != len(b.token) {
		return false
	}
	for i := range t {
		if t[i] != b.token[i] {
			return false
		}
	}
	return true
}

func (b *memBackend) CurrentMeta(pathHash [32]byte) (meta.SignedMeta, uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sm, ok := b.metas[pathHash]
	return sm, b.revs[pathHash], ok
}

func (b *memBackend) Upsert(sm meta.SignedMeta) error {
	m, err := meta.Decode(sm.MetaBytes)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.revs[m.PathHash]; ok && existing >= m.Revision {
		return nil
	}
	b.metas[m.PathHash] = sm
	b.revs[m.PathHash] = m.Revision
	return nil
}

func (b *memBackend) HasChunk(h chunkstore.Hash) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.chunks[h]
	return ok
}

func (b *memBackend) GetChunk(h chunkstore.Hash) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.chunks[h]
	if !ok {
		return nil, errNotFound
	}
	return v, nil
}

func (b *memBackend) PutChunk(h chunkstore.Hash, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks[h] = append([]byte(nil), data...)
	return nil
}

func (b *memBackend) ChunkIndexFor(h chunkstore.Hash) (int, [32]byte, bool) { return 0, [32]byte{}, false }
func (b *memBackend) SetChunkPresent(pathHash [32]byte, idx int, present bool) error { return nil }

type testErr string

func (e testErr) Error() string { return string(e) }

const errNotFound = testErr("not found")

// tcpPipe returns the two ends of a loopback TCP connection. Unlike
// net.Pipe, its kernel buffers let both sides write their Handshake frame
// before either reads, which Session.Handshake's send-then-read needs.
func tcpPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	a, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	b := <-accepted
	if b == nil {
		t.Fatal("accept failed")
	}
	return a, b
}

func TestSessionHandshakeAndMetaExchange(t *testing.T) {
	folderID := [32]byte{1, 2, 3}
	token := []byte("shared-secret-proof")
	owner, err := secret.NewOwner()
	if err != nil {
		t.Fatal(err)
	}

	aConn, bConn := tcpPipe(t)
	aBackend := newMemBackend(folderID, token)
	bBackend := newMemBackend(folderID, token)

	m := meta.Meta{PathHash: [32]byte{9}, Kind: meta.KindDirectory, Revision: 7}
	sm, err := meta.Sign(m, owner)
	if err != nil {
		t.Fatal(err)
	}
	aBackend.metas[m.PathHash] = sm
	aBackend.revs[m.PathHash] = m.Revision

	a := New("b", aConn, aBackend, NewScheduler(nil), nil)
	b := New("a", bConn, bBackend, NewScheduler(nil), nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := a.Handshake([]byte("a-pub")); err != nil {
			t.Errorf("a handshake: %v", err)
			return
		}
		go a.Run()
		a.AnnounceMeta(m.PathHash, m.Revision)
		time.Sleep(300 * time.Millisecond)
	}()
	go func() {
		defer wg.Done()
		if _, err := b.Handshake([]byte("b-pub")); err != nil {
			t.Errorf("b handshake: %v", err)
			return
		}
		go b.Run()
		time.Sleep(300 * time.Millisecond)
	}()
	wg.Wait()

	if _, _, ok := bBackend.CurrentMeta(m.PathHash); !ok {
		t.Fatal("expected b to have learned the meta via HaveMeta/MetaRequest/MetaReply round trip")
	}

	a.Close()
	b.Close()
}

func TestSessionHandshakeRejectsFolderMismatch(t *testing.T) {
	owner := [32]byte{1}
	other := [32]byte{2}
	aConn, bConn := tcpPipe(t)
	aBackend := newMemBackend(owner, []byte("tok"))
	bBackend := newMemBackend(other, []byte("tok"))

	a := New("b", aConn, aBackend, nil, nil)
	b := New("a", bConn, bBackend, nil, nil)

	errCh := make(chan error, 2)
	go func() { _, err := a.Handshake([]byte("a")); errCh <- err }()
	go func() { _, err := b.Handshake([]byte("b")); errCh <- err }()

	e1 := <-errCh
	e2 := <-errCh
	if e1 == nil && e2 == nil {
		t.Fatal("expected at least one side to reject the folder mismatch")
	}
}
