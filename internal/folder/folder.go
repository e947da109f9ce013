// Package folder implements the Controller: the object that owns one
// folder's Secret, Index, Chunk Store, Scanner, and Assembler, and
// serializes the two-way handoff between them. Its shape is grounded on
// the teacher's Server (config.go): a struct bundling the state one
// logical unit owns, a handful of mutex-guarded maps, and long-running
// goroutines started from one entrypoint and stopped via context
// cancellation.
package folder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"librevault-go/internal/assembler"
	"librevault-go/internal/chunkstore"
	"librevault-go/internal/gossip"
	"librevault-go/internal/ignore"
	"librevault-go/internal/index"
	"librevault-go/internal/scanner"
	"librevault-go/internal/secret"
)

// chunkRequestInterval is how often the Controller re-derives the set of
// chunks it still needs and pulls new requests from the Scheduler onto
// every active session, mirroring the teacher's pingLoop tick cadence
// (node.go).
const chunkRequestInterval = 2 * time.Second

// PeerSession is the narrow slice of a gossip session the Controller
// needs: announcing local changes and nothing else. The concrete
// implementation lives in the gossip package; folder depends only on
// this interface to avoid an import cycle (gossip needs the Controller
// to route inbound Metas back through Index.Upsert).
type PeerSession interface {
	// AnnounceMeta tells the peer a path_hash advanced to a new revision.
	AnnounceMeta(pathHash [32]byte, revision uint64)
	// AnnounceChunk tells the peer a ct_hash is now available locally.
	AnnounceChunk(ctHash [32]byte)
	// Close tears down the session.
	Close() error
}

// Controller owns one folder's synchronization state end to end.
type Controller struct {
	folderID [32]byte
	root     string
	sec      secret.Secret
	index    *index.Index
	chunks   *chunkstore.Store
	scanner  *scanner.Scanner
	asm      *assembler.Assembler
	log      *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[string]PeerSession // keyed by peer node id
	busy     map[[32]byte]bool      // path_hash currently being assembled; defers Scanner events

	sched *gossip.Scheduler

	cancel context.CancelFunc
}

// Deps bundles the already-opened resources a Controller wires together;
// New doesn't construct the Index/ChunkStore itself so callers can share
// them across restarts or tests.
type Deps struct {
	Root    string
	Secret  secret.Secret
	Index   *index.Index
	Chunks  *chunkstore.Store
	Ignore  *ignore.Filter
	Scanner scanner.Config
	Log     *zap.SugaredLogger
}

// New constructs a Controller. folderID is the Secret's derived folder
// identifier, computed once here so every caller shares one value.
func New(d Deps) (*Controller, error) {
	folderID, err := d.Secret.DeriveFolderID()
	if err != nil {
		return nil, fmt.Errorf("folder: derive folder id: %w", err)
	}
	log := d.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ig := d.Ignore
	if ig == nil {
		var err error
		ig, err = ignore.New(nil)
		if err != nil {
			return nil, fmt.Errorf("folder: default ignore filter: %w", err)
		}
	}

	sc := scanner.New(d.Scanner, d.Secret, d.Index, d.Chunks, ig, log)
	asm := assembler.New(d.Root, d.Secret, d.Index, d.Chunks, log)

	return &Controller{
		folderID: folderID,
		root:     d.Root,
		sec:      d.Secret,
		index:    d.Index,
		chunks:   d.Chunks,
		scanner:  sc,
		asm:      asm,
		log:      log.Named("folder"),
		sessions: map[string]PeerSession{},
		busy:     map[[32]byte]bool{},
		sched:    gossip.NewScheduler(nil),
	}, nil
}

// Backend returns the gossip.Backend adapter this Controller exposes to
// every Session it opens or accepts.
func (c *Controller) Backend() gossip.Backend { return gossipBackend{c} }

// Scheduler returns the folder-wide rarest-first chunk request scheduler
// shared by every peer session.
func (c *Controller) Scheduler() *gossip.Scheduler { return c.sched }

// FolderID returns the folder identifier this Controller serves.
func (c *Controller) FolderID() [32]byte { return c.folderID }

// Root returns the synced directory this Controller's Scanner/Assembler
// operate on.
func (c *Controller) Root() string { return c.root }

// Secret returns the privilege-scoped Secret this Controller was opened
// with, used by a gossip session to authenticate the handshake.
func (c *Controller) Secret() secret.Secret { return c.sec }

// Run starts the Scanner and the Index-event dispatch loop, blocking
// until ctx is canceled.
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	ch, unsub := c.index.Subscribe()
	defer unsub()

	errCh := make(chan error, 1)
	go func() { errCh <- c.scanner.Run(ctx) }()
	go c.runChunkRequester(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case ev := <-ch:
			c.handleIndexEvent(ev)
		}
	}
}

// Close cancels all running tasks for this folder; in-flight chunk
// writes complete (the chunk store is content-addressed and safe to
// interrupt), and in-flight filesystem writes either rename-complete or
// leave a reclaimable temp file.
func (c *Controller) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// handleIndexEvent dispatches one Index change to the Assembler (if the
// entry is now complete) and to every open peer session (gossip
// announce). Per path_hash, a Scanner event arriving while the Assembler
// is still writing that path is deferred by the busy map rather than
// racing the write.
func (c *Controller) handleIndexEvent(ev index.Event) {
	c.mu.Lock()
	if c.busy[ev.PathHash] {
		c.mu.Unlock()
		return
	}
	c.busy[ev.PathHash] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.busy, ev.PathHash)
		c.mu.Unlock()
	}()

	if ev.NewMeta || ev.BitmapChange {
		if err := c.asm.TryAssemble(ev.PathHash); err != nil {
			c.log.Warnw("assemble failed", "err", err)
		}
	}

	if ev.NewMeta {
		c.announceMeta(ev.PathHash)
	}
}

func (c *Controller) announceMeta(pathHash [32]byte) {
	e, err := c.index.Get(pathHash)
	if err != nil {
		return
	}
	c.mu.Lock()
	sessions := make([]PeerSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()
	for _, s := range sessions {
		s.AnnounceMeta(pathHash, e.Meta.Revision)
		for i, fc := range e.Meta.Chunks {
			if i < len(e.Bitmap) && e.Bitmap[i] {
				s.AnnounceChunk(fc.CtHash)
			}
		}
	}
}

// AddSession registers a newly-handshaked peer session under peerNodeID.
func (c *Controller) AddSession(peerNodeID string, s PeerSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[peerNodeID] = s
}

// RemoveSession drops a closed session.
func (c *Controller) RemoveSession(peerNodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, peerNodeID)
}

// runChunkRequester periodically recomputes which chunks incomplete
// entries are still missing, registers them with the Scheduler, and pulls
// the next rarest-first request for every active gossip session,
// dropping any session the Scheduler reports as having reached
// MaxTimeouts — the Controller-level half of spec.md §4.9's request
// scheduler, which spans every session rather than living inside one.
func (c *Controller) runChunkRequester(ctx context.Context) {
	ticker := time.NewTicker(chunkRequestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshNeededChunks()
			c.dispatchChunkRequests()
			c.dropTimedOutSessions()
		}
	}
}

func (c *Controller) refreshNeededChunks() {
	entries, err := c.index.IterAll()
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.Complete() {
			continue
		}
		for i, fc := range e.Meta.Chunks {
			h := chunkstore.Hash(fc.CtHash)
			if i < len(e.Bitmap) && !e.Bitmap[i] && !c.chunks.Has(h) {
				c.sched.Need(h)
			}
		}
	}
}

func (c *Controller) dispatchChunkRequests() {
	c.mu.Lock()
	sessions := make([]*gossip.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		if gs, ok := s.(*gossip.Session); ok {
			sessions = append(sessions, gs)
		}
	}
	c.mu.Unlock()

	for _, gs := range sessions {
		for {
			h, ok := c.sched.Next(gs.ID())
			if !ok {
				break
			}
			if err := gs.RequestChunk(h); err != nil {
				break
			}
			c.sched.MarkRequested(gs.ID(), h)
		}
	}
}

func (c *Controller) dropTimedOutSessions() {
	for _, id := range c.sched.CheckTimeouts() {
		c.mu.Lock()
		s, ok := c.sessions[id]
		delete(c.sessions, id)
		c.mu.Unlock()
		if ok {
			s.Close()
		}
	}
}

// Index exposes the folder's Index so a gossip session can route an
// inbound SignedMeta through Upsert directly — the Index does not
// distinguish a locally-scanned Meta from a remotely-received one, and
// doing so here would just be an unnecessary pass-through wrapper.
func (c *Controller) Index() *index.Index { return c.index }

// Chunks exposes the folder's Chunk Store so a gossip session can serve
// ChunkRequest frames and store incoming ChunkReply payloads.
func (c *Controller) Chunks() *chunkstore.Store { return c.chunks }
