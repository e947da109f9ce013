package discovery

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// initialBackoff and maxBackoff bound the reconnect backoff a Controller
// applies per candidate: spec.md §6 asks for "exponential backoff,
// capped, reset on a successful handshake" without naming constants: 1s
// doubling to a 60s cap mirrors the teacher's own reconnectLoop backoff
// shape (node.go).
const (
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second
)

// DialFunc attempts one connection + handshake against a Candidate. A nil
// error means the peer is now connected (the Controller stops retrying
// it); any error is treated as transient and retried with backoff.
type DialFunc func(ctx context.Context, cand Candidate) error

// Controller is the folder-agnostic dedup/backoff policy spec.md §6
// describes sitting between raw discovery input (beacons, DHT lookups,
// static peers) and the connect attempt: every Candidate is deduped by
// folder and identity, and each unique one gets its own independent,
// exponentially-backed-off retry loop until dial succeeds.
type Controller struct {
	dial  DialFunc
	clock clock.Clock
	log   *zap.SugaredLogger

	mu   sync.Mutex
	seen map[string]*retryState
}

type retryState struct {
	next   time.Duration
	cancel context.CancelFunc
}

// NewController builds a Controller that invokes dial for every distinct
// candidate it is offered. clk may be nil to use the real wall clock;
// tests pass a clock.NewMock() to drive backoff deterministically.
func NewController(dial DialFunc, clk clock.Clock, log *zap.SugaredLogger) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Controller{
		dial:  dial,
		clock: clk,
		log:   log.Named("discovery"),
		seen:  map[string]*retryState{},
	}
}

// Offer registers a newly discovered candidate. Duplicate offers for a
// candidate already being retried are no-ops; the first offer for a given
// dedup key starts a retry loop that runs until dial succeeds or ctx is
// canceled. A successful dial clears the key, so a later offer of the same
// candidate dials again with a fresh backoff.
func (c *Controller) Offer(ctx context.Context, cand Candidate) {
	key := dedupKey(cand)
	c.mu.Lock()
	if _, exists := c.seen[key]; exists {
		c.mu.Unlock()
		return
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	c.seen[key] = &retryState{next: initialBackoff, cancel: cancel}
	c.mu.Unlock()

	go c.retryLoop(attemptCtx, cand, key)
}

// Forget cancels any in-flight retry loop for a candidate and clears its
// backoff state, used when a folder is removed or a peer is explicitly
// untrusted.
func (c *Controller) Forget(cand Candidate) {
	key := dedupKey(cand)
	c.mu.Lock()
	st, ok := c.seen[key]
	delete(c.seen, key)
	c.mu.Unlock()
	if ok {
		st.cancel()
	}
}

func (c *Controller) retryLoop(ctx context.Context, cand Candidate, key string) {
	for {
		err := c.dial(ctx, cand)
		if err == nil {
			c.mu.Lock()
			delete(c.seen, key)
			c.mu.Unlock()
			return
		}
		c.log.Debugw("candidate dial failed, backing off", "endpoint", cand.Endpoint, "err", err)

		c.mu.Lock()
		st, ok := c.seen[key]
		if !ok {
			c.mu.Unlock()
			return // Forget raced us
		}
		wait := st.next
		st.next *= 2
		if st.next > maxBackoff {
			st.next = maxBackoff
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(wait):
		}
	}
}

func dedupKey(cand Candidate) string {
	folder := hex.EncodeToString(cand.FolderID[:])
	if len(cand.PubKey) > 0 {
		return folder + "|" + hex.EncodeToString(cand.PubKey)
	}
	return folder + "|" + cand.Endpoint
}

// AnnounceSelf publishes selfEndpoint as a provider of folderID in dht,
// the generalization of the teacher's DHT.Put calls (dht.go, node.go) to
// a folder_id key instead of a content key.
func AnnounceSelf(dht DHT, folderID [32]byte, selfEndpoint string) {
	dht.Put(folderKey(folderID), []string{selfEndpoint})
}

// LookupProviders queries dht for folderID and returns every known
// provider as a Candidate ready to Offer, mirroring the teacher's
// DHT.Get call sites.
func LookupProviders(dht DHT, folderID [32]byte) []Candidate {
	endpoints := dht.Get(folderKey(folderID))
	out := make([]Candidate, 0, len(endpoints))
	for _, ep := range endpoints {
		out = append(out, Candidate{FolderID: folderID, Endpoint: ep})
	}
	return out
}
