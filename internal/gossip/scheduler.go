package gossip

import (
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"librevault-go/internal/chunkstore"
)

// DefaultMaxOutstanding is the per-session bound on concurrent
// ChunkRequests (spec.md §4.9).
const DefaultMaxOutstanding = 16

// DefaultRequestTimeout is how long a ChunkRequest may go unanswered
// before it is re-queued and the session's trust score is decremented.
const DefaultRequestTimeout = 30 * time.Second

// MaxTimeouts is how many timed-out requests a session tolerates before
// the scheduler asks the Controller to drop it.
const MaxTimeouts = 3

// pending tracks one outstanding request.
type pending struct {
	ctHash    chunkstore.Hash
	requestAt time.Time
}

// Scheduler is the per-Controller, across-all-sessions chunk request
// scheduler: rarest-first by announcing-peer count, bounded outstanding
// requests per session, per-request timeout, and a trust score that
// drops a session after three timeouts. It is grounded on the teacher's
// RTT-tracked peer selection (node.go's pingLoop/nearestPeer,
// file_transfer.go's peersByRTT) generalized from "pick the fastest peer"
// to "pick the rarest chunk, then a session that has it", per
// SPEC_FULL.md §9.
type Scheduler struct {
	mu             sync.Mutex
	clock          clock.Clock
	maxOutstanding int
	timeout        time.Duration

	// needed maps a chunk the Controller still wants to the set of
	// session IDs that have announced (via HaveChunk) that they hold it.
	needed map[chunkstore.Hash]map[string]struct{}

	// outstanding maps a session ID to its in-flight requests.
	outstanding map[string]map[chunkstore.Hash]pending

	// timeouts counts consecutive request timeouts per session.
	timeouts map[string]int
}

// NewScheduler constructs a Scheduler. A nil clk uses the real wall clock.
func NewScheduler(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		clock:          clk,
		maxOutstanding: DefaultMaxOutstanding,
		timeout:        DefaultRequestTimeout,
		needed:         map[chunkstore.Hash]map[string]struct{}{},
		outstanding:    map[string]map[chunkstore.Hash]pending{},
		timeouts:       map[string]int{},
	}
}

// Need registers h as wanted, if not already tracked.
func (s *Scheduler) Need(h chunkstore.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.needed[h]; !ok {
		s.needed[h] = map[string]struct{}{}
	}
}

// Announce records that sessionID holds h, making it a rarest-first
// candidate the next time that session asks for work. Announcing a hash
// nobody Need()ed yet is harmless — it just sits unused until Need is
// called (or forever, if we never need it).
func (s *Scheduler) Announce(sessionID string, h chunkstore.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.needed[h]
	if !ok {
		return
	}
	set[sessionID] = struct{}{}
}

// Forget drops h from the needed set once it has been obtained, and
// clears any outstanding bookkeeping for it across every session.
func (s *Scheduler) Forget(h chunkstore.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.needed, h)
	for _, out := range s.outstanding {
		delete(out, h)
	}
}

// RemoveSession drops all bookkeeping for a closed session, returning its
// outstanding chunks to the needed pool for other sessions to pick up.
func (s *Scheduler) RemoveSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, set := range s.needed {
		delete(set, sessionID)
	}
	delete(s.outstanding, sessionID)
	delete(s.timeouts, sessionID)
}

// Next picks the rarest still-needed chunk sessionID has announced and
// isn't already requesting from it, or ok=false if there's nothing to
// ask for or the session is already at DefaultMaxOutstanding.
func (s *Scheduler) Next(sessionID string) (h chunkstore.Hash, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.outstanding[sessionID]) >= s.maxOutstanding {
		return h, false
	}

	type candidate struct {
		hash   chunkstore.Hash
		rarity int
	}
	var candidates []candidate
	for hash, announcers := range s.needed {
		if _, has := announcers[sessionID]; !has {
			continue
		}
		if _, inflight := s.outstanding[sessionID][hash]; inflight {
			continue
		}
		candidates = append(candidates, candidate{hash, len(announcers)})
	}
	if len(candidates) == 0 {
		return h, false
	}

	best := candidates[0].rarity
	for _, c := range candidates[1:] {
		if c.rarity < best {
			best = c.rarity
		}
	}
	var rarest []chunkstore.Hash
	for _, c := range candidates {
		if c.rarity == best {
			rarest = append(rarest, c.hash)
		}
	}
	h = rarest[rand.Intn(len(rarest))]
	return h, true
}

// MarkRequested records h as in-flight for sessionID, starting its
// timeout clock.
func (s *Scheduler) MarkRequested(sessionID string, h chunkstore.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.outstanding[sessionID]
	if !ok {
		out = map[chunkstore.Hash]pending{}
		s.outstanding[sessionID] = out
	}
	out[h] = pending{ctHash: h, requestAt: s.clock.Now()}
}

// MarkReceived clears h's in-flight bookkeeping for sessionID and resets
// its timeout streak (a successful reply is evidence the session is
// healthy again).
func (s *Scheduler) MarkReceived(sessionID string, h chunkstore.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outstanding[sessionID], h)
	s.timeouts[sessionID] = 0
}

// CheckTimeouts re-queues any request older than the scheduler's timeout
// and reports which sessions have now reached MaxTimeouts consecutive
// timeouts and should be dropped by the caller.
func (s *Scheduler) CheckTimeouts() (dropSessions []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for sessionID, out := range s.outstanding {
		for h, p := range out {
			if now.Sub(p.requestAt) < s.timeout {
				continue
			}
			delete(out, h)
			s.timeouts[sessionID]++
			if s.timeouts[sessionID] >= MaxTimeouts {
				dropSessions = append(dropSessions, sessionID)
			}
		}
	}
	return dropSessions
}
