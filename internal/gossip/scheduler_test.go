package gossip

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"librevault-go/internal/chunkstore"
)

func TestSchedulerRarestFirst(t *testing.T) {
	sched := NewScheduler(nil)
	var h1, h2 chunkstore.Hash
	h1[0], h2[0] = 1, 2
	sched.Need(h1)
	sched.Need(h2)

	// h1 is announced by three peers, h2 by only one: h2 is rarer.
	sched.Announce("a", h1)
	sched.Announce("b", h1)
	sched.Announce("c", h1)
	sched.Announce("a", h2)

	got, ok := sched.Next("a")
	if !ok {
		t.Fatal("expected a candidate")
	}
	if got != h2 {
		t.Fatalf("expected rarest chunk h2, got %v", got)
	}
}

func TestSchedulerMaxOutstanding(t *testing.T) {
	sched := NewScheduler(nil)
	for i := 0; i < DefaultMaxOutstanding+1; i++ {
		var h chunkstore.Hash
		h[0] = byte(i)
		h[1] = byte(i >> 8)
		sched.Need(h)
		sched.Announce("peer", h)
		if i < DefaultMaxOutstanding {
			sched.MarkRequested("peer", h)
		}
	}
	if _, ok := sched.Next("peer"); ok {
		t.Fatal("expected no candidate once at max outstanding")
	}
}

func TestSchedulerTimeoutRequeuesAndDrops(t *testing.T) {
	mock := clock.NewMock()
	sched := NewScheduler(mock)
	var h chunkstore.Hash
	h[0] = 7
	sched.Need(h)
	sched.Announce("peer", h)

	// spec.md §4.9: "after three timeouts the session is dropped" — the
	// session must be reported as a drop candidate on its MaxTimeouth
	// timeout, not the one after.
	for i := 0; i < MaxTimeouts; i++ {
		if _, ok := sched.Next("peer"); !ok {
			t.Fatalf("round %d: expected candidate", i)
		}
		sched.MarkRequested("peer", h)
		mock.Add(DefaultRequestTimeout + time.Second)
		drops := sched.CheckTimeouts()
		if i < MaxTimeouts-1 {
			if len(drops) != 0 {
				t.Fatalf("round %d: unexpected drop", i)
			}
			continue
		}
		if len(drops) != 1 || drops[0] != "peer" {
			t.Fatalf("round %d: expected peer to be dropped, got %v", i, drops)
		}
	}
}

func TestSchedulerForgetClearsNeed(t *testing.T) {
	sched := NewScheduler(nil)
	var h chunkstore.Hash
	h[0] = 3
	sched.Need(h)
	sched.Announce("peer", h)
	sched.Forget(h)
	if _, ok := sched.Next("peer"); ok {
		t.Fatal("expected no candidate after Forget")
	}
}

func TestSchedulerRemoveSessionFreesAnnouncements(t *testing.T) {
	sched := NewScheduler(nil)
	var h chunkstore.Hash
	h[0] = 5
	sched.Need(h)
	sched.Announce("peer", h)
	sched.MarkRequested("peer", h)
	sched.RemoveSession("peer")
	if _, ok := sched.Next("peer"); ok {
		t.Fatal("expected no candidate for a removed session")
	}
}
