package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// TestControllerRetriesWithBackoffUntilSuccess exercises the real clock
// (backoff starts at initialBackoff == 1s) rather than a mock: driving a
// mock clock correctly requires synchronizing with exactly when the retry
// loop registers its next timer, which a fixed Candidate/dial pairing
// can't observe from outside. Real time keeps the test simple at the
// cost of a couple of seconds of wall-clock runtime.
func TestControllerRetriesWithBackoffUntilSuccess(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	succeedOn := 3

	dial := func(ctx context.Context, cand Candidate) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n >= succeedOn {
			return nil
		}
		return errTransient
	}

	c := NewController(dial, nil, nil)
	cand := Candidate{FolderID: [32]byte{1}, Endpoint: "10.0.0.1:6512"}
	c.Offer(context.Background(), cand)

	deadline := time.Now().Add(6 * time.Second)
	for {
		mu.Lock()
		n := attempts
		mu.Unlock()
		if n >= succeedOn {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d attempts within deadline, got %d", succeedOn, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestControllerOfferDedupsByFolderAndPubKey(t *testing.T) {
	var mu sync.Mutex
	var dialed []string
	dial := func(ctx context.Context, cand Candidate) error {
		mu.Lock()
		dialed = append(dialed, cand.Endpoint)
		mu.Unlock()
		return nil
	}
	c := NewController(dial, clock.NewMock(), nil)
	cand := Candidate{FolderID: [32]byte{2}, PubKey: []byte("same-peer"), Endpoint: "10.0.0.2:6512"}
	cand2 := cand
	cand2.Endpoint = "10.0.0.3:6512" // different endpoint, same pubkey: still deduped

	c.Offer(context.Background(), cand)
	c.Offer(context.Background(), cand2)

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(dialed)
		mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected at least one dial attempt")
		}
		time.Sleep(time.Millisecond)
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(dialed) != 1 {
		t.Fatalf("expected exactly one dial despite two offers, got %d: %v", len(dialed), dialed)
	}
}

func TestSimpleDHTPutGetRoundTrip(t *testing.T) {
	d := NewSimpleDHT("self")
	folderID := [32]byte{9, 9, 9}
	AnnounceSelf(d, folderID, "192.168.1.5:6512")
	AnnounceSelf(d, folderID, "192.168.1.6:6512")

	cands := LookupProviders(d, folderID)
	if len(cands) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(cands))
	}
	for _, c := range cands {
		if c.FolderID != folderID {
			t.Fatal("candidate folder_id mismatch")
		}
	}
}

type transientErr string

func (e transientErr) Error() string { return string(e) }

const errTransient = transientErr("connection refused")
