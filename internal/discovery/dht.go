package discovery

import (
	"encoding/hex"
	"sync"
)

// DHT is an announce/lookup table keyed by folder_id, generalized directly
// from the teacher's DHT interface (dht.go) — Put/Get/SelfID unchanged,
// just keyed by a folder identifier instead of a raw content key.
type DHT interface {
	Put(folderIDHex string, providers []string)
	Get(folderIDHex string) []string
	SelfID() string
}

// simpleDHT is an in-process stand-in for a real Kademlia DHT, adapted
// line-for-line from the teacher's simpleDHT (dht.go). It has no network
// behavior of its own; Controller calls Put when this node has something
// to announce and Get when hunting for providers of a folder it wants to
// join, exactly the shape a real DHT client would be called with.
type simpleDHT struct {
	selfID string
	mu     sync.RWMutex
	table  map[string]map[string]struct{} // folder_id(hex) -> set(provider endpoint)
}

// NewSimpleDHT constructs the in-process DHT stand-in. selfID is this
// node's own identifier (e.g. its libp2p peer ID), carried for parity
// with a real DHT client but otherwise unused by the stand-in.
func NewSimpleDHT(selfID string) DHT {
	return &simpleDHT{selfID: selfID, table: make(map[string]map[string]struct{})}
}

func (d *simpleDHT) Put(key string, providers []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set := d.table[key]
	if set == nil {
		set = make(map[string]struct{})
		d.table[key] = set
	}
	for _, p := range providers {
		set[p] = struct{}{}
	}
}

func (d *simpleDHT) Get(key string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	set := d.table[key]
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out
}

func (d *simpleDHT) SelfID() string { return d.selfID }

// folderKey renders a folder_id as the hex string simpleDHT keys its
// table by.
func folderKey(folderID [32]byte) string { return hex.EncodeToString(folderID[:]) }
