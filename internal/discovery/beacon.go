// Package discovery implements the external discovery collaborators
// spec.md §6 scopes out at their interface — "discovery modules deliver
// (folder_id, endpoint, optional_pubkey) triples" — and the Controller-
// side dedup/backoff policy that consumes them. Local multicast beaconing
// is grounded directly on the teacher's startBroadcaster/startListener
// (discover.go): the same encrypted-UDP-multicast shape, generalized from
// the teacher's single global BeaconKey to a per-folder key derived from
// that folder's Secret, and from a raw NodeID to a hashed folder_id so no
// beacon ever leaks which folder it announces to an eavesdropper who
// doesn't hold the Secret.
package discovery

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"librevault-go/internal/secret"
)

// Candidate is one discovered endpoint for a folder, the exact
// "(folder_id, endpoint, optional_pubkey)" triple spec.md §6 describes
// Discovery delivering to the Controller.
type Candidate struct {
	FolderID [32]byte
	Endpoint string   // a single dialable address, kept for DHT/static-peer entries
	Addrs    []string // every dialable multiaddr a beacon-sourced candidate advertised
	PubKey   []byte   // optional; nil if the beacon/DHT entry didn't carry one
}

// beaconMagic tags an encrypted beacon packet, mirroring the teacher's
// beaconMagic in beacon_encrypt.go.
var beaconMagic = []byte("LVB1")

// beaconPayload is the plaintext JSON sealed inside every beacon,
// generalizing the teacher's Beacon struct (constants.go/discover.go)
// from a raw NodeID to a folder_id (both are hashes the beacon's
// encryption already hides from anyone without the key).
type beaconPayload struct {
	FolderID string   `json:"folder_id"`
	Addrs    []string `json:"addrs"`
	TS       int64    `json:"ts"`
	PubKey   string   `json:"pub_key,omitempty"`
}

// Beacon broadcasts and listens for encrypted presence beacons for one
// folder over UDP multicast.
type Beacon struct {
	folderID [32]byte
	key      []byte // chacha20poly1305.KeySize bytes, derived from the folder Secret
	group    string
	port     int
	addrs    []string // this node's own dialable multiaddrs
	nodePub  []byte
	log      *zap.SugaredLogger
}

// NewBeacon constructs a Beacon for sec's folder. group/port select the
// multicast address (e.g. "239.255.77.88", 27814); addrs and nodePub are
// this node's own dialable transport addresses and identity public key,
// carried in every beacon so listeners can dial straight back in without
// a separate lookup.
func NewBeacon(sec secret.Secret, group string, port int, addrs []string, nodePub []byte, log *zap.SugaredLogger) (*Beacon, error) {
	folderID, err := sec.DeriveFolderID()
	if err != nil {
		return nil, fmt.Errorf("discovery: derive folder id: %w", err)
	}
	key, err := beaconKey(sec)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Beacon{
		folderID: folderID,
		key:      key,
		group:    group,
		port:     port,
		addrs:    addrs,
		nodePub:  nodePub,
		log:      log.Named("discovery"),
	}, nil
}

// beaconKey derives a symmetric beacon-encryption key from the folder's
// own encryption key (never the raw Secret), the same HKDF-with-info
// idiom secret.Secret uses for every other derived key.
func beaconKey(sec secret.Secret) ([]byte, error) {
	enc, err := sec.DeriveEncryptionKey()
	if err != nil {
		return nil, err
	}
	h := hkdf.New(sha256.New, enc[:], nil, []byte("librevault-beacon"))
	out := make([]byte, chacha20poly1305.KeySize)
	if _, err := h.Read(out); err != nil {
		return nil, fmt.Errorf("discovery: derive beacon key: %w", err)
	}
	return out, nil
}

// Broadcast sends an encrypted beacon on interval until ctx is canceled,
// mirroring the teacher's startBroadcaster ticker loop.
func (b *Beacon) Broadcast(ctx context.Context, interval time.Duration) error {
	addr := net.JoinHostPort(b.group, strconv.Itoa(b.port))
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("discovery: resolve multicast addr: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return fmt.Errorf("discovery: dial multicast: %w", err)
	}
	go func() {
		defer conn.Close()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pkt, err := b.encode()
				if err != nil {
					b.log.Warnw("beacon encode failed", "err", err)
					continue
				}
				if _, err := conn.Write(pkt); err != nil {
					b.log.Debugw("beacon write failed", "err", err)
				}
			}
		}
	}()
	return nil
}

func (b *Beacon) encode() ([]byte, error) {
	payload := beaconPayload{
		FolderID: base64.RawURLEncoding.EncodeToString(b.folderID[:]),
		Addrs:    b.addrs,
		TS:       time.Now().Unix(),
	}
	if len(b.nodePub) > 0 {
		payload.PubKey = base64.RawURLEncoding.EncodeToString(b.nodePub)
	}
	return encryptBeacon(payload, b.key)
}

// Listen joins the multicast group on iface and delivers decoded
// Candidates to onCandidate until ctx is canceled, mirroring the
// teacher's startListener.
func (b *Beacon) Listen(ctx context.Context, iface *net.Interface, onCandidate func(Candidate)) error {
	groupIP := net.ParseIP(b.group)
	if groupIP == nil {
		return fmt.Errorf("discovery: invalid multicast group %q", b.group)
	}
	conn, err := net.ListenMulticastUDP("udp", iface, &net.UDPAddr{IP: groupIP, Port: b.port})
	if err != nil {
		return fmt.Errorf("discovery: listen multicast: %w", err)
	}
	if err := conn.SetReadBuffer(1 << 20); err != nil {
		b.log.Debugw("set read buffer failed", "err", err)
	}

	go func() {
		defer conn.Close()
		buf := make([]byte, 65535)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				b.log.Debugw("beacon read failed", "err", err)
				continue
			}
			payload, err := decryptBeacon(buf[:n], b.key)
			if err != nil {
				continue // not our folder's beacon, or a corrupt packet
			}
			wantFolder := base64.RawURLEncoding.EncodeToString(b.folderID[:])
			if payload.FolderID != wantFolder {
				continue
			}
			var pub []byte
			if payload.PubKey != "" {
				if dec, err := base64.RawURLEncoding.DecodeString(payload.PubKey); err == nil {
					pub = dec
				}
			}
			var endpoint string
			if len(payload.Addrs) > 0 {
				endpoint = payload.Addrs[0]
			} else {
				endpoint = src.IP.String()
			}
			onCandidate(Candidate{
				FolderID: b.folderID,
				Endpoint: endpoint,
				Addrs:    payload.Addrs,
				PubKey:   pub,
			})
		}
	}()
	return nil
}

func encryptBeacon(v any, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plain, nil)
	out := make([]byte, 0, len(beaconMagic)+len(nonce)+len(ct))
	out = append(out, beaconMagic...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

func decryptBeacon(pkt []byte, key []byte) (beaconPayload, error) {
	var p beaconPayload
	if len(pkt) <= len(beaconMagic)+chacha20poly1305.NonceSizeX {
		return p, errors.New("discovery: beacon packet too short")
	}
	if string(pkt[:len(beaconMagic)]) != string(beaconMagic) {
		return p, errors.New("discovery: bad beacon magic")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return p, err
	}
	nonce := pkt[len(beaconMagic) : len(beaconMagic)+chacha20poly1305.NonceSizeX]
	ct := pkt[len(beaconMagic)+chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(plain, &p); err != nil {
		return p, err
	}
	return p, nil
}
