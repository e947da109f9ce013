package transport

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"strconv"
	"strings"

	libp2p "github.com/libp2p/go-libp2p"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"go.uber.org/zap"
)

// Protocol is the libp2p stream protocol gossip sessions negotiate.
const Protocol protocol.ID = "/librevault/gossip/1.0.0"

// mdnsTag is the same per-process service tag the teacher uses
// (constants.go's mdnsTag), since one Host serves every folder and mDNS
// discovery is host-wide, not per-folder.
const mdnsTag = "librevault-mdns"

func envPort(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if p, err := strconv.Atoi(v); err == nil && p > 0 && p < 65536 {
		return p
	}
	return def
}

// buildListenAddrs mirrors the teacher's buildListenAddrs (node.go): TCP
// fallback plus QUIC. TCP always takes an OS-assigned port; the QUIC port
// is overridable by the LIBREVAULT_QUIC_PORT environment variable and is
// otherwise OS-assigned too, so multiple local instances (tests, sibling
// nodes on one machine) don't collide.
func buildListenAddrs() []string {
	quicPort := envPort("LIBREVAULT_QUIC_PORT", 0)
	return []string{
		"/ip4/0.0.0.0/tcp/0",
		"/ip6/::/tcp/0",
		fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", quicPort),
		fmt.Sprintf("/ip6/::/udp/%d/quic-v1", quicPort),
	}
}

// PeerFoundFunc is notified whenever mDNS discovers a peer on the local
// network, independent of any folder.
type PeerFoundFunc func(peer.AddrInfo)

type mdnsNotifee struct{ fns []PeerFoundFunc }

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	for _, fn := range n.fns {
		fn(info)
	}
}

// Host wraps one libp2p host shared by every folder this process serves:
// gossip sessions for different folders multiplex over the same set of
// peer connections, distinguished by the folder_id carried in each
// session's Handshake frame rather than by a separate host per folder.
type Host struct {
	h    host.Host
	log  *zap.SugaredLogger
	note *mdnsNotifee
}

// New constructs a Host identified by priv, an ed25519 key the caller
// derives however it likes (a node identity key, analogous to the
// teacher's fingerprint-derived device key in node.go).
func New(priv ed25519.PrivateKey, log *zap.SugaredLogger) (*Host, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	libPriv, _, err := p2pcrypto.KeyPairFromStdKey(&priv)
	if err != nil {
		return nil, fmt.Errorf("transport: convert identity key: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(libPriv),
		libp2p.DefaultSecurity,
		libp2p.DefaultMuxers,
		libp2p.DefaultTransports,
		libp2p.ListenAddrStrings(buildListenAddrs()...),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: new libp2p host: %w", err)
	}

	note := &mdnsNotifee{}
	_ = mdns.NewMdnsService(h, mdnsTag, note)

	return &Host{h: h, log: log.Named("transport"), note: note}, nil
}

// ID returns this host's libp2p peer ID.
func (t *Host) ID() peer.ID { return t.h.ID() }

// Addrs returns the multiaddrs this host is reachable on.
func (t *Host) Addrs() []string {
	out := make([]string, 0, len(t.h.Addrs()))
	for _, a := range t.h.Addrs() {
		out = append(out, a.String())
	}
	return out
}

// FullAddrs returns this host's multiaddrs with its own peer ID embedded
// (the "/p2p/<id>" suffix), self-contained enough for a remote node to
// dial directly without a separate peer-ID lookup — what a beacon/DHT
// candidate needs to carry.
func (t *Host) FullAddrs() []string {
	info := peer.AddrInfo{ID: t.h.ID(), Addrs: t.h.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

// OnPeerFound registers a callback invoked whenever mDNS discovers a
// local peer, used by discovery.Controller to try a folder handshake
// against every peer mDNS surfaces.
func (t *Host) OnPeerFound(fn PeerFoundFunc) {
	t.note.fns = append(t.note.fns, fn)
}

// SetStreamHandler registers the gossip protocol handler, mirroring the
// teacher's h.SetStreamHandler(protoChat, ...) / (protoFile, ...) pattern
// collapsed onto the single gossip protocol ID.
func (t *Host) SetStreamHandler(fn func(network.Stream)) {
	t.h.SetStreamHandler(Protocol, fn)
}

// OpenStream dials peer p and opens a gossip-protocol stream to it.
func (t *Host) OpenStream(ctx context.Context, p peer.ID) (network.Stream, error) {
	s, err := t.h.NewStream(ctx, p, Protocol)
	if err != nil {
		return nil, fmt.Errorf("transport: open stream to %s: %w", p, err)
	}
	return s, nil
}

// Connect dials and establishes a connection (without opening a stream)
// to the given address, used by discovery.Controller before handshaking.
func (t *Host) Connect(ctx context.Context, info peer.AddrInfo) error {
	if err := t.h.Connect(ctx, info); err != nil {
		return fmt.Errorf("transport: connect to %s: %w", info.ID, err)
	}
	return nil
}

// Peers returns every peer ID currently connected.
func (t *Host) Peers() []peer.ID { return t.h.Network().Peers() }

// Close shuts down the underlying libp2p host.
func (t *Host) Close() error { return t.h.Close() }
