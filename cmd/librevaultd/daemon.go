package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"librevault-go/internal/chunkstore"
	"librevault-go/internal/config"
	"librevault-go/internal/discovery"
	"librevault-go/internal/folder"
	"librevault-go/internal/gossip"
	"librevault-go/internal/ignore"
	"librevault-go/internal/index"
	"librevault-go/internal/scanner"
	"librevault-go/internal/transport"
)

// beaconInterval is how often each folder's presence beacon re-announces,
// mirroring the teacher's cfg.BroadcastIntv (constants.go defaults).
const beaconInterval = 5 * time.Second

// servedFolder bundles one folder's Controller with the discovery
// collaborators that feed it candidate peers, so the daemon can tear all
// three down together.
type servedFolder struct {
	ctrl   *folder.Controller
	beacon *discovery.Beacon
	disc   *discovery.Controller
}

// daemon is the process-wide object tying one libp2p Host, one DHT, and
// every configured folder's Controller together. It plays the role the
// teacher's main() body plays inline (node.go) — wiring discovery,
// transport, and per-unit state into one running process — pulled out
// into its own type because librevaultd serves many folders, not the
// teacher's single global mixnet.
type daemon struct {
	host     *transport.Host
	identity ed25519.PrivateKey
	dht      discovery.DHT
	mcGroup  string
	mcPort   int
	mcIface  *net.Interface
	log      *zap.SugaredLogger

	mu      sync.RWMutex
	folders map[[32]byte]*servedFolder
}

func newDaemon(identity ed25519.PrivateKey, host *transport.Host, cfg daemonConfig, log *zap.SugaredLogger) *daemon {
	ifi, err := discovery.PickInterface(cfg.MCIface, cfg.MCSubnet)
	if err != nil {
		log.Warnw("no multicast interface found, beacons disabled", "err", err)
	}
	d := &daemon{
		identity: identity,
		host:     host,
		dht:      discovery.NewSimpleDHT(host.ID().String()),
		mcGroup:  cfg.MCGroup,
		mcPort:   cfg.MCPort,
		mcIface:  ifi,
		log:      log.Named("daemon"),
		folders:  map[[32]byte]*servedFolder{},
	}
	host.SetStreamHandler(d.handleInboundStream)
	host.OnPeerFound(d.handlePeerFound)
	return d
}

// folderByID looks up a served folder by its derived folder_id, used by
// the inbound stream handler to pick a Backend before the Session exists.
func (d *daemon) folderByID(id [32]byte) (*servedFolder, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, ok := d.folders[id]
	return f, ok
}

func (d *daemon) allFolders() []*servedFolder {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*servedFolder, 0, len(d.folders))
	for _, f := range d.folders {
		out = append(out, f)
	}
	return out
}

// registerFolder opens a folder's Index/Chunk Store, builds its
// Controller, and starts its discovery collaborators (beacon broadcast +
// listen, DHT self-announce/lookup). It does not start the Controller's
// Run loop; main starts every registered folder's Run only after every
// folder in the config has been registered, mirroring the teacher's
// "build everything, then start the loops" main() shape.
func (d *daemon) registerFolder(ctx context.Context, stateDir string, p config.FolderParams, log *zap.SugaredLogger) (*folder.Controller, error) {
	sec, err := p.DecodeSecret()
	if err != nil {
		return nil, fmt.Errorf("daemon: decode secret: %w", err)
	}
	folderID, err := sec.DeriveFolderID()
	if err != nil {
		return nil, fmt.Errorf("daemon: derive folder id: %w", err)
	}

	sysPath := p.SystemPath
	if sysPath == "" {
		sysPath = filepath.Join(stateDir, "folders", fmt.Sprintf("%x", folderID[:8]))
	}
	if err := os.MkdirAll(sysPath, 0o700); err != nil {
		return nil, fmt.Errorf("daemon: create folder state dir: %w", err)
	}

	ix, err := index.Open(filepath.Join(sysPath, "index.db"), sec, log)
	if err != nil {
		return nil, fmt.Errorf("daemon: open index: %w", err)
	}

	cs, err := chunkstore.Open(filepath.Join(sysPath, "chunks"), log)
	if err != nil {
		return nil, fmt.Errorf("daemon: open chunk store: %w", err)
	}

	ig, err := ignore.New(p.IgnorePaths)
	if err != nil {
		return nil, fmt.Errorf("daemon: build ignore filter: %w", err)
	}

	ctrl, err := folder.New(folder.Deps{
		Root:    p.Path,
		Secret:  sec,
		Index:   ix,
		Chunks:  cs,
		Ignore:  ig,
		Scanner: scannerConfigFrom(p),
		Log:     log,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: build controller: %w", err)
	}

	sf := &servedFolder{ctrl: ctrl}

	ourPub := d.identity.Public().(ed25519.PublicKey)
	beacon, err := discovery.NewBeacon(sec, d.mcGroup, d.mcPort, d.host.FullAddrs(), ourPub, log)
	if err != nil {
		return nil, fmt.Errorf("daemon: build beacon: %w", err)
	}
	sf.beacon = beacon
	sf.disc = discovery.NewController(d.dialFunc(ctrl), nil, log)

	d.mu.Lock()
	d.folders[folderID] = sf
	d.mu.Unlock()

	if d.mcIface == nil {
		log.Warnw("skipping beacon, no multicast interface available")
	} else {
		if err := beacon.Broadcast(ctx, beaconInterval); err != nil {
			log.Warnw("beacon broadcast failed to start", "err", err)
		}
		if err := beacon.Listen(ctx, d.mcIface, func(cand discovery.Candidate) {
			sf.disc.Offer(ctx, cand)
		}); err != nil {
			log.Warnw("beacon listen failed to start", "err", err)
		}
	}

	discovery.AnnounceSelf(d.dht, folderID, firstOrEmpty(d.host.FullAddrs()))
	for _, cand := range discovery.LookupProviders(d.dht, folderID) {
		sf.disc.Offer(ctx, cand)
	}
	for _, n := range p.Nodes {
		sf.disc.Offer(ctx, discovery.Candidate{FolderID: folderID, Endpoint: n})
	}

	return ctrl, nil
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

// dialFunc returns the discovery.DialFunc a folder's discovery.Controller
// drives its backoff loop with: parse the candidate's multiaddr(s),
// connect, open a gossip stream, and handshake.
func (d *daemon) dialFunc(ctrl *folder.Controller) discovery.DialFunc {
	return func(ctx context.Context, cand discovery.Candidate) error {
		addrStrs := cand.Addrs
		if len(addrStrs) == 0 && cand.Endpoint != "" {
			addrStrs = []string{cand.Endpoint}
		}
		if len(addrStrs) == 0 {
			return fmt.Errorf("daemon: candidate has no address")
		}

		var info *peer.AddrInfo
		for _, s := range addrStrs {
			maddr, err := ma.NewMultiaddr(s)
			if err != nil {
				continue
			}
			pi, err := peer.AddrInfoFromP2pAddr(maddr)
			if err != nil {
				continue
			}
			info = pi
			break
		}
		if info == nil {
			return fmt.Errorf("daemon: no dialable multiaddr in candidate")
		}

		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := d.host.Connect(dialCtx, *info); err != nil {
			return err
		}
		stream, err := d.host.OpenStream(dialCtx, info.ID)
		if err != nil {
			return err
		}

		sess := gossip.New(info.ID.String(), stream, ctrl.Backend(), ctrl.Scheduler(), d.log)
		ourPub := d.identity.Public().(ed25519.PublicKey)
		if _, err := sess.Handshake(ourPub); err != nil {
			stream.Close()
			return err
		}
		sess.OnClose(func(id string, reason error) { ctrl.RemoveSession(id) })
		ctrl.AddSession(info.ID.String(), sess)
		go sess.Run()
		return nil
	}
}

// handleInboundStream accepts a gossip-protocol stream dialed in by a
// peer whose folder we don't yet know: it reads the peer's Handshake
// frame, resolves the matching folder's Controller, and finishes the
// handshake against that Controller's Backend.
func (d *daemon) handleInboundStream(s network.Stream) {
	peerHS, err := gossip.ReadHandshake(s)
	if err != nil {
		d.log.Debugw("inbound handshake read failed", "err", err)
		s.Close()
		return
	}
	sf, ok := d.folderByID(peerHS.FolderID)
	if !ok {
		d.log.Debugw("inbound stream for unknown folder")
		s.Close()
		return
	}
	remote := s.Conn().RemotePeer().String()
	sess := gossip.New(remote, s, sf.ctrl.Backend(), sf.ctrl.Scheduler(), d.log)
	ourPub := d.identity.Public().(ed25519.PublicKey)
	if _, err := sess.CompleteInboundHandshake(peerHS, ourPub); err != nil {
		d.log.Debugw("inbound handshake rejected", "err", err)
		s.Close()
		return
	}
	sess.OnClose(func(id string, reason error) { sf.ctrl.RemoveSession(id) })
	sf.ctrl.AddSession(remote, sess)
	go sess.Run()
}

// handlePeerFound reacts to mDNS surfacing a local peer by offering it to
// every served folder's discovery Controller as a candidate; the peer
// doesn't have to actually share any folder with us — the handshake
// itself is what establishes that (a folder mismatch just fails to
// connect, per gossip.Session.Handshake).
func (d *daemon) handlePeerFound(info peer.AddrInfo) {
	addrs := make([]string, 0, len(info.Addrs))
	for _, a := range info.Addrs {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a.String(), info.ID.String()))
	}
	for _, sf := range d.allFolders() {
		sf.disc.Offer(context.Background(), discovery.Candidate{FolderID: sf.ctrl.FolderID(), Addrs: addrs})
	}
}

func scannerConfigFrom(p config.FolderParams) scanner.Config {
	return scanner.Config{
		Root:                  p.Path,
		IndexEventTimeout:     p.IndexEventTimeout(),
		FullRescanInterval:    p.FullRescanInterval(),
		PreserveUnixAttrib:    p.PreserveUnixAttrib,
		PreserveWindowsAttrib: p.PreserveWindowsAttrib,
		PreserveSymlinks:      p.PreserveSymlinks,
		NormalizeUnicode:      p.NormalizeUnicode,
		ChunkStrongHashType:   p.StrongHashType(),
	}
}
