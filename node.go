package dht

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// TickPeriod is the interval the outer session is expected to drive Tick
// at, spec.md §4.6.
const TickPeriod = 2 * time.Minute

// TransportSink is the datagram send path, a collaborator deliberately kept
// out of scope (spec.md §1): the core calls it to emit an encoded message
// toward a remote endpoint, and never opens a socket itself.
type TransportSink interface {
	Send(ep Endpoint, msg Dict) error
}

// RateLimiter lets the dispatcher's inbound path drop excess packets under
// load, the defensive feature the teacher's dht.go implements inline with
// a token bucket (spec.md §9 Design Notes, "Rate limiting" supplement).
type RateLimiter interface {
	Allow(ip string) bool
}

// Config bundles every collaborator and tunable the core needs. Only
// Transport is required; everything else has a sane default, mirroring the
// teacher's NewDHTNode/NewConfig split.
type Config struct {
	LocalID        ID
	ExternalIP     []byte
	NumTargetPeers int
	MaxTorrents    int
	MaxPeerReply   int
	MaxFeedItems   int
	Routers        []Endpoint

	Transport   TransportSink
	Codec       Codec
	Verifier    Verifier
	RateLimiter RateLimiter
	Clock       clock.Clock
	Logger      *zap.Logger
}

func (c *Config) setDefaults() {
	if c.NumTargetPeers == 0 {
		c.NumTargetPeers = 8
	}
	if c.MaxTorrents == 0 {
		c.MaxTorrents = 16384
	}
	if c.MaxPeerReply == 0 {
		c.MaxPeerReply = K
	}
	if c.MaxFeedItems == 0 {
		c.MaxFeedItems = 4096
	}
	if c.Codec == nil {
		c.Codec = NewBencodeCodec()
	}
	if c.Verifier == nil {
		c.Verifier = NewSecp256k1Verifier()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.RateLimiter == nil {
		c.RateLimiter = newTokenBucketLimiter(100, c.Clock)
	}
}

// DHT is the Kademlia DHT core: the single-threaded executor that owns the
// routing table, RPC manager, storage indices and token authority, driven
// entirely by Dispatch (inbound datagrams) and Tick (the periodic
// maintenance sweep) calls from an outer session, per spec.md §5. There is
// no internal goroutine and no locking beyond the coarse gate Snapshot takes
// to hand out an owned Status.
type DHT struct {
	cfg    Config
	logger *zap.Logger
	clock  clock.Clock

	localID ID

	rt        *RoutingTable
	rpc       *RPCManager
	peers     *PeerStore
	feeds     *FeedStore
	tokens    *tokenAuthority
	transport TransportSink
	codec     Codec
	verifier  Verifier
	limiter   RateLimiter

	localDownloads map[ID]bool

	mu sync.Mutex // guards only the fields Status reads.
}

// New constructs a DHT core from cfg. If cfg.LocalID is the zero value, a
// random ID is generated and, when an external IP is provided, bound to it
// per spec.md §3.
func New(cfg Config) (*DHT, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("dht: Config.Transport is required")
	}
	cfg.setDefaults()

	localID := cfg.LocalID
	zero := ID{}
	if localID == zero {
		rnd := RandomID()
		if cfg.ExternalIP != nil {
			localID = GenerateBoundID(cfg.ExternalIP, rnd)
		} else {
			localID = rnd
		}
	} else if cfg.ExternalIP != nil && !VerifyIDBinding(localID, cfg.ExternalIP) {
		// Invariant from spec.md §3: keep the configured ID only if it
		// verifies against the external address.
		rnd := RandomID()
		localID = GenerateBoundID(cfg.ExternalIP, rnd)
	}

	d := &DHT{
		cfg:            cfg,
		logger:         cfg.Logger,
		clock:          cfg.Clock,
		localID:        localID,
		transport:      cfg.Transport,
		codec:          cfg.Codec,
		verifier:       cfg.Verifier,
		limiter:        cfg.RateLimiter,
		localDownloads: make(map[ID]bool),
	}
	d.rt = NewRoutingTable(localID, cfg.Clock)
	d.rpc = NewRPCManager(d.rt, cfg.Clock, cfg.Logger)
	d.peers = NewPeerStore(cfg.MaxTorrents, cfg.MaxPeerReply, cfg.Clock)
	d.feeds = NewFeedStore(cfg.MaxFeedItems, cfg.Clock)
	d.tokens = newTokenAuthority(cfg.Clock)

	for _, r := range cfg.Routers {
		d.addRouter(r)
	}
	return d, nil
}

// LocalID returns the node's own identifier.
func (d *DHT) LocalID() ID { return d.localID }

func (d *DHT) addRouter(ep Endpoint) {
	id := sum160([]byte("router"), []byte(ep.String()))
	b := d.rt.bucketFor(id)
	d.rt.insertLive(b, &NodeEntry{ID: id, Endpoint: ep, LastHeard: d.clock.Now(), Flags: FlagPinned})
}

// send hands a Dict to the transport sink unencoded, mirroring the
// teacher's sendMsg in krpc.go but operating on a Dict rather than bencode
// bytes directly; encoding is left to the sink.
func (d *DHT) send(ep Endpoint, msg Dict) {
	if err := d.transport.Send(ep, msg); err != nil {
		d.logger.Debug("transport send failed", zap.String("endpoint", ep.String()), zap.Error(err))
	}
}

// sendPing issues a standalone ping, used both for bootstrap and for the
// routing table's stale-entry liveness check (spec.md §4.1 replacement
// policy).
func (d *DHT) sendPing(ep Endpoint, cb func(ReplyResult)) {
	msg, ok := d.rpc.Invoke(d.localID, ep, QueryPing, Dict{}, cb)
	if !ok {
		if cb != nil {
			cb(ReplyResult{OK: false})
		}
		return
	}
	d.send(ep, msg)
}

// sendFindNode implements the sender interface traversals use.
func (d *DHT) sendFindNode(ep Endpoint, target ID, cb func(ReplyResult)) {
	msg, ok := d.rpc.Invoke(d.localID, ep, QueryFindNode, Dict{"target": string(target[:])}, cb)
	if !ok {
		if cb != nil {
			cb(ReplyResult{OK: false})
		}
		return
	}
	d.send(ep, msg)
}

// sendGetPeers implements the sender interface traversals use.
func (d *DHT) sendGetPeers(ep Endpoint, ih ID, cb func(ReplyResult)) {
	msg, ok := d.rpc.Invoke(d.localID, ep, QueryGetPeers, Dict{"info_hash": string(ih[:])}, cb)
	if !ok {
		if cb != nil {
			cb(ReplyResult{OK: false})
		}
		return
	}
	d.send(ep, msg)
}

// sendAnnouncePeer sends announce_peer using a token a node previously
// handed out during find-peers, composing the announce algorithm spec.md
// §4.4 describes.
func (d *DHT) sendAnnouncePeer(ep Endpoint, ih ID, port int, token []byte, cb func(ReplyResult)) {
	msg, ok := d.rpc.Invoke(d.localID, ep, QueryAnnouncePeer, Dict{
		"info_hash": string(ih[:]),
		"port":      int64(port),
		"token":     string(token),
	}, cb)
	if !ok {
		if cb != nil {
			cb(ReplyResult{OK: false})
		}
		return
	}
	d.send(ep, msg)
}

// needMoreNodes mirrors the teacher's DHT.needMoreNodes: a simple heuristic
// for whether the routing table is healthy enough yet.
func (d *DHT) needMoreNodes() bool {
	n := d.rt.NumNodes()
	return n < K*2 || n*2 < d.cfg.NumTargetPeers*K
}

// Bootstrap runs a find_node traversal for the local ID seeded with the
// caller-supplied endpoints, populating the routing table with entries
// close to self, per spec.md §4.4.
func (d *DHT) Bootstrap(seeds []Endpoint, cb func(TraversalResult)) *Traversal {
	seedNodes := make([]NodeEntry, 0, len(seeds))
	for _, ep := range seeds {
		seedNodes = append(seedNodes, NodeEntry{Endpoint: ep, Flags: FlagInitial})
	}
	t := NewTraversal(TraversalBootstrap, d.localID, seedNodes, d, d.logger, cb)
	t.Pump()
	return t
}

// Refresh runs a find_node traversal for id to repopulate a stale bucket,
// per spec.md §4.4.
func (d *DHT) Refresh(id ID, cb func(TraversalResult)) *Traversal {
	seed := d.rt.FindNode(id, true)
	t := NewTraversal(TraversalRefresh, id, seed, d, d.logger, cb)
	t.Pump()
	return t
}

// FindPeers runs a get_peers traversal for ih, delivering each peer batch
// to peersCb and the terminal (closest-node, token) set to nodesCb, per
// spec.md §4.4.
func (d *DHT) FindPeers(ih ID, peersCb func([]Endpoint), nodesCb func(TraversalResult)) *Traversal {
	seed := d.rt.FindNode(ih, false)
	t := NewTraversal(TraversalFindPeers, ih, seed, d, d.logger, nodesCb)
	t.OnPeers(peersCb)
	t.Pump()
	return t
}

// Announce composes FindPeers with an announce step: on completion, it
// sends announce_peer to each node in the terminal set using the token
// that node handed out, per spec.md §4.4.
func (d *DHT) Announce(ih ID, port int) *Traversal {
	d.localDownloads[ih] = true
	seed := d.rt.FindNode(ih, false)
	t := NewTraversal(TraversalAnnounce, ih, seed, d, d.logger, func(res TraversalResult) {
		for _, n := range res.Replied {
			if tok, ok := res.Tokens[n.ID]; ok {
				d.sendAnnouncePeer(n.Endpoint, ih, port, tok, nil)
			}
		}
	})
	t.OnPeers(func(eps []Endpoint) {
		for _, ep := range eps {
			_ = ep // the announce algorithm doesn't need to surface peers itself.
		}
	})
	t.Pump()
	return t
}

// Tick advances RPC timeouts, rotates the token secret epoch, expires
// peers and feeds, and may trigger a bucket refresh traversal, per spec.md
// §4.6. The outer session is expected to call this roughly every
// TickPeriod.
func (d *DHT) Tick() {
	d.rpc.Tick()
	d.feeds.Expire()
	d.peers.Expire()
	d.tokens.rotate()
	if target, ok := d.rt.NeedRefresh(); ok {
		d.Refresh(target, nil)
	}
}

// Status is an immutable, owned snapshot of the node's health, handed out
// under the single coarse gate spec.md §5's design notes call for instead
// of exposing the live structures.
type Status struct {
	LocalID         ID
	RoutingNodes    int
	OutstandingRPCs int
	Torrents        int
	FeedItems       int
}

// Snapshot returns a point-in-time copy of the node's status.
func (d *DHT) Snapshot() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		LocalID:         d.localID,
		RoutingNodes:    d.rt.NumNodes(),
		OutstandingRPCs: d.rpc.Outstanding(),
		Torrents:        d.peers.NumTorrents(),
		FeedItems:       d.feeds.NumItems(),
	}
}
