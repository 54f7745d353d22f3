package dht

import (
	"net"
	"testing"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// stubVerifier always accepts, letting feed-store wiring tests focus on
// sequence/announcer bookkeeping rather than signature cryptography, which
// verifier_test.go exercises directly.
type stubVerifier struct{}

func (stubVerifier) Verify([PublicKeyLen]byte, []byte, [SignatureLen]byte) bool { return true }

// recordingTransport captures every message the node under test sends,
// in send order, standing in for TransportSink in these
// dispatcher-level integration tests.
type recordingTransport struct {
	sent []sentMessage
}

type sentMessage struct {
	ep  Endpoint
	msg Dict
}

func (r *recordingTransport) Send(ep Endpoint, msg Dict) error {
	r.sent = append(r.sent, sentMessage{ep: ep, msg: msg})
	return nil
}

func (r *recordingTransport) last() Dict {
	if len(r.sent) == 0 {
		return nil
	}
	return r.sent[len(r.sent)-1].msg
}

func newTestNode(t *testing.T, cfg Config) (*DHT, *recordingTransport, *clock.Mock) {
	t.Helper()
	transport := &recordingTransport{}
	mock := clock.NewMock()
	cfg.Transport = transport
	cfg.Clock = mock
	cfg.Logger = zap.NewNop()
	if cfg.Verifier == nil {
		cfg.Verifier = stubVerifier{}
	}
	node, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return node, transport, mock
}

func query(kind QueryKind, tag string, args Dict) Dict {
	return Dict{"t": tag, "y": "q", "q": string(kind), "a": args}
}

func TestScenarioPingReply(t *testing.T) {
	node, transport, _ := newTestNode(t, Config{})
	client := RandomID()
	clientEP := Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 1}

	node.Dispatch(clientEP, query(QueryPing, "aa", Dict{"id": string(client[:])}))

	reply := transport.last()
	if reply == nil || reply["y"] != "r" || reply["t"] != "aa" {
		t.Fatalf("expected a ping reply, got %+v", reply)
	}
	r := reply["r"].(map[string]any)
	gotID, _ := IDFromString(r["id"].(string))
	if gotID != node.LocalID() {
		t.Fatalf("reply id = %x, want the node's own id %x", gotID, node.LocalID())
	}
}

func TestScenarioTokenRoundTrip(t *testing.T) {
	node, transport, _ := newTestNode(t, Config{})
	client := RandomID()
	clientEP := Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 1}
	ih := RandomID()

	node.Dispatch(clientEP, query(QueryGetPeers, "aa", Dict{"id": string(client[:]), "info_hash": string(ih[:])}))
	r := transport.last()["r"].(map[string]any)
	token := r["token"].(string)

	node.Dispatch(clientEP, query(QueryAnnouncePeer, "bb", Dict{
		"id": string(client[:]), "info_hash": string(ih[:]), "port": int64(6881), "token": token,
	}))
	reply := transport.last()
	if reply["y"] != "r" {
		t.Fatalf("announce_peer with a fresh token should succeed, got %+v", reply)
	}
	if node.peers.Count(ih) != 1 {
		t.Fatalf("peer store count = %d, want 1", node.peers.Count(ih))
	}
}

func TestScenarioTokenRejectedAfterTwoRotations(t *testing.T) {
	node, transport, _ := newTestNode(t, Config{})
	client := RandomID()
	clientEP := Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 1}
	ih := RandomID()

	node.Dispatch(clientEP, query(QueryGetPeers, "aa", Dict{"id": string(client[:]), "info_hash": string(ih[:])}))
	token := transport.last()["r"].(map[string]any)["token"].(string)

	node.Tick()
	node.Tick() // two rotations: the token's epoch and the one before it both age out.

	node.Dispatch(clientEP, query(QueryAnnouncePeer, "bb", Dict{
		"id": string(client[:]), "info_hash": string(ih[:]), "port": int64(6881), "token": token,
	}))
	reply := transport.last()
	if reply["y"] != "e" {
		t.Fatalf("announce_peer with a stale token should be rejected, got %+v", reply)
	}
}

func TestScenarioPeerExpiryRemovesFromGetPeersReply(t *testing.T) {
	node, transport, mock := newTestNode(t, Config{})
	client := RandomID()
	clientEP := Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 1}
	ih := RandomID()

	node.Dispatch(clientEP, query(QueryGetPeers, "aa", Dict{"id": string(client[:]), "info_hash": string(ih[:])}))
	token := transport.last()["r"].(map[string]any)["token"].(string)
	node.Dispatch(clientEP, query(QueryAnnouncePeer, "bb", Dict{
		"id": string(client[:]), "info_hash": string(ih[:]), "port": int64(6881), "token": token,
	}))
	if node.peers.Count(ih) != 1 {
		t.Fatal("expected the peer to be recorded")
	}

	mock.Add(peerTTL + 1)
	node.Tick()

	node.Dispatch(clientEP, query(QueryGetPeers, "cc", Dict{"id": string(client[:]), "info_hash": string(ih[:])}))
	r := transport.last()["r"].(map[string]any)
	if _, ok := r["values"]; ok {
		t.Fatal("expired peer should not be returned in a get_peers reply")
	}
}

func TestScenarioGetPeersAlwaysIncludesNodes(t *testing.T) {
	node, transport, _ := newTestNode(t, Config{})
	client := RandomID()
	clientEP := Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 1}
	ih := RandomID()

	other := RandomID()
	node.rt.HeardAbout(other, Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 2})

	node.Dispatch(clientEP, query(QueryGetPeers, "aa", Dict{"id": string(client[:]), "info_hash": string(ih[:])}))
	token := transport.last()["r"].(map[string]any)["token"].(string)
	node.Dispatch(clientEP, query(QueryAnnouncePeer, "bb", Dict{
		"id": string(client[:]), "info_hash": string(ih[:]), "port": int64(6881), "token": token,
	}))

	node.Dispatch(clientEP, query(QueryGetPeers, "cc", Dict{"id": string(client[:]), "info_hash": string(ih[:])}))
	r := transport.last()["r"].(map[string]any)
	if _, ok := r["values"]; !ok {
		t.Fatal("expected values once a peer has announced")
	}
	if _, ok := r["nodes"]; !ok {
		t.Fatal("nodes must be attached unconditionally per spec, even when values are also present")
	}
}

func TestScenarioTorrentEvictionBounded(t *testing.T) {
	node, transport, _ := newTestNode(t, Config{MaxTorrents: 3})
	client := RandomID()

	for i := 0; i < 10; i++ {
		// A distinct source address per round keeps each one under the
		// default limiter's per-source throttle.
		clientEP := Endpoint{IP: net.IPv4(127, 0, 0, byte(i+1)), Port: 1}
		ih := RandomID()
		node.Dispatch(clientEP, query(QueryGetPeers, "aa", Dict{"id": string(client[:]), "info_hash": string(ih[:])}))
		token := transport.last()["r"].(map[string]any)["token"].(string)
		node.Dispatch(clientEP, query(QueryAnnouncePeer, "bb", Dict{
			"id": string(client[:]), "info_hash": string(ih[:]), "port": int64(6881), "token": token,
		}))
	}
	if node.peers.NumTorrents() > 3 {
		t.Fatalf("NumTorrents = %d, want at most 3", node.peers.NumTorrents())
	}
}

func TestScenarioFeedSequenceMonotonicity(t *testing.T) {
	node, transport, _ := newTestNode(t, Config{})
	client := RandomID()
	clientEP := Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 1}

	var key [PublicKeyLen]byte
	payload := []byte("hello")
	target := itemTarget(payload)
	sig := make([]byte, SignatureLen)

	node.Dispatch(clientEP, query(QueryGetPeers, "aa", Dict{"id": string(client[:]), "info_hash": string(target[:])}))
	token := transport.last()["r"].(map[string]any)["token"].(string)

	announce := func(seq int64, tag string) Dict {
		return query(QueryAnnounceItem, tag, Dict{
			"id":     string(client[:]),
			"target": string(target[:]),
			"token":  token,
			"sig":    string(sig),
			"v":      string(payload),
			"item": Dict{
				"key": string(key[:]),
				"seq": seq,
			},
		})
	}

	node.Dispatch(clientEP, announce(5, "bb"))
	if reply := transport.last(); reply["y"] != "r" {
		t.Fatalf("first announce_item should succeed, got %+v", reply)
	}
	item, ok := node.feeds.Get(target)
	if !ok || item.Seq != 5 {
		t.Fatalf("stored seq = %v (ok=%v), want 5", item, ok)
	}

	node.Dispatch(clientEP, announce(2, "cc"))
	item, _ = node.feeds.Get(target)
	if item.Seq != 5 {
		t.Fatalf("a lower sequence must not roll back the stored item: got seq %d, want 5", item.Seq)
	}

	node.Dispatch(clientEP, announce(9, "dd"))
	item, _ = node.feeds.Get(target)
	if item.Seq != 9 {
		t.Fatalf("a higher sequence should update the stored item: got seq %d, want 9", item.Seq)
	}
}

func TestScenarioForwardCompatibilityUnknownQueryWithTarget(t *testing.T) {
	node, transport, _ := newTestNode(t, Config{})
	client := RandomID()
	clientEP := Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 1}
	target := RandomID()

	node.Dispatch(clientEP, query("some_future_query", "aa", Dict{
		"id": string(client[:]), "target": string(target[:]),
	}))
	reply := transport.last()
	if reply == nil || reply["y"] != "r" {
		t.Fatalf("an unrecognized query with a 20-byte target should be handled as find_node, got %+v", reply)
	}
}

func TestScenarioMalformedQueryGetsErrorReply(t *testing.T) {
	node, transport, _ := newTestNode(t, Config{})
	clientEP := Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 1}

	node.Dispatch(clientEP, query(QueryPing, "aa", Dict{"id": "too-short"}))
	reply := transport.last()
	if reply["y"] != "e" {
		t.Fatalf("malformed ping should produce an error reply, got %+v", reply)
	}
	e := reply["e"].([]any)
	if e[0].(int64) != errCodeProtocol {
		t.Fatalf("error code = %v, want %d", e[0], errCodeProtocol)
	}
}

func TestSnapshotReflectsState(t *testing.T) {
	node, _, _ := newTestNode(t, Config{})
	status := node.Snapshot()
	if status.LocalID != node.LocalID() {
		t.Fatal("snapshot local id mismatch")
	}
	if status.RoutingNodes != 0 || status.Torrents != 0 || status.FeedItems != 0 {
		t.Fatalf("fresh node should report zeroed counters, got %+v", status)
	}
}
