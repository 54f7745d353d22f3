package dht

import (
	"fmt"

	"go.uber.org/zap"
)

// errCodeProtocol is used uniformly for schema and semantic violations, per
// spec.md §6/§7.
const errCodeProtocol = 203

// Dispatch is the core's single inbound entrypoint: classify by the
// top-level "y" field and route to the RPC manager (reply), the query
// dispatcher (query), or the log (error). This is the executor's only
// entry point besides Tick, matching spec.md §5's single-threaded
// cooperative model: Dispatch and Tick must never be called concurrently
// with each other.
func (d *DHT) Dispatch(remote Endpoint, msg Dict) {
	if !d.limiter.Allow(remote.IP.String()) {
		return
	}
	tag, _ := msg["t"].(string)
	y, _ := msg["y"].(string)

	switch y {
	case "r":
		d.handleReply(remote, tag, msg)
	case "q":
		d.handleQuery(remote, tag, msg)
	case "e":
		d.logger.Debug("dht: remote error", zap.String("endpoint", remote.String()), zap.Any("e", msg["e"]))
	default:
		d.sendError(remote, tag, "unknown message")
	}
}

func (d *DHT) handleReply(remote Endpoint, tag string, msg Dict) {
	r, _ := asDict(msg["r"])
	idRaw, _ := r["id"].(string)
	remoteID, err := IDFromString(idRaw)
	if err != nil {
		d.logger.Debug("dht: reply missing valid id", zap.String("endpoint", remote.String()))
		return
	}

	// Ordering guarantee (spec.md §5(a)): the observer's own side effects
	// run inside Incoming/the traversal callback before we touch the
	// routing table here.
	accepted := d.rpc.Incoming(tag, remoteID, remote, r)
	if !accepted {
		d.logger.Debug("dht: unmatched or late reply", zap.String("endpoint", remote.String()))
		return
	}

	result, pending := d.rt.NodeSeen(remoteID, remote)
	if result == AdmissionNeedsPing {
		d.resolveAdmission(pending)
	}
	if d.needMoreNodes() {
		d.Bootstrap(nil, nil) // no seeds: completes at once without sending anything.
		d.Refresh(d.localID, nil)
	}
}

// resolveAdmission pings the stalest live entry in a full bucket and
// resolves the pending replacement decision on reply or timeout, per
// spec.md §4.1's replacement policy.
func (d *DHT) resolveAdmission(p *PendingAdmission) {
	d.sendPing(p.Stale.Endpoint, func(r ReplyResult) {
		d.rt.ResolvePing(p, r.OK)
	})
}

func (d *DHT) handleQuery(remote Endpoint, tag string, msg Dict) {
	q, _ := msg["q"].(string)
	a, ok := asDict(msg["a"])
	if !ok {
		d.sendError(remote, tag, "missing argument dictionary")
		return
	}

	idRaw, _ := a["id"].(string)
	senderID, err := IDFromString(idRaw)
	if err != nil {
		d.sendError(remote, tag, "missing or malformed id")
		return
	}

	// Step 1: record the sender via the weak admission signal.
	d.rt.HeardAbout(senderID, remote)

	kind, schema, ok := resolveQueryKind(q, a)
	if !ok {
		d.sendError(remote, tag, "unknown message")
		return
	}
	if err := validateDict(a, schema); err != nil {
		d.sendError(remote, tag, err.Error())
		return
	}

	reply := d.baseReply(senderID, remote)
	var handlerErr error
	switch kind {
	case QueryPing:
		// Nothing else to add beyond id.
	case QueryFindNode:
		handlerErr = d.handleFindNode(a, reply)
	case QueryGetPeers:
		handlerErr = d.handleGetPeers(remote, a, reply)
	case QueryAnnouncePeer:
		handlerErr = d.handleAnnouncePeer(remote, senderID, a, reply)
	case QueryAnnounceItem:
		handlerErr = d.handleAnnounceItem(remote, senderID, a, reply)
	case QueryGetItem:
		handlerErr = d.handleGetItem(remote, a, reply)
	}
	if handlerErr != nil {
		d.sendError(remote, tag, handlerErr.Error())
		return
	}

	d.send(remote, Dict{"t": tag, "y": "r", "r": map[string]any(reply)})
}

// resolveQueryKind implements spec.md §4.5's forward-compatibility rule:
// an unrecognized query with a 20-byte "target" or "info_hash" is treated
// as find_node.
func resolveQueryKind(q string, a Dict) (QueryKind, []KeyDescriptor, bool) {
	if schema, ok := querySchemas[q]; ok {
		if kind := QueryKind(q); validQueryKind(kind) {
			return kind, schema, true
		}
	}
	if s, ok := a["target"].(string); ok && len(s) == IDLen {
		return QueryFindNode, querySchemas["find_node"], true
	}
	if s, ok := a["info_hash"].(string); ok && len(s) == IDLen {
		// find_node's schema and handler read the lookup key from "target".
		a["target"] = s
		return QueryFindNode, querySchemas["find_node"], true
	}
	return "", nil, false
}

func validQueryKind(k QueryKind) bool {
	switch k {
	case QueryPing, QueryFindNode, QueryGetPeers, QueryAnnouncePeer, QueryAnnounceItem, QueryGetItem:
		return true
	}
	return false
}

// baseReply builds the reply dict every query gets: the local ID plus,
// per spec.md §4.5 step 3, an "ip" hint if the sender's declared ID does
// not bind to its observed source address.
func (d *DHT) baseReply(senderID ID, remote Endpoint) Dict {
	reply := Dict{"id": string(d.localID[:])}
	if !VerifyIDBinding(senderID, remote.IP) {
		reply["ip"] = string(PackEndpoint(remote))
	}
	return reply
}

func (d *DHT) handleFindNode(a Dict, reply Dict) error {
	targetRaw, _ := a["target"].(string)
	target, err := IDFromString(targetRaw)
	if err != nil {
		return fmt.Errorf("invalid target")
	}
	d.attachNodes(target, reply)
	return nil
}

// attachNodes fills in "nodes"/"nodes2" with the K closest known live
// entries to target, split by address family per spec.md §6.
func (d *DHT) attachNodes(target ID, reply Dict) {
	nodes := d.rt.FindNode(target, false)
	descriptors := make([]NodeDescriptor, 0, len(nodes))
	for _, n := range nodes {
		descriptors = append(descriptors, NodeDescriptor{ID: n.ID, Endpoint: n.Endpoint})
	}
	v4, v6 := SplitByFamily(descriptors)
	if len(v4) > 0 {
		reply["nodes"] = string(EncodeNodes(v4))
	}
	if len(v6) > 0 {
		reply["nodes2"] = string(EncodeNodes(v6))
	}
}

// minPrefixLen/maxPrefixLen bound the optional ifhpfxl prefix-match length
// for get_peers, per spec.md §6.
const (
	minPrefixLen = 4
	maxPrefixLen = IDLen
)

func (d *DHT) handleGetPeers(remote Endpoint, a Dict, reply Dict) error {
	ihRaw, _ := a["info_hash"].(string)
	ih, err := IDFromString(ihRaw)
	if err != nil {
		return fmt.Errorf("invalid info_hash")
	}
	reply["token"] = string(d.tokens.Generate(remote.IP, ih))

	prefixLen := maxPrefixLen
	if v, ok := AsInt(a["ifhpfxl"]); ok {
		prefixLen = int(v)
		if prefixLen < minPrefixLen {
			prefixLen = minPrefixLen
		}
		if prefixLen > maxPrefixLen {
			prefixLen = maxPrefixLen
		}
	}

	matchIH := ih
	if prefixLen < maxPrefixLen {
		if m, ok := d.prefixMatch(ih, prefixLen); ok {
			matchIH = m
		}
	}

	// nodes are always attached, per spec.md §4.5: values are additional
	// when peers are known, never a substitute for them.
	d.attachNodes(ih, reply)
	if peers := d.peers.Peers(matchIH); len(peers) > 0 {
		values := make([]any, 0, len(peers))
		for _, p := range peers {
			values = append(values, string(PackEndpoint(p)))
		}
		reply["values"] = values
	}
	return nil
}

// prefixMatch finds a stored info-hash matching ih's first prefixLen
// bytes, supporting spec.md §4.5's ifhpfxl prefix-match fallback.
func (d *DHT) prefixMatch(ih ID, prefixLen int) (ID, bool) {
	for stored := range d.peers.torrents {
		if bytesEqualPrefix(stored[:], ih[:], prefixLen) {
			return stored, true
		}
	}
	return ID{}, false
}

func bytesEqualPrefix(a, b []byte, n int) bool {
	if n > len(a) || n > len(b) {
		return false
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (d *DHT) handleAnnouncePeer(remote Endpoint, senderID ID, a Dict, reply Dict) error {
	ihRaw, _ := a["info_hash"].(string)
	ih, err := IDFromString(ihRaw)
	if err != nil {
		return fmt.Errorf("invalid info_hash")
	}
	portVal, _ := AsInt(a["port"])
	if portVal < 0 || portVal > 65535 {
		return fmt.Errorf("invalid port")
	}
	tokenRaw, _ := a["token"].(string)
	if !d.tokens.Verify([]byte(tokenRaw), remote.IP, ih) {
		return fmt.Errorf("invalid token")
	}
	name, _ := a["n"].(string)
	if len(name) > maxNameLen {
		return fmt.Errorf("name too long")
	}

	d.peers.Announce(ih, Endpoint{IP: remote.IP, Port: uint16(portVal)}, name)
	d.noteStrongContact(senderID, remote)
	return nil
}

func (d *DHT) handleAnnounceItem(remote Endpoint, senderID ID, a Dict, reply Dict) error {
	targetRaw, _ := a["target"].(string)
	target, err := IDFromString(targetRaw)
	if err != nil {
		return fmt.Errorf("invalid target")
	}
	tokenRaw, _ := a["token"].(string)
	if !d.tokens.Verify([]byte(tokenRaw), remote.IP, target) {
		return fmt.Errorf("invalid token")
	}
	sigRaw, _ := a["sig"].(string)
	if len(sigRaw) != SignatureLen {
		return fmt.Errorf("invalid signature length")
	}
	var sig [SignatureLen]byte
	copy(sig[:], sigRaw)

	headRaw, hasHead := a["head"]
	itemRaw, hasItem := a["item"]
	if hasHead == hasItem {
		return fmt.Errorf("exactly one of head or item is required")
	}

	var candidate FeedItem
	candidate.Sig = sig

	if hasHead {
		head, _ := asDict(headRaw)
		name, _ := head["n"].(string)
		keyRaw, _ := head["key"].(string)
		if len(keyRaw) != PublicKeyLen {
			return fmt.Errorf("invalid key length")
		}
		var key [PublicKeyLen]byte
		copy(key[:], keyRaw)
		seq, _ := AsInt(head["seq"])

		if headTarget(name, key) != target {
			return fmt.Errorf("target does not match H(name, key)")
		}
		payload, _ := a["v"].(string)
		if len(payload) > maxPayloadLen {
			return fmt.Errorf("payload too large")
		}
		if !d.verifier.Verify(key, []byte(payload), sig) {
			return fmt.Errorf("signature verification failed")
		}
		candidate.Kind = FeedHead
		candidate.Name = name
		candidate.Key = key
		candidate.Seq = seq
		candidate.Payload = []byte(payload)
	} else {
		item, _ := asDict(itemRaw)
		keyRaw, _ := item["key"].(string)
		if len(keyRaw) != PublicKeyLen {
			return fmt.Errorf("invalid key length")
		}
		var key [PublicKeyLen]byte
		copy(key[:], keyRaw)
		seq, _ := AsInt(item["seq"])
		payload, _ := a["v"].(string)
		if len(payload) > maxPayloadLen {
			return fmt.Errorf("payload too large")
		}
		if itemTarget([]byte(payload)) != target {
			return fmt.Errorf("target does not match H(payload)")
		}
		if !d.verifier.Verify(key, []byte(payload), sig) {
			return fmt.Errorf("signature verification failed")
		}
		candidate.Kind = FeedItemKind
		candidate.Key = key
		candidate.Seq = seq
		candidate.Payload = []byte(payload)
	}

	d.feeds.Upsert(target, candidate, remote.IP)
	d.noteStrongContact(senderID, remote)
	reply["token"] = string(d.tokens.Generate(remote.IP, target))
	return nil
}

func (d *DHT) handleGetItem(remote Endpoint, a Dict, reply Dict) error {
	targetRaw, _ := a["target"].(string)
	target, err := IDFromString(targetRaw)
	if err != nil {
		return fmt.Errorf("invalid target")
	}
	if nameRaw, ok := a["n"].(string); ok {
		keyRaw, _ := a["key"].(string)
		var key [PublicKeyLen]byte
		copy(key[:], keyRaw)
		if headTarget(nameRaw, key) != target {
			return fmt.Errorf("target does not match H(n, key)")
		}
	}

	d.attachNodes(target, reply)
	reply["token"] = string(d.tokens.Generate(remote.IP, target))

	if item, ok := d.feeds.Get(target); ok {
		reply["sig"] = string(item.Sig[:])
		if item.Kind == FeedHead {
			reply["head"] = map[string]any{
				"n":   item.Name,
				"key": string(item.Key[:]),
				"seq": item.Seq,
			}
		} else {
			reply["item"] = map[string]any{
				"key": string(item.Key[:]),
				"seq": item.Seq,
			}
		}
		reply["v"] = string(item.Payload)
	}
	return nil
}

// noteStrongContact is the node-seen signal fired once a remote has proven
// ownership of its claimed address via a valid write-token use, per
// spec.md §4.1.
func (d *DHT) noteStrongContact(id ID, ep Endpoint) {
	result, pending := d.rt.NodeSeen(id, ep)
	if result == AdmissionNeedsPing {
		d.resolveAdmission(pending)
	}
}

func (d *DHT) sendError(remote Endpoint, tag, message string) {
	d.send(remote, Dict{
		"t": tag,
		"y": "e",
		"e": []any{int64(errCodeProtocol), message},
	})
}

func asDict(v any) (Dict, bool) {
	switch m := v.(type) {
	case Dict:
		return m, true
	case map[string]any:
		return Dict(m), true
	default:
		return nil, false
	}
}
