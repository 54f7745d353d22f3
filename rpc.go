package dht

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// rpcTimeout is the default deadline before an unanswered query is
// considered lost, spec.md §4.3.
const rpcTimeout = 15 * time.Second

// observerPoolSize bounds the number of RPCs outstanding at once, modeling
// backpressure without dynamic unbounded growth (spec.md §4.3).
const observerPoolSize = 256

// QueryKind enumerates the DHT's RPC types.
type QueryKind string

const (
	QueryPing         QueryKind = "ping"
	QueryFindNode     QueryKind = "find_node"
	QueryGetPeers     QueryKind = "get_peers"
	QueryAnnouncePeer QueryKind = "announce_peer"
	QueryAnnounceItem QueryKind = "announce_item"
	QueryGetItem      QueryKind = "get_item"
)

// ReplyResult is handed to an observer's callback when a reply arrives or
// the request times out.
type ReplyResult struct {
	OK       bool
	RemoteID ID
	Reply    Dict
}

// observer is the per-outstanding-RPC continuation slot, generalizing the
// teacher's arena.go free-list of byte buffers into a free-list of request
// slots (Design Note 9): a fixed pool, each entry indexed by a small
// integer handle plus a generation counter, so a late or forged reply can
// never be demultiplexed to the wrong, already-recycled caller.
type observer struct {
	generation uint16
	inUse      bool

	endpoint Endpoint
	kind     QueryKind
	deadline time.Time
	callback func(ReplyResult)
}

// RPCManager multiplexes outstanding transactions over a fixed pool of
// observer slots, correlating replies by the transaction tag copied into
// every outbound query, exactly as spec.md §4.3 describes.
type RPCManager struct {
	clock  clock.Clock
	logger *zap.Logger
	rt     *RoutingTable

	slots []observer
	free  []uint16 // LIFO free list, mirroring arena.go's Pop/Push discipline.

	byEndpoint map[string][]uint16
}

// NewRPCManager creates a manager bound to rt for reachability reporting.
func NewRPCManager(rt *RoutingTable, c clock.Clock, logger *zap.Logger) *RPCManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &RPCManager{
		clock:      c,
		logger:     logger,
		rt:         rt,
		slots:      make([]observer, observerPoolSize),
		free:       make([]uint16, observerPoolSize),
		byEndpoint: make(map[string][]uint16),
	}
	for i := range m.free {
		m.free[i] = uint16(observerPoolSize - 1 - i)
	}
	return m
}

// allocate reserves a slot for an outstanding RPC. It returns ok ==
// false when the pool is exhausted; the caller must abort the RPC rather
// than retry synchronously (spec.md §7: resource exhaustion is silent, not
// fatal).
func (m *RPCManager) allocate(ep Endpoint, kind QueryKind, cb func(ReplyResult)) (tag string, ok bool) {
	if len(m.free) == 0 {
		return "", false
	}
	slot := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]

	o := &m.slots[slot]
	o.inUse = true
	o.generation++
	o.endpoint = ep
	o.kind = kind
	o.deadline = m.clock.Now().Add(rpcTimeout)
	o.callback = cb

	tag = encodeHandle(slot, o.generation)
	key := ep.String()
	m.byEndpoint[key] = append(m.byEndpoint[key], slot)
	return tag, true
}

// Invoke allocates an observer, builds the transaction tag, and returns the
// query Dict to hand to the caller's TransportSink. It mirrors the teacher's remoteNode.newQuery plus
// sendMsg, split so the RPC manager owns transaction bookkeeping without
// knowing about sockets.
func (m *RPCManager) Invoke(selfID ID, ep Endpoint, kind QueryKind, args Dict, cb func(ReplyResult)) (Dict, bool) {
	tag, ok := m.allocate(ep, kind, cb)
	if !ok {
		return nil, false
	}
	if args == nil {
		args = Dict{}
	}
	args["id"] = string(selfID[:])
	return Dict{
		"t": tag,
		"y": "q",
		"q": string(kind),
		"a": args,
	}, true
}

// Incoming matches a reply's transaction tag against an outstanding
// observer. On success it releases the slot, hands the declared remote ID
// and reply to the observer's callback, and returns true. It does not
// measure round-trip time and does not touch the routing table; the
// dispatcher reports the remote via NodeSeen after it returns. A tag that doesn't
// resolve to a live, matching-generation slot is dropped silently: it is
// either unknown or a late reply whose slot has already been recycled.
func (m *RPCManager) Incoming(tag string, remoteID ID, ep Endpoint, reply Dict) bool {
	slot, generation, ok := decodeHandle(tag)
	if !ok || int(slot) >= len(m.slots) {
		return false
	}
	o := &m.slots[slot]
	if !o.inUse || o.generation != generation {
		return false
	}
	if o.endpoint.String() != ep.String() {
		return false
	}

	cb := o.callback
	m.releaseLocked(slot)

	if cb != nil {
		cb(ReplyResult{OK: true, RemoteID: remoteID, Reply: reply})
	}
	return true
}

func (m *RPCManager) releaseLocked(slot uint16) {
	o := &m.slots[slot]
	o.inUse = false
	o.callback = nil
	m.free = append(m.free, slot)

	key := o.endpoint.String()
	ids := m.byEndpoint[key]
	for i, s := range ids {
		if s == slot {
			m.byEndpoint[key] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.byEndpoint[key]) == 0 {
		delete(m.byEndpoint, key)
	}
}

// Tick walks outstanding entries, times out stale ones, invokes their
// failure callback, reclaims observer slots, and informs the routing
// table, per spec.md §4.3.
func (m *RPCManager) Tick() {
	now := m.clock.Now()
	for slot := range m.slots {
		o := &m.slots[slot]
		if !o.inUse {
			continue
		}
		if now.Before(o.deadline) {
			continue
		}
		cb := o.callback
		ep := o.endpoint
		m.releaseLocked(uint16(slot))
		if m.rt != nil {
			m.rt.ReportUnreachableEndpoint(ep)
		}
		if cb != nil {
			cb(ReplyResult{OK: false})
		}
		m.logger.Debug("rpc timeout", zap.String("endpoint", ep.String()))
	}
}

// Unreachable fails every outstanding observer bound to ep eagerly, per
// spec.md §4.3.
func (m *RPCManager) Unreachable(ep Endpoint) {
	ids := append([]uint16{}, m.byEndpoint[ep.String()]...)
	for _, slot := range ids {
		o := &m.slots[slot]
		cb := o.callback
		m.releaseLocked(slot)
		if cb != nil {
			cb(ReplyResult{OK: false})
		}
	}
	if len(ids) > 0 && m.rt != nil {
		m.rt.ReportUnreachableEndpoint(ep)
	}
}

// Outstanding returns the number of observer slots currently in use, for
// the Status snapshot and for tests asserting the pool-capacity invariant.
func (m *RPCManager) Outstanding() int {
	return observerPoolSize - len(m.free)
}
