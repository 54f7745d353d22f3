package dht

import (
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
)

// K is the default k-bucket capacity, spec.md §3.
const K = 8

// numBuckets is one per possible XOR distance exponent, spec.md §3.
const numBuckets = IDLen * 8

// failureThreshold is how many consecutive RPC failures a live entry
// tolerates; the next failure reported through ReportUnreachable evicts it,
// generalizing the teacher's
// maxNodePendingQueries constant in routing.go.
const failureThreshold = 3

// refreshInterval is how long a bucket can go untouched before
// needRefresh flags it for a refresh traversal.
const refreshInterval = 15 * time.Minute

// NodeFlags records how a node entry entered the routing table.
type NodeFlags uint8

const (
	// FlagInitial marks a freshly admitted entry with no history yet.
	FlagInitial NodeFlags = 1 << iota
	// FlagReplacement marks an entry parked in a bucket's replacement list.
	FlagReplacement
	// FlagPinned marks a router (bootstrap seed) node: never evicted, never
	// handed out in query replies, per spec.md §3 invariant (c).
	FlagPinned
)

// NodeEntry is a single routing table row: spec.md §3's (ID, endpoint,
// timing metadata, flags) tuple.
type NodeEntry struct {
	ID       ID
	Endpoint Endpoint

	LastHeard time.Time
	RTT       time.Duration
	Failures  int
	Flags     NodeFlags

	boundOK bool
}

func (n *NodeEntry) pinned() bool { return n.Flags&FlagPinned != 0 }

// bucket holds a live list bounded by K and an unbounded-in-name but
// K-capped replacement cache, plus the last time any entry in it changed,
// used by needRefresh.
type bucket struct {
	live        []*NodeEntry
	replacement []*NodeEntry
	lastTouched time.Time
}

func (b *bucket) indexOfLive(id ID) int {
	for i, n := range b.live {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (b *bucket) indexOfReplacement(id ID) int {
	for i, n := range b.replacement {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// stalest returns the live entry least recently heard from, excluding
// pinned router nodes, which invariant (c) exempts from eviction.
func (b *bucket) stalest() *NodeEntry {
	var oldest *NodeEntry
	for _, n := range b.live {
		if n.pinned() {
			continue
		}
		if oldest == nil || n.LastHeard.Before(oldest.LastHeard) {
			oldest = n
		}
	}
	return oldest
}

// RoutingTable is the Kademlia k-bucket structure keyed by XOR distance
// from the local ID, generalizing the teacher's tree-shaped routing.go/
// routing_table.go into the bucket-indexed structure spec.md §3/§4.1
// phrases its invariants in terms of.
type RoutingTable struct {
	self    ID
	clock   clock.Clock
	buckets [numBuckets]*bucket
}

// NewRoutingTable creates an empty table for the given local ID.
func NewRoutingTable(self ID, c clock.Clock) *RoutingTable {
	rt := &RoutingTable{self: self, clock: c}
	for i := range rt.buckets {
		rt.buckets[i] = &bucket{lastTouched: c.Now()}
	}
	return rt
}

func (rt *RoutingTable) bucketFor(id ID) *bucket {
	idx := BucketIndex(rt.self, id)
	if idx >= numBuckets {
		idx = numBuckets - 1
	}
	return rt.buckets[idx]
}

// HeardAbout is the weak signal: a candidate learned about in a reply or
// query, considered for insertion if its ID/IP binding holds. It fails
// silently if the bucket is full and the candidate does not displace
// anyone, per spec.md §4.1.
func (rt *RoutingTable) HeardAbout(id ID, ep Endpoint) {
	if id == rt.self {
		return
	}
	b := rt.bucketFor(id)
	if b.indexOfLive(id) >= 0 {
		return
	}
	bound := VerifyIDBinding(id, ep.IP)
	if !bound && len(b.live) > 0 {
		// Invariant (d): an entry with a failing binding may only be
		// admitted if its bucket is otherwise unused.
		return
	}
	if len(b.live) < K {
		rt.insertLive(b, &NodeEntry{ID: id, Endpoint: ep, LastHeard: rt.clock.Now(), Flags: FlagInitial, boundOK: bound})
		return
	}
	if b.indexOfReplacement(id) >= 0 {
		return
	}
	rt.cacheReplacement(b, &NodeEntry{ID: id, Endpoint: ep, LastHeard: rt.clock.Now(), Flags: FlagInitial | FlagReplacement, boundOK: bound})
}

// AdmissionResult tells the caller what NodeSeen decided, since a full
// bucket's replacement policy requires an RPC round trip the routing table
// itself cannot perform (spec.md §5: no synchronous waits inside the core).
type AdmissionResult int

const (
	// AdmissionInserted means the node is now (or already was) live.
	AdmissionInserted AdmissionResult = iota
	// AdmissionNeedsPing means the bucket is full; the caller must ping
	// Stale and report back via ResolvePing.
	AdmissionNeedsPing
	// AdmissionCached means the node was placed in the replacement list.
	AdmissionCached
	// AdmissionRejected means the node cannot be admitted (failing binding
	// into an otherwise-populated bucket).
	AdmissionRejected
)

// PendingAdmission carries the state ResolvePing needs to finish a
// replacement decision after the caller pings Stale.
type PendingAdmission struct {
	bucketIndex int
	Stale       *NodeEntry
	Newcomer    *NodeEntry
}

// NodeSeen is the strong signal, called only after the remote has proven
// ownership of its address (e.g. a valid write-token use). It may promote a
// replacement to live and may evict the stalest live entry whose failure
// count exceeds failureThreshold.
func (rt *RoutingTable) NodeSeen(id ID, ep Endpoint) (AdmissionResult, *PendingAdmission) {
	if id == rt.self {
		return AdmissionRejected, nil
	}
	b := rt.bucketFor(id)
	b.lastTouched = rt.clock.Now()

	if i := b.indexOfLive(id); i >= 0 {
		b.live[i].LastHeard = rt.clock.Now()
		b.live[i].Endpoint = ep
		b.live[i].Failures = 0
		return AdmissionInserted, nil
	}

	bound := VerifyIDBinding(id, ep.IP)
	if !bound && len(b.live) > 0 {
		return AdmissionRejected, nil
	}

	newcomer := &NodeEntry{ID: id, Endpoint: ep, LastHeard: rt.clock.Now(), boundOK: bound}
	if i := b.indexOfReplacement(id); i >= 0 {
		b.replacement = append(b.replacement[:i], b.replacement[i+1:]...)
	}

	if len(b.live) < K {
		rt.insertLive(b, newcomer)
		return AdmissionInserted, nil
	}

	if stale := b.stalest(); stale != nil && stale.Failures > failureThreshold {
		rt.evictLocked(b, stale)
		rt.insertLive(b, newcomer)
		return AdmissionInserted, nil
	}
	stale := b.stalest()
	if stale == nil {
		// Bucket is full entirely of pinned router nodes; park the
		// newcomer as a replacement, it can never displace a router.
		rt.cacheReplacement(b, newcomer)
		return AdmissionCached, nil
	}
	idx := BucketIndex(rt.self, id)
	return AdmissionNeedsPing, &PendingAdmission{bucketIndex: idx, Stale: stale, Newcomer: newcomer}
}

// ResolvePing finishes a pending replacement decision: if the stalest entry
// failed to reply within the RPC timeout, it is evicted and replaced by the
// newcomer; otherwise the newcomer is cached in the bucket's replacement
// list, exactly as spec.md §4.1's replacement policy specifies.
func (rt *RoutingTable) ResolvePing(p *PendingAdmission, staleReplied bool) {
	b := rt.buckets[p.bucketIndex]
	if staleReplied {
		p.Stale.Failures = 0
		p.Stale.LastHeard = rt.clock.Now()
		rt.cacheReplacement(b, p.Newcomer)
		return
	}
	// The newcomer takes the stale entry's place directly, so no
	// replacement is promoted into the slot it is about to fill.
	if i := b.indexOfLive(p.Stale.ID); i >= 0 {
		b.live = append(b.live[:i], b.live[i+1:]...)
	}
	if len(b.live) >= K {
		rt.cacheReplacement(b, p.Newcomer)
		return
	}
	rt.insertLive(b, p.Newcomer)
}

// ReportUnreachable increments the failure counter for id, evicting it if
// it crosses failureThreshold. Called by the RPC manager on timeout.
func (rt *RoutingTable) ReportUnreachable(id ID) {
	b := rt.bucketFor(id)
	if i := b.indexOfLive(id); i >= 0 {
		n := b.live[i]
		if n.pinned() {
			return
		}
		n.Failures++
		if n.Failures > failureThreshold {
			rt.evictLocked(b, n)
		}
	}
}

// ReportUnreachableEndpoint reports a failure against whichever live entry
// currently owns ep, if any. It exists alongside ReportUnreachable for
// callers of the RPC layer that know only the endpoint a query timed out
// against, not (yet, or ever) the remote's declared ID.
func (rt *RoutingTable) ReportUnreachableEndpoint(ep Endpoint) {
	key := ep.String()
	for _, b := range rt.buckets {
		for _, n := range b.live {
			if n.Endpoint.String() == key {
				rt.ReportUnreachable(n.ID)
				return
			}
		}
	}
}

func (rt *RoutingTable) insertLive(b *bucket, n *NodeEntry) {
	n.Flags &^= FlagReplacement
	b.live = append(b.live, n)
	b.lastTouched = rt.clock.Now()
}

func (rt *RoutingTable) cacheReplacement(b *bucket, n *NodeEntry) {
	n.Flags |= FlagReplacement
	if len(b.replacement) >= K {
		b.replacement = b.replacement[1:]
	}
	b.replacement = append(b.replacement, n)
}

func (rt *RoutingTable) evictLocked(b *bucket, n *NodeEntry) {
	if i := b.indexOfLive(n.ID); i >= 0 {
		b.live = append(b.live[:i], b.live[i+1:]...)
	}
	if len(b.replacement) > 0 {
		promoted := b.replacement[len(b.replacement)-1]
		b.replacement = b.replacement[:len(b.replacement)-1]
		rt.insertLive(b, promoted)
	}
}

// Remove drops id from the table entirely, live or cached. The traversal
// layer's self-promotion guard does not call it; it only skips such nodes.
func (rt *RoutingTable) Remove(id ID) {
	b := rt.bucketFor(id)
	if i := b.indexOfLive(id); i >= 0 {
		b.live = append(b.live[:i], b.live[i+1:]...)
	}
	if i := b.indexOfReplacement(id); i >= 0 {
		b.replacement = append(b.replacement[:i], b.replacement[i+1:]...)
	}
}

// FindNode returns up to K entries of smallest XOR distance to target,
// drawn from the bucket containing target and, on shortfall, expanding
// outward through neighbouring buckets, following the pattern shown in
// adityasissodiya-d7024e's RoutingTable.FindClosestContacts. Router nodes
// are never excluded from being *used*, only from being *returned*
// (invariant (c)); withRouters lets internal callers (DHT.Refresh) see them
// anyway.
func (rt *RoutingTable) FindNode(target ID, withRouters bool) []NodeEntry {
	idx := BucketIndex(rt.self, target)
	if idx >= numBuckets {
		idx = numBuckets - 1
	}
	out := make([]NodeEntry, 0, K)
	appendBucket := func(i int) {
		for _, n := range rt.buckets[i].live {
			if n.pinned() && !withRouters {
				continue
			}
			out = append(out, *n)
		}
	}
	appendBucket(idx)
	for span := 1; (idx-span >= 0 || idx+span < numBuckets) && len(out) < K*2; span++ {
		if idx-span >= 0 {
			appendBucket(idx - span)
		}
		if idx+span < numBuckets {
			appendBucket(idx + span)
		}
	}
	sortByDistance(target, out)
	if len(out) > K {
		out = out[:K]
	}
	return out
}

func sortByDistance(target ID, nodes []NodeEntry) {
	// Simple insertion sort: candidate sets here are at most a couple of
	// buckets' worth of entries (tens, not thousands), so an O(n^2) sort
	// avoids pulling in sort.Slice's reflection-based comparator overhead
	// for what is a hot path during every lookup step.
	for i := 1; i < len(nodes); i++ {
		j := i
		for j > 0 && Less(target, nodes[j].ID, nodes[j-1].ID) {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
			j--
		}
	}
}

// NeedRefresh returns true and a randomized target inside a bucket that has
// not been touched within refreshInterval, spec.md §4.1.
func (rt *RoutingTable) NeedRefresh() (ID, bool) {
	now := rt.clock.Now()
	for i, b := range rt.buckets {
		if len(b.live) == 0 {
			continue
		}
		if now.Sub(b.lastTouched) > refreshInterval {
			return randomIDInBucket(rt.self, i), true
		}
	}
	return ID{}, false
}

// randomIDInBucket returns a random ID whose BucketIndex relative to self
// is exactly i, by copying self's prefix and randomizing the remainder.
func randomIDInBucket(self ID, i int) ID {
	var id ID
	copy(id[:], self[:])
	byteIdx, bitIdx := i/8, i%8
	// Flip the distinguishing bit, then randomize everything after it.
	id[byteIdx] ^= 0x80 >> uint(bitIdx)
	for b := bitIdx + 1; b < 8; b++ {
		if rand.Intn(2) == 1 {
			id[byteIdx] ^= 0x80 >> uint(b)
		} else {
			id[byteIdx] &^= 0x80 >> uint(b)
		}
	}
	for j := byteIdx + 1; j < IDLen; j++ {
		id[j] = byte(rand.Intn(256))
	}
	return id
}

// BucketSize returns the number of live entries in bucket i.
func (rt *RoutingTable) BucketSize(i int) int {
	if i < 0 || i >= numBuckets {
		return 0
	}
	return len(rt.buckets[i].live)
}

// NumNodes returns the total number of live entries across all buckets.
func (rt *RoutingTable) NumNodes() int {
	n := 0
	for _, b := range rt.buckets {
		n += len(b.live)
	}
	return n
}
