package dht

import (
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
)

// announceInterval is the nominal interval a well-behaved downloader
// re-announces on; peer TTL is 1.5x this, per spec.md §3.
const announceInterval = 30 * time.Minute

// peerTTL is how long a peer entry survives without a re-announce.
const peerTTL = announceInterval * 3 / 2

// feedTTL is how long a feed item survives without being re-announced.
const feedTTL = 60 * time.Minute

// maxNameLen bounds the optional human-readable torrent/feed name.
const maxNameLen = 50

// maxPayloadLen bounds a feed item's encoded payload.
const maxPayloadLen = 1024

// PeerEntry is spec.md §3's (endpoint, insertion timestamp) tuple.
type PeerEntry struct {
	Endpoint Endpoint
	Inserted time.Time
}

// TorrentEntry is spec.md §3's (name, peer set) tuple, stored per
// info-hash, plus the time it was first announced so overflow eviction can
// break ties between equally-small entries.
type TorrentEntry struct {
	Name    string
	Created time.Time
	peers   map[string]*PeerEntry
}

func newTorrentEntry(created time.Time) *TorrentEntry {
	return &TorrentEntry{Created: created, peers: make(map[string]*PeerEntry)}
}

// PeerStore is the bounded torrent/peer index, generalizing the teacher's
// peer_store.go map-of-sets design: a map keyed by info-hash, bounded by
// maxTorrents, evicting the entry with fewest peers on overflow.
type PeerStore struct {
	clock        clock.Clock
	maxTorrents  int
	maxPeerReply int

	torrents map[ID]*TorrentEntry
}

// NewPeerStore creates a peer store bounded to maxTorrents info-hashes,
// replying with at most maxPeerReply peers per get_peers query.
func NewPeerStore(maxTorrents, maxPeerReply int, c clock.Clock) *PeerStore {
	return &PeerStore{
		clock:        c,
		maxTorrents:  maxTorrents,
		maxPeerReply: maxPeerReply,
		torrents:     make(map[ID]*TorrentEntry),
	}
}

// Announce inserts or refreshes a peer entry under ih, enforcing
// maxTorrents by evicting the entry with the fewest peers (never the
// target currently being announced), per spec.md §3/§4.5.
func (s *PeerStore) Announce(ih ID, ep Endpoint, name string) {
	t, ok := s.torrents[ih]
	if !ok {
		if len(s.torrents) >= s.maxTorrents {
			s.evictFewestPeers(ih)
		}
		t = newTorrentEntry(s.clock.Now())
		s.torrents[ih] = t
	}
	if name != "" && t.Name == "" && len(name) <= maxNameLen {
		t.Name = name
	}
	key := ep.String()
	if p, exists := t.peers[key]; exists {
		p.Inserted = s.clock.Now()
		return
	}
	t.peers[key] = &PeerEntry{Endpoint: ep, Inserted: s.clock.Now()}
}

// evictFewestPeers removes the torrent entry (other than protect) with the
// fewest peers, breaking ties by oldest Created, per spec.md §8's eviction
// scenario.
func (s *PeerStore) evictFewestPeers(protect ID) {
	var victim ID
	var oldest time.Time
	found := false
	fewest := -1
	for ih, t := range s.torrents {
		if ih == protect {
			continue
		}
		if !found || len(t.peers) < fewest || (len(t.peers) == fewest && t.Created.Before(oldest)) {
			victim = ih
			fewest = len(t.peers)
			oldest = t.Created
			found = true
		}
	}
	if found {
		delete(s.torrents, victim)
	}
}

// Count returns the number of known peers for ih.
func (s *PeerStore) Count(ih ID) int {
	t, ok := s.torrents[ih]
	if !ok {
		return 0
	}
	return len(t.peers)
}

// Name returns the stored human-readable name for ih, if any.
func (s *PeerStore) Name(ih ID) string {
	if t, ok := s.torrents[ih]; ok {
		return t.Name
	}
	return ""
}

// Peers returns up to maxPeerReply peers for ih, selected by reservoir
// sampling so the full peer set for a popular info-hash is never
// materialized just to answer one query, per spec.md §4.5.
func (s *PeerStore) Peers(ih ID) []Endpoint {
	t, ok := s.torrents[ih]
	if !ok || len(t.peers) == 0 {
		return nil
	}
	limit := s.maxPeerReply
	reservoir := make([]Endpoint, 0, limit)
	seen := 0
	for _, p := range t.peers {
		seen++
		if len(reservoir) < limit {
			reservoir = append(reservoir, p.Endpoint)
			continue
		}
		j := rand.Intn(seen)
		if j < limit {
			reservoir[j] = p.Endpoint
		}
	}
	return reservoir
}

// Expire purges peer entries older than peerTTL across every torrent
// entry, removing any torrent entry that becomes empty, per spec.md §4.6.
func (s *PeerStore) Expire() {
	now := s.clock.Now()
	for ih, t := range s.torrents {
		for key, p := range t.peers {
			if now.Sub(p.Inserted) > peerTTL {
				delete(t.peers, key)
			}
		}
		if len(t.peers) == 0 {
			delete(s.torrents, ih)
		}
	}
}

// NumTorrents returns the number of distinct info-hashes tracked, for the
// max_torrents invariant.
func (s *PeerStore) NumTorrents() int {
	return len(s.torrents)
}

// FeedKind distinguishes a list-head from a list-item, spec.md §3.
type FeedKind int

const (
	FeedHead FeedKind = iota
	FeedItemKind
)

// announcerFilter is a small bounded-Bloom-like set over IP hashes: it
// approximates the distinct-announcer count for a feed item without
// retaining the full set of IPs that ever announced it, per spec.md §4.5.
type announcerFilter struct {
	bits  []uint64
	count int
}

const announcerFilterWords = 32 // 2048 bits.

func newAnnouncerFilter() *announcerFilter {
	return &announcerFilter{bits: make([]uint64, announcerFilterWords)}
}

func (f *announcerFilter) hashes(ip []byte) (uint64, uint64) {
	h1 := fnv.New64a()
	h1.Write(ip)
	h2 := fnv.New64()
	h2.Write(ip)
	return h1.Sum64(), h2.Sum64()
}

// addIfNew reports whether ip had not previously been observed and, if so,
// records it and increments the distinct-announcer count.
func (f *announcerFilter) addIfNew(ip []byte) bool {
	a, b := f.hashes(ip)
	idx1, bit1 := (a/64)%uint64(len(f.bits)), a%64
	idx2, bit2 := (b/64)%uint64(len(f.bits)), b%64

	already := f.bits[idx1]&(1<<bit1) != 0 && f.bits[idx2]&(1<<bit2) != 0
	f.bits[idx1] |= 1 << bit1
	f.bits[idx2] |= 1 << bit2
	if !already {
		f.count++
		return true
	}
	return false
}

// FeedItem is spec.md §3's signed, sequenced record.
type FeedItem struct {
	Kind     FeedKind
	Name     string
	Key      [PublicKeyLen]byte
	Seq      int64
	Sig      [SignatureLen]byte
	Payload  []byte
	LastSeen time.Time

	announcers *announcerFilter
}

// AnnouncerCount returns the approximate number of distinct IPs that have
// announced this item.
func (it *FeedItem) AnnouncerCount() int {
	return it.announcers.count
}

// FeedStore is the bounded map of feed items keyed by target ID, bounded by
// maxFeedItems and evicting the item with the fewest distinct announcers
// on overflow, per spec.md §3/§4.6.
type FeedStore struct {
	clock        clock.Clock
	maxFeedItems int
	items        map[ID]*FeedItem
}

// NewFeedStore creates a feed store bounded to maxFeedItems targets.
func NewFeedStore(maxFeedItems int, c clock.Clock) *FeedStore {
	return &FeedStore{clock: c, maxFeedItems: maxFeedItems, items: make(map[ID]*FeedItem)}
}

// Get returns the stored item for target, if present.
func (s *FeedStore) Get(target ID) (*FeedItem, bool) {
	it, ok := s.items[target]
	return it, ok
}

// Upsert inserts or updates the feed item at target with the incoming
// candidate, keeping the higher sequence number (the monotonicity
// invariant from spec.md §3/§8) and bumping the distinct-announcer count
// if announcerIP has not been seen before. It returns the resulting stored
// sequence number.
func (s *FeedStore) Upsert(target ID, candidate FeedItem, announcerIP []byte) int64 {
	existing, ok := s.items[target]
	if !ok {
		if len(s.items) >= s.maxFeedItems {
			s.evictFewestAnnouncers(target)
		}
		candidate.announcers = newAnnouncerFilter()
		candidate.LastSeen = s.clock.Now()
		candidate.announcers.addIfNew(announcerIP)
		s.items[target] = &candidate
		return candidate.Seq
	}

	existing.LastSeen = s.clock.Now()
	existing.announcers.addIfNew(announcerIP)
	if candidate.Seq > existing.Seq {
		existing.Seq = candidate.Seq
		existing.Sig = candidate.Sig
		existing.Payload = candidate.Payload
		existing.Name = candidate.Name
	}
	return existing.Seq
}

func (s *FeedStore) evictFewestAnnouncers(protect ID) {
	var victim ID
	found := false
	fewest := -1
	for target, it := range s.items {
		if target == protect {
			continue
		}
		if !found || it.AnnouncerCount() < fewest {
			victim = target
			fewest = it.AnnouncerCount()
			found = true
		}
	}
	if found {
		delete(s.items, victim)
	}
}

// Expire removes feed items not seen within feedTTL, per spec.md §4.6.
func (s *FeedStore) Expire() {
	now := s.clock.Now()
	for target, it := range s.items {
		if now.Sub(it.LastSeen) > feedTTL {
			delete(s.items, target)
		}
	}
}

// NumItems returns the number of feed items tracked, for the
// max_feed_items invariant.
func (s *FeedStore) NumItems() int {
	return len(s.items)
}
