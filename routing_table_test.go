package dht

import (
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newTestRT() (*RoutingTable, ID, *clock.Mock) {
	self := RandomID()
	mock := clock.NewMock()
	return NewRoutingTable(self, mock), self, mock
}

// nodeCloseTo returns an ID guaranteed to land in bucket i relative to self.
func nodeCloseTo(self ID, i int) ID {
	return randomIDInBucket(self, i)
}

func TestHeardAboutFillsBucketThenCaches(t *testing.T) {
	rt, self, _ := newTestRT()
	bucketIdx := 100
	for i := 0; i < K; i++ {
		id := nodeCloseTo(self, bucketIdx)
		rt.HeardAbout(id, Endpoint{IP: net.ParseIP("127.0.0.1"), Port: uint16(i + 1)})
	}
	if got := rt.BucketSize(bucketIdx); got != K {
		t.Fatalf("bucket size = %d, want %d", got, K)
	}
	// One more candidate should be cached as a replacement, not admitted live.
	extra := nodeCloseTo(self, bucketIdx)
	rt.HeardAbout(extra, Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 99})
	if got := rt.BucketSize(bucketIdx); got != K {
		t.Fatalf("bucket size after overflow = %d, want %d (still bounded)", got, K)
	}
	if rt.buckets[bucketIdx].indexOfReplacement(extra) < 0 {
		t.Fatal("the overflow candidate should be cached in the replacement list")
	}
}

func TestHeardAboutIgnoresSelf(t *testing.T) {
	rt, self, _ := newTestRT()
	rt.HeardAbout(self, Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 1})
	if rt.NumNodes() != 0 {
		t.Fatal("self should never be admitted to the routing table")
	}
}

func TestNodeSeenPromotesReplacementAfterStaleFailsToReply(t *testing.T) {
	rt, self, mock := newTestRT()
	bucketIdx := 50
	ep := func(port int) Endpoint { return Endpoint{IP: net.ParseIP("127.0.0.1"), Port: uint16(port)} }

	var last *PendingAdmission
	for i := 0; i < K; i++ {
		id := nodeCloseTo(self, bucketIdx)
		res, pending := rt.NodeSeen(id, ep(i+1))
		if res != AdmissionInserted {
			t.Fatalf("expected AdmissionInserted for entry %d, got %v", i, res)
		}
		_ = pending
	}
	mock.Add(time.Minute)

	newcomer := nodeCloseTo(self, bucketIdx)
	res, pending := rt.NodeSeen(newcomer, ep(1000))
	if res != AdmissionNeedsPing {
		t.Fatalf("expected AdmissionNeedsPing on a full bucket, got %v", res)
	}
	last = pending
	if last == nil {
		t.Fatal("expected a pending admission")
	}

	rt.ResolvePing(last, false) // stale entry failed to reply.
	if rt.BucketSize(bucketIdx) != K {
		t.Fatalf("bucket size after eviction = %d, want %d", rt.BucketSize(bucketIdx), K)
	}
	if idx := rt.buckets[bucketIdx].indexOfLive(newcomer); idx < 0 {
		t.Fatal("newcomer should have been promoted to live after the stale entry failed to reply")
	}
}

func TestNodeSeenCachesReplacementWhenStaleReplies(t *testing.T) {
	rt, self, _ := newTestRT()
	bucketIdx := 40
	ep := func(port int) Endpoint { return Endpoint{IP: net.ParseIP("127.0.0.1"), Port: uint16(port)} }

	for i := 0; i < K; i++ {
		id := nodeCloseTo(self, bucketIdx)
		rt.NodeSeen(id, ep(i+1))
	}
	newcomer := nodeCloseTo(self, bucketIdx)
	_, pending := rt.NodeSeen(newcomer, ep(1000))
	if pending == nil {
		t.Fatal("expected a pending admission")
	}
	rt.ResolvePing(pending, true) // stale entry replied in time.
	if idx := rt.buckets[bucketIdx].indexOfLive(newcomer); idx >= 0 {
		t.Fatal("newcomer should not be live when the stale entry proved alive")
	}
	if idx := rt.buckets[bucketIdx].indexOfReplacement(newcomer); idx < 0 {
		t.Fatal("newcomer should be cached as a replacement")
	}
}

func TestFindNodeReturnsClosestExcludingRouters(t *testing.T) {
	rt, self, _ := newTestRT()
	bucketIdx := 120
	var wantClose ID
	for i := 0; i < K; i++ {
		id := nodeCloseTo(self, bucketIdx)
		if i == 0 {
			wantClose = id
		}
		rt.HeardAbout(id, Endpoint{IP: net.ParseIP("127.0.0.1"), Port: uint16(i + 1)})
	}
	router := nodeCloseTo(self, bucketIdx)
	rt.insertLive(rt.bucketFor(router), &NodeEntry{ID: router, Endpoint: Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 200}, Flags: FlagPinned})

	found := rt.FindNode(wantClose, false)
	if len(found) == 0 || found[0].ID != wantClose {
		t.Fatalf("FindNode(%x) should return that node itself first, got %+v", wantClose, found)
	}
	for _, n := range found {
		if n.ID == router {
			t.Fatal("router node should not be returned to a peer")
		}
	}
	foundWithRouters := rt.FindNode(wantClose, true)
	seen := false
	for _, n := range foundWithRouters {
		if n.ID == router {
			seen = true
		}
	}
	if !seen {
		t.Fatal("router node should be visible to an internal caller with withRouters=true")
	}
}

func TestNeedRefreshRespectsInterval(t *testing.T) {
	rt, self, mock := newTestRT()
	id := nodeCloseTo(self, 30)
	rt.HeardAbout(id, Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 1})

	if _, ok := rt.NeedRefresh(); ok {
		t.Fatal("bucket touched just now should not need a refresh yet")
	}
	mock.Add(refreshInterval + time.Second)
	target, ok := rt.NeedRefresh()
	if !ok {
		t.Fatal("bucket untouched past refreshInterval should need a refresh")
	}
	if BucketIndex(self, target) != 30 {
		t.Fatalf("refresh target lands in bucket %d, want 30", BucketIndex(self, target))
	}
}

func TestReportUnreachableEvictsAfterThreshold(t *testing.T) {
	rt, self, _ := newTestRT()
	id := nodeCloseTo(self, 10)
	rt.HeardAbout(id, Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 1})
	for i := 0; i <= failureThreshold; i++ {
		rt.ReportUnreachable(id)
	}
	if rt.bucketFor(id).indexOfLive(id) >= 0 {
		t.Fatal("node should have been evicted after crossing the failure threshold")
	}
}
