package discovery

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/overlaynet/udp2p/node"
)

// testrand keeps key generation reproducible across runs.
var testrand = rand.New(rand.NewSource(421))

func testKey() node.Key {
	var k [node.KeyLen]byte
	testrand.Read(k[:])
	return node.NewKey(k)
}

func testPeer() node.PeerInfo {
	key := testKey()
	return node.PeerInfo{
		ID:      node.PeerIDFromKey(key),
		Key:     key,
		Address: fmt.Sprintf("127.0.0.1:%d", 9292+testrand.Intn(10000)),
	}
}

func setupTable(nPeers int) (*RoutingTable, node.PeerInfo, []node.PeerInfo) {
	local := testPeer()
	rt := NewRoutingTable(local)
	peers := make([]node.PeerInfo, nPeers)
	for i := range peers {
		peers[i] = testPeer()
	}
	return rt, local, peers
}

func tableContains(rt *RoutingTable, peer node.PeerInfo) bool {
	for _, bucket := range rt.tree {
		if bucket.Contains(peer.ID) {
			return true
		}
	}
	return false
}

func sortedByDistanceTo(target node.Key, peers []node.PeerInfo) bool {
	for i := 1; i < len(peers); i++ {
		prev := peers[i-1].Key.XOR(target)
		cur := peers[i].Key.XOR(target)
		if bytes.Compare(prev[:], cur[:]) > 0 {
			return false
		}
	}
	return true
}

func TestNewRoutingTable(t *testing.T) {
	rt, local, _ := setupTable(0)
	if rt.Size() != 1 {
		t.Fatalf("bucket count: have %d, want 1", rt.Size())
	}
	if rt.TotalPeers() != 1 {
		t.Errorf("peer count: have %d, want 1", rt.TotalPeers())
	}
	if rt.IsNew(local) {
		t.Error("local peer missing from fresh table")
	}
	if _, ok := rt.tree["0"]; !ok {
		t.Error("initial bucket is not keyed by the zero-distance prefix")
	}
}

func TestUpdatePeer(t *testing.T) {
	rt, _, peers := setupTable(5)
	peer := peers[0]
	if tableContains(rt, peer) {
		t.Fatal("peer present before insertion")
	}
	if !rt.IsNew(peer) {
		t.Fatal("IsNew false before insertion")
	}
	if !rt.UpdatePeer(peer, 0) {
		t.Fatal("UpdatePeer returned false")
	}
	if !tableContains(rt, peer) {
		t.Error("peer missing after insertion")
	}
	if rt.IsNew(peer) {
		t.Error("IsNew true after insertion")
	}
	if rt.Size() > 2 {
		t.Errorf("bucket count: have %d, want <= 2", rt.Size())
	}
}

func TestBucketSplit(t *testing.T) {
	rt, _, peers := setupTable(90)
	probe := peers[testrand.Intn(len(peers))]
	for _, peer := range peers {
		rt.UpdatePeer(peer, 0)
	}
	if !tableContains(rt, probe) {
		t.Error("inserted peer missing from table")
	}
	if have := rt.TotalPeers(); have != 91 {
		t.Errorf("peer count: have %d, want 91", have)
	}
	if rt.Size() <= 2 {
		t.Errorf("bucket count: have %d, want > 2", rt.Size())
	}
}

func TestBucketInvariants(t *testing.T) {
	rt, _, peers := setupTable(200)
	for _, peer := range peers {
		rt.UpdatePeer(peer, 0)
	}
	seen := make(map[node.PeerID]string)
	for prefix, bucket := range rt.tree {
		if bucket.Size() > MaxBucketLen {
			t.Errorf("bucket %q over capacity: %d", prefix, bucket.Size())
		}
		for _, peer := range bucket.Nodes() {
			if other, dup := seen[peer.ID]; dup {
				t.Errorf("peer in buckets %q and %q", other, prefix)
			}
			seen[peer.ID] = prefix
		}
	}
	if len(seen) != 201 {
		t.Errorf("distinct peers: have %d, want 201", len(seen))
	}
}

func TestUpsertDoesNotPromote(t *testing.T) {
	bucket := NewKBucket()
	first := testPeer()
	bucket.Upsert(first)
	for i := 0; i < 5; i++ {
		bucket.Upsert(testPeer())
	}
	// Re-seeing a peer refreshes the bucket but not its position.
	bucket.Upsert(first)
	if bucket.Size() != 6 {
		t.Fatalf("bucket size: have %d, want 6", bucket.Size())
	}
	evicted, ok := bucket.RemoveLRU()
	if !ok {
		t.Fatal("RemoveLRU on populated bucket failed")
	}
	if !evicted.Equal(first) {
		t.Error("LRU victim is not the oldest-inserted peer")
	}
}

func TestGetClosestPeersCount(t *testing.T) {
	rt, _, peers := setupTable(90)
	for _, peer := range peers {
		rt.UpdatePeer(peer, 0)
	}
	target := peers[5]
	for _, count := range []int{4, 8, 12, 50} {
		if have := len(rt.GetClosestPeers(target, count)); have != count {
			t.Errorf("count %d: have %d peers", count, have)
		}
	}
}

func TestGetClosestPeersSmallTable(t *testing.T) {
	rt, _, peers := setupTable(3)
	for _, peer := range peers {
		rt.UpdatePeer(peer, 0)
	}
	// Fewer peers than asked for: everything comes back.
	if have := len(rt.GetClosestPeers(peers[0], 8)); have != 4 {
		t.Errorf("have %d peers, want 4", have)
	}
}

func TestGetClosestPeersOrdering(t *testing.T) {
	rt, _, peers := setupTable(90)
	for _, peer := range peers {
		rt.UpdatePeer(peer, 0)
	}
	target := peers[7]
	// A request for nearly the whole table forces the global-sort
	// branch.
	count := rt.TotalPeers() - 2
	result := rt.GetClosestPeers(target, count)
	if len(result) != count {
		t.Fatalf("have %d peers, want %d", len(result), count)
	}
	if !sortedByDistanceTo(target.Key, result) {
		t.Error("result is not sorted by distance to target")
	}
	// No excluded peer may be closer than the farthest returned one.
	farthest := result[len(result)-1].Key.XOR(target.Key)
	included := make(map[node.PeerID]bool, len(result))
	for _, peer := range result {
		included[peer.ID] = true
	}
	for _, bucket := range rt.tree {
		for _, peer := range bucket.Nodes() {
			if included[peer.ID] {
				continue
			}
			d := peer.Key.XOR(target.Key)
			if bytes.Compare(d[:], farthest[:]) < 0 {
				t.Errorf("excluded peer %s is closer than the farthest result", peer.ID[:8])
			}
		}
	}
}

func TestRemovePeer(t *testing.T) {
	rt, _, peers := setupTable(30)
	for _, peer := range peers {
		rt.UpdatePeer(peer, 0)
	}
	victim := peers[11]
	rt.RemovePeer(victim)
	if tableContains(rt, victim) {
		t.Error("peer present after removal")
	}
	if have := rt.TotalPeers(); have != 30 {
		t.Errorf("peer count: have %d, want 30", have)
	}
}

func TestRemoveLRU(t *testing.T) {
	rt, _, peers := setupTable(10)
	for _, peer := range peers {
		rt.UpdatePeer(peer, 0)
	}
	before := rt.TotalPeers()
	if _, ok := rt.RemoveLRU(peers[0].Key); !ok {
		t.Fatal("RemoveLRU found no bucket")
	}
	if have := rt.TotalPeers(); have != before-1 {
		t.Errorf("peer count: have %d, want %d", have, before-1)
	}
}

func TestStaleBuckets(t *testing.T) {
	rt, _, peers := setupTable(40)
	for _, peer := range peers {
		rt.UpdatePeer(peer, 0)
	}
	if stale := rt.GetStaleIndices(); len(stale) != 0 {
		t.Fatalf("fresh table reports %d stale buckets", len(stale))
	}
	for _, bucket := range rt.tree {
		bucket.lastUpdated = time.Now().Add(-2 * RefreshInterval)
	}
	if have := len(rt.GetStaleIndices()); have != rt.Size() {
		t.Errorf("stale buckets: have %d, want %d", have, rt.Size())
	}
	if have := len(rt.StalePeers()); have != rt.TotalPeers() {
		t.Errorf("stale peers: have %d, want %d", have, rt.TotalPeers())
	}
}
