// Package discovery maintains the node's view of the overlay: a
// Kademlia-style routing table of peers bucketed by XOR-distance
// prefix, and the RPC service that fills it through FIND_NODE, NEW_PEER
// and PING exchanges.
package discovery

import (
	"bytes"
	"sort"
	"time"

	"github.com/overlaynet/udp2p/node"
)

const (
	// MaxBucketLen caps the number of peers held by one bucket.
	MaxBucketLen = 30

	// MaxBuckets is the advisory bound on the bucket count.
	MaxBuckets = 10

	// RefreshInterval is the staleness horizon for a bucket: one whose
	// last update predates now minus this is due a refresh.
	RefreshInterval = 900 * time.Second

	// KadMessageLen is the serialised size above which an outgoing kad
	// message is logged as oversized; it is still sent.
	KadMessageLen = 55000

	// ReqTimeout is the window in which a pending request may still be
	// answered.
	ReqTimeout = 60 * time.Second

	// MaxActiveRPCs bounds concurrently outstanding lookups.
	MaxActiveRPCs = 3

	// DefaultNPeers is the number of peers returned to a FIND_NODE.
	DefaultNPeers = 8

	// maxTraverse caps the upsert recursion. Distance prefixes run out
	// of bits at 256, so the traversal must stop there.
	maxTraverse = 255
)

// KBucket holds up to MaxBucketLen peers in insertion order.
type KBucket struct {
	ids         []node.PeerID
	nodes       map[node.PeerID]node.PeerInfo
	lastUpdated time.Time
}

// NewKBucket returns an empty bucket stamped with the current time.
func NewKBucket() *KBucket {
	return &KBucket{
		nodes:       make(map[node.PeerID]node.PeerInfo, MaxBucketLen),
		lastUpdated: time.Now(),
	}
}

// Upsert refreshes the bucket timestamp and inserts peer if its id is
// not already present. A re-seen peer is neither replaced nor promoted.
func (b *KBucket) Upsert(peer node.PeerInfo) {
	b.lastUpdated = time.Now()
	if _, ok := b.nodes[peer.ID]; ok {
		return
	}
	b.nodes[peer.ID] = peer
	b.ids = append(b.ids, peer.ID)
}

// Contains reports whether the bucket holds the peer with the given id.
func (b *KBucket) Contains(id node.PeerID) bool {
	_, ok := b.nodes[id]
	return ok
}

// Nodes returns the bucket's peers in insertion order.
func (b *KBucket) Nodes() []node.PeerInfo {
	peers := make([]node.PeerInfo, 0, len(b.ids))
	for _, id := range b.ids {
		peers = append(peers, b.nodes[id])
	}
	return peers
}

// RemoveLRU evicts and returns the oldest-inserted peer.
func (b *KBucket) RemoveLRU() (node.PeerInfo, bool) {
	if len(b.ids) == 0 {
		return node.PeerInfo{}, false
	}
	id := b.ids[0]
	peer := b.nodes[id]
	b.ids = b.ids[1:]
	delete(b.nodes, id)
	return peer, true
}

// RemovePeer removes the peer with the given id, if present.
func (b *KBucket) RemovePeer(id node.PeerID) (node.PeerInfo, bool) {
	peer, ok := b.nodes[id]
	if !ok {
		return node.PeerInfo{}, false
	}
	delete(b.nodes, id)
	for i, cur := range b.ids {
		if cur == id {
			b.ids = append(b.ids[:i], b.ids[i+1:]...)
			break
		}
	}
	return peer, true
}

// IsFull reports whether the bucket is at capacity.
func (b *KBucket) IsFull() bool {
	return len(b.ids) >= MaxBucketLen
}

// IsStale reports whether the bucket has gone a full refresh interval
// without an update.
func (b *KBucket) IsStale() bool {
	return time.Since(b.lastUpdated) > RefreshInterval
}

// Size returns the number of peers in the bucket.
func (b *KBucket) Size() int {
	return len(b.ids)
}

// RoutingTable maps binary distance prefixes to buckets. The bucket for
// a peer at distance d sits under the shortest prefix of d that was not
// already full when the peer was first seen.
type RoutingTable struct {
	tree  map[string]*KBucket
	local node.PeerInfo
}

// NewRoutingTable returns a table seeded with a single bucket, keyed by
// the zero-distance prefix, holding the local peer.
func NewRoutingTable(local node.PeerInfo) *RoutingTable {
	b := NewKBucket()
	b.Upsert(local)
	tree := map[string]*KBucket{
		local.Key.XOR(local.Key).Prefix(0): b,
	}
	return &RoutingTable{tree: tree, local: local}
}

// Local returns the local peer.
func (rt *RoutingTable) Local() node.PeerInfo {
	return rt.local
}

// UpdatePeer upserts a peer at the given traversal depth: it walks the
// peer's distance prefixes from traverse onward until it finds a bucket
// with room or a prefix with no bucket yet. Returns false only when the
// traversal depth is exhausted.
func (rt *RoutingTable) UpdatePeer(peer node.PeerInfo, traverse int) bool {
	if traverse > maxTraverse {
		return false
	}
	distance := rt.local.Key.XOR(peer.Key)
	prefix := distance.Prefix(traverse)
	if bucket, ok := rt.tree[prefix]; ok {
		if !bucket.IsFull() {
			bucket.Upsert(peer)
			return true
		}
		return rt.UpdatePeer(peer, traverse+1)
	}
	bucket := NewKBucket()
	bucket.Upsert(peer)
	rt.tree[prefix] = bucket
	return true
}

// GetClosestPeers returns up to count peers close to target. Buckets
// sitting on the distance path from the local peer to the target are
// preferred, most specific first; when they cannot cover the request
// the whole table is sorted by distance instead.
func (rt *RoutingTable) GetClosestPeers(target node.PeerInfo, count int) []node.PeerInfo {
	if rt.TotalPeers() < count {
		return rt.AllPeers()
	}

	distance := rt.local.Key.XOR(target.Key)
	matched := make(map[string]*KBucket)
	total := 0
	for prefix, bucket := range rt.tree {
		if distance.Prefix(len(prefix)-1) == prefix {
			matched[prefix] = bucket
			total += bucket.Size()
		}
	}

	if len(matched) == 0 || total < count {
		closest := rt.AllPeers()
		sortByDistance(closest, target.Key)
		return closest[:count]
	}

	prefixes := make([]string, 0, len(matched))
	for prefix := range matched {
		prefixes = append(prefixes, prefix)
	}
	sort.Slice(prefixes, func(i, j int) bool {
		return len(prefixes[i]) > len(prefixes[j])
	})

	var candidates []node.PeerInfo
	for _, prefix := range prefixes {
		if len(candidates) >= count {
			break
		}
		candidates = append(candidates, matched[prefix].Nodes()...)
	}
	sortByDistance(candidates, target.Key)
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

// RemovePeer walks the peer's distance path and removes it from the
// bucket that holds it.
func (rt *RoutingTable) RemovePeer(peer node.PeerInfo) {
	distance := rt.local.Key.XOR(peer.Key)
	for t := 0; t <= maxTraverse; t++ {
		bucket, ok := rt.tree[distance.Prefix(t)]
		if !ok {
			return
		}
		if _, removed := bucket.RemovePeer(peer.ID); removed {
			return
		}
	}
}

// RemoveLRU evicts the oldest-inserted peer from the deepest bucket on
// the distance path to key.
func (rt *RoutingTable) RemoveLRU(key node.Key) (node.PeerInfo, bool) {
	distance := rt.local.Key.XOR(key)
	var deepest *KBucket
	for t := 0; t <= maxTraverse; t++ {
		bucket, ok := rt.tree[distance.Prefix(t)]
		if !ok {
			break
		}
		deepest = bucket
	}
	if deepest == nil {
		return node.PeerInfo{}, false
	}
	return deepest.RemoveLRU()
}

// IsNew reports whether no bucket holds the peer.
func (rt *RoutingTable) IsNew(peer node.PeerInfo) bool {
	for _, bucket := range rt.tree {
		if bucket.Contains(peer.ID) {
			return false
		}
	}
	return true
}

// GetStaleIndices returns the positions, in sorted-prefix order, of
// buckets due a refresh.
func (rt *RoutingTable) GetStaleIndices() []int {
	var stale []int
	for i, prefix := range rt.sortedPrefixes() {
		if rt.tree[prefix].IsStale() {
			stale = append(stale, i)
		}
	}
	return stale
}

// StalePeers returns the members of every stale bucket.
func (rt *RoutingTable) StalePeers() []node.PeerInfo {
	var peers []node.PeerInfo
	for _, prefix := range rt.sortedPrefixes() {
		if bucket := rt.tree[prefix]; bucket.IsStale() {
			peers = append(peers, bucket.Nodes()...)
		}
	}
	return peers
}

// Size returns the number of buckets.
func (rt *RoutingTable) Size() int {
	return len(rt.tree)
}

// TotalPeers returns the number of peers across all buckets.
func (rt *RoutingTable) TotalPeers() int {
	sum := 0
	for _, bucket := range rt.tree {
		sum += bucket.Size()
	}
	return sum
}

// AllPeers returns every peer in the table.
func (rt *RoutingTable) AllPeers() []node.PeerInfo {
	peers := make([]node.PeerInfo, 0, rt.TotalPeers())
	for _, prefix := range rt.sortedPrefixes() {
		peers = append(peers, rt.tree[prefix].Nodes()...)
	}
	return peers
}

func (rt *RoutingTable) sortedPrefixes() []string {
	prefixes := make([]string, 0, len(rt.tree))
	for prefix := range rt.tree {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)
	return prefixes
}

// sortByDistance orders peers ascending by the XOR distance of their
// keys to target.
func sortByDistance(peers []node.PeerInfo, target node.Key) {
	sort.SliceStable(peers, func(i, j int) bool {
		di := peers[i].Key.XOR(target)
		dj := peers[j].Key.XOR(target)
		return bytes.Compare(di[:], dj[:]) < 0
	})
}
