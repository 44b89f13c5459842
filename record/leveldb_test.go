package record

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/overlaynet/udp2p/node"
)

func testStore(t *testing.T) *LevelDBStore {
	t.Helper()
	store, err := NewInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testPeer(addr string) node.PeerInfo {
	key := node.RandKey()
	return node.PeerInfo{ID: node.PeerIDFromKey(key), Key: key, Address: addr}
}

func TestPutGetRemove(t *testing.T) {
	store := testStore(t)
	rec := Record{Key: node.RandKey(), Value: []byte("value bytes")}

	if _, ok := store.Get(rec.Key); ok {
		t.Fatal("empty store returned a record")
	}
	require.NoError(t, store.Put(rec))

	got, ok := store.Get(rec.Key)
	require.True(t, ok)
	if got.Key != rec.Key || !bytes.Equal(got.Value, rec.Value) {
		t.Errorf("have %+v, want %+v", got, rec)
	}

	// Overwrite replaces the value.
	rec.Value = []byte("newer")
	require.NoError(t, store.Put(rec))
	got, _ = store.Get(rec.Key)
	require.Equal(t, []byte("newer"), got.Value)

	store.Remove(rec.Key)
	if _, ok := store.Get(rec.Key); ok {
		t.Error("record survived removal")
	}
}

func TestRecords(t *testing.T) {
	store := testStore(t)
	for i := 0; i < 4; i++ {
		require.NoError(t, store.Put(Record{Key: node.RandKey(), Value: []byte{byte(i)}}))
	}
	require.Len(t, store.Records(), 4)
}

func TestProviders(t *testing.T) {
	store := testStore(t)
	key := node.RandKey()
	a := testPeer("127.0.0.1:9292")
	b := testPeer("127.0.0.1:9293")

	require.Empty(t, store.Providers(key))
	require.NoError(t, store.AddProvider(key, a))
	require.NoError(t, store.AddProvider(key, b))
	// Re-adding the same provider is idempotent.
	require.NoError(t, store.AddProvider(key, a))
	require.Len(t, store.Providers(key), 2)

	provided := store.Provided()
	require.Len(t, provided, 1)
	require.Equal(t, key, provided[0])

	store.RemoveProvider(key, a.ID)
	peers := store.Providers(key)
	require.Len(t, peers, 1)
	require.True(t, peers[0].Equal(b))
}
