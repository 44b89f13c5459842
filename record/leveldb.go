package record

import (
	"encoding/hex"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/overlaynet/udp2p/codec"
	"github.com/overlaynet/udp2p/node"
)

const (
	recordPrefix   = "r/"
	providerPrefix = "p/"
)

// LevelDBStore is a Store backed by goleveldb. Records live under the
// "r/" keyspace and providers under "p/<key>/<peer id>".
type LevelDBStore struct {
	db *leveldb.DB
}

// NewLevelDBStore opens (creating if necessary) a store at path.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBStore{db: db}, nil
}

// NewInMemoryStore returns a store backed by memory-only storage,
// suitable for tests and ephemeral nodes.
func NewInMemoryStore() (*LevelDBStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBStore{db: db}, nil
}

// Close releases the underlying database.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

func recordKey(key node.Key) []byte {
	return []byte(recordPrefix + hex.EncodeToString(key[:]))
}

func providerKey(key node.Key, id node.PeerID) []byte {
	return []byte(providerPrefix + hex.EncodeToString(key[:]) + "/" + string(id))
}

// Get returns the record for key, if held.
func (s *LevelDBStore) Get(key node.Key) (Record, bool) {
	data, err := s.db.Get(recordKey(key), nil)
	if err != nil {
		return Record{}, false
	}
	var rec Record
	if err := codec.Unmarshal(data, &rec); err != nil {
		return Record{}, false
	}
	return rec, true
}

// Put stores a record, replacing any previous value for its key.
func (s *LevelDBStore) Put(rec Record) error {
	data, err := codec.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Put(recordKey(rec.Key), data, nil)
}

// Remove deletes the record for key.
func (s *LevelDBStore) Remove(key node.Key) {
	_ = s.db.Delete(recordKey(key), nil)
}

// Records returns every held record.
func (s *LevelDBStore) Records() []Record {
	var recs []Record
	iter := s.db.NewIterator(util.BytesPrefix([]byte(recordPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var rec Record
		if err := codec.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs
}

// AddProvider remembers that provider serves the value for key.
func (s *LevelDBStore) AddProvider(key node.Key, provider node.PeerInfo) error {
	data, err := provider.Bytes()
	if err != nil {
		return err
	}
	return s.db.Put(providerKey(key, provider.ID), data, nil)
}

// Providers returns the known providers for key.
func (s *LevelDBStore) Providers(key node.Key) []node.PeerInfo {
	prefix := providerPrefix + hex.EncodeToString(key[:]) + "/"
	var peers []node.PeerInfo
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		peer, err := node.PeerInfoFromBytes(iter.Value())
		if err != nil {
			continue
		}
		peers = append(peers, peer)
	}
	return peers
}

// Provided returns every key with at least one provider.
func (s *LevelDBStore) Provided() []node.Key {
	seen := make(map[node.Key]struct{})
	var keys []node.Key
	iter := s.db.NewIterator(util.BytesPrefix([]byte(providerPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		rest := strings.TrimPrefix(string(iter.Key()), providerPrefix)
		hexKey, _, ok := strings.Cut(rest, "/")
		if !ok {
			continue
		}
		raw, err := hex.DecodeString(hexKey)
		if err != nil || len(raw) != node.KeyLen {
			continue
		}
		var key node.Key
		copy(key[:], raw)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

// RemoveProvider forgets one provider of key.
func (s *LevelDBStore) RemoveProvider(key node.Key, peer node.PeerID) {
	_ = s.db.Delete(providerKey(key, peer), nil)
}
