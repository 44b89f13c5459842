// Package record stores key-addressed values for the overlay's
// FIND_VALUE/STORE exchanges, along with the peers known to provide
// each value.
package record

import (
	"github.com/overlaynet/udp2p/node"
)

// Record is one stored value, addressed by a 32-byte key.
type Record struct {
	Key   node.Key `json:"key"`
	Value []byte   `json:"value"`
}

// Store is the contract between the Kademlia service and whatever holds
// records for it.
type Store interface {
	// Get returns the record for key, if held.
	Get(key node.Key) (Record, bool)

	// Put stores a record, replacing any previous value for its key.
	Put(rec Record) error

	// Remove deletes the record for key.
	Remove(key node.Key)

	// Records returns every held record.
	Records() []Record

	// AddProvider remembers that provider serves the value for key.
	AddProvider(key node.Key, provider node.PeerInfo) error

	// Providers returns the known providers for key.
	Providers(key node.Key) []node.PeerInfo

	// Provided returns every key with at least one provider.
	Provided() []node.Key

	// RemoveProvider forgets one provider of key.
	RemoveProvider(key node.Key, peer node.PeerID)
}
