package node

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net"

	"github.com/overlaynet/udp2p/codec"
)

// PeerID is the hex-encoded SHA-256 digest of a peer's key.
type PeerID string

// PeerIDFromKey derives the identifier for a key.
func PeerIDFromKey(k Key) PeerID {
	sum := sha256.Sum256(k[:])
	return PeerID(hex.EncodeToString(sum[:]))
}

// RandPeerID derives an identifier from a fresh random key.
func RandPeerID() PeerID {
	return PeerIDFromKey(RandKey())
}

// PeerInfo identifies a peer on the overlay: its id, its key and the
// address it can be reached at. Two PeerInfo values are the same peer
// iff their keys are equal.
type PeerInfo struct {
	ID      PeerID `json:"id"`
	Key     Key    `json:"key"`
	Address string `json:"address"`
}

// NewPeerInfo assembles a PeerInfo from its parts.
func NewPeerInfo(id PeerID, key Key, addr *net.UDPAddr) PeerInfo {
	return PeerInfo{ID: id, Key: key, Address: addr.String()}
}

// PeerInfoFromBytes decodes a serialised PeerInfo.
func PeerInfoFromBytes(data []byte) (PeerInfo, error) {
	var p PeerInfo
	err := codec.Unmarshal(data, &p)
	return p, err
}

// Bytes returns the serialised form of the peer.
func (p PeerInfo) Bytes() ([]byte, error) {
	return codec.Marshal(p)
}

// Equal reports whether other is the same peer.
func (p PeerInfo) Equal(other PeerInfo) bool {
	return p.Key == other.Key
}

// UDPAddr parses the peer's address.
func (p PeerInfo) UDPAddr() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", p.Address)
}

// DistanceTo returns the XOR distance from this peer's key to target.
func (p PeerInfo) DistanceTo(target Key) Key {
	return p.Key.XOR(target)
}

// Less orders peers by the reverse natural order of their keys. It only
// exists to give sorted containers a total order.
func (p PeerInfo) Less(other PeerInfo) bool {
	return bytes.Compare(other.Key[:], p.Key[:]) < 0
}
