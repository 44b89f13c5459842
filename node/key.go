package node

import (
	"crypto/rand"
	"strings"

	"github.com/overlaynet/udp2p/codec"
)

// KeyLen is the size in bytes of a peer key and of every identifier
// derived from one.
const KeyLen = 32

// Key is a 256-bit identifier. The XOR of two keys is the distance
// between them, ordered lexicographically on the resulting bytes.
type Key [KeyLen]byte

// NewKey wraps a raw 32-byte value.
func NewKey(v [KeyLen]byte) Key {
	return Key(v)
}

// KeyFromBytes decodes a serialised key.
func KeyFromBytes(data []byte) (Key, error) {
	var k Key
	err := codec.Unmarshal(data, &k)
	return k, err
}

// RandKey returns a uniformly random key.
func RandKey() Key {
	var k Key
	// crypto/rand.Read never returns a short read without an error.
	if _, err := rand.Read(k[:]); err != nil {
		panic(err)
	}
	return k
}

// RandKeyInRange returns a random key whose first idx bits are zero and
// whose idx-th bit is set, placing it in a chosen XOR-distance band.
func RandKeyInRange(idx int) Key {
	k := RandKey()
	byteIdx := idx / 8
	bitIdx := idx % 8
	for i := 0; i < byteIdx; i++ {
		k[i] = 0
	}
	k[byteIdx] &= 0xFF >> uint(bitIdx)
	k[byteIdx] |= 1 << uint(8-bitIdx-1)
	return k
}

// Bytes returns the serialised form of the key.
func (k Key) Bytes() ([]byte, error) {
	return codec.Marshal(k)
}

// XOR returns the distance between k and other.
func (k Key) XOR(other Key) Key {
	var d Key
	for i := range k {
		d[i] = k[i] ^ other[i]
	}
	return d
}

// LeadingZeros counts the zero bits before the first set bit.
func (k Key) LeadingZeros() int {
	n := 0
	for _, b := range k {
		if b == 0 {
			n += 8
			continue
		}
		for mask := byte(0x80); mask > 0; mask >>= 1 {
			if b&mask != 0 {
				return n
			}
			n++
		}
	}
	return n
}

// Binary renders the key as a 256-character string of '0' and '1'.
func (k Key) Binary() string {
	var sb strings.Builder
	sb.Grow(KeyLen * 8)
	for _, b := range k {
		for mask := byte(0x80); mask > 0; mask >>= 1 {
			if b&mask != 0 {
				sb.WriteByte('1')
			} else {
				sb.WriteByte('0')
			}
		}
	}
	return sb.String()
}

// Prefix returns the first size+1 bits of the key as a binary string.
// The index-inclusive length makes Prefix(0) a one-bit string, which is
// what keys the root bucket of a routing table.
func (k Key) Prefix(size int) string {
	bin := k.Binary()
	if size < 0 {
		size = 0
	}
	if size >= len(bin) {
		size = len(bin) - 1
	}
	return bin[:size+1]
}
