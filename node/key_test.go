package node

import (
	"math/rand"
	"net"
	"strings"
	"testing"
	"testing/quick"
	"time"
)

var (
	quickrand = rand.New(rand.NewSource(time.Now().Unix()))
	quickcfg  = &quick.Config{MaxCount: 1000, Rand: quickrand}
)

func TestXORProperties(t *testing.T) {
	t.Parallel()
	test := func(a, b [KeyLen]byte) bool {
		ka, kb := NewKey(a), NewKey(b)
		if ka.XOR(ka) != (Key{}) {
			t.Error("x^x != 0")
			return false
		}
		if ka.XOR(kb) != kb.XOR(ka) {
			t.Error("xor is not commutative")
			return false
		}
		if ka.XOR(Key{}) != ka {
			t.Error("x^0 != x")
			return false
		}
		return true
	}
	if err := quick.Check(test, quickcfg); err != nil {
		t.Error(err)
	}
}

func TestLeadingZeros(t *testing.T) {
	tests := []struct {
		set  int // index of the single set bit, -1 for none
		want int
	}{
		{set: 0, want: 0},
		{set: 1, want: 1},
		{set: 7, want: 7},
		{set: 8, want: 8},
		{set: 100, want: 100},
		{set: 255, want: 255},
		{set: -1, want: 256},
	}
	for _, tt := range tests {
		var k Key
		if tt.set >= 0 {
			k[tt.set/8] = 1 << uint(7-tt.set%8)
		}
		if have := k.LeadingZeros(); have != tt.want {
			t.Errorf("bit %d: have %d, want %d", tt.set, have, tt.want)
		}
	}
}

func TestRandKeyInRange(t *testing.T) {
	t.Parallel()
	for idx := 0; idx < 64; idx++ {
		k := RandKeyInRange(idx)
		if have := k.LeadingZeros(); have != idx {
			t.Errorf("idx %d: leading zeros %d", idx, have)
		}
	}
}

func TestPrefix(t *testing.T) {
	k := RandKey()
	bin := k.Binary()
	if len(bin) != KeyLen*8 {
		t.Fatalf("binary length %d, want %d", len(bin), KeyLen*8)
	}
	for _, size := range []int{0, 1, 7, 31, 255} {
		p := k.Prefix(size)
		if len(p) != size+1 {
			t.Errorf("prefix(%d) length %d, want %d", size, len(p), size+1)
		}
		if !strings.HasPrefix(bin, p) {
			t.Errorf("prefix(%d) = %q is not a prefix of the binary form", size, p)
		}
	}
	// Oversized requests clamp to the full binary form.
	if p := k.Prefix(1000); p != bin {
		t.Errorf("prefix(1000) does not cover the whole key")
	}
}

func TestPrefixZeroDistance(t *testing.T) {
	k := RandKey()
	d := k.XOR(k)
	if have := d.Prefix(0); have != "0" {
		t.Errorf("zero-distance prefix: have %q, want %q", have, "0")
	}
}

func TestPeerIDFromKey(t *testing.T) {
	k := RandKey()
	id := PeerIDFromKey(k)
	if len(id) != 64 {
		t.Errorf("id length %d, want 64", len(id))
	}
	if id != PeerIDFromKey(k) {
		t.Error("id derivation is not deterministic")
	}
	if id == PeerIDFromKey(RandKey()) {
		t.Error("distinct keys produced the same id")
	}
}

func TestPeerInfoRoundTrip(t *testing.T) {
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:9292")
	if err != nil {
		t.Fatal(err)
	}
	key := RandKey()
	info := NewPeerInfo(PeerIDFromKey(key), key, addr)
	data, err := info.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := PeerInfoFromBytes(data)
	if err != nil {
		t.Fatal(err)
	}
	if !decoded.Equal(info) || decoded.ID != info.ID || decoded.Address != info.Address {
		t.Errorf("round trip mismatch: have %+v, want %+v", decoded, info)
	}
	back, err := decoded.UDPAddr()
	if err != nil {
		t.Fatal(err)
	}
	if back.String() != addr.String() {
		t.Errorf("address round trip: have %s, want %s", back, addr)
	}
}

func TestPeerEquality(t *testing.T) {
	addrA, _ := net.ResolveUDPAddr("udp", "127.0.0.1:9292")
	addrB, _ := net.ResolveUDPAddr("udp", "127.0.0.1:19292")
	key := RandKey()
	a := NewPeerInfo(PeerIDFromKey(key), key, addrA)
	b := NewPeerInfo(PeerIDFromKey(key), key, addrB)
	if !a.Equal(b) {
		t.Error("peers with equal keys must be equal regardless of address")
	}
	other := RandKey()
	c := NewPeerInfo(PeerIDFromKey(other), other, addrA)
	if a.Equal(c) {
		t.Error("peers with distinct keys must not be equal")
	}
}
