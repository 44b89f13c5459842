package protocol

import (
	"bytes"
	"math/rand"
	"testing"
	"testing/quick"
	"time"
)

var (
	quickrand = rand.New(rand.NewSource(time.Now().Unix()))
	quickcfg  = &quick.Config{MaxCount: 200, Rand: quickrand}
)

// reassemble concatenates the hex-decoded payloads in packet-number
// order.
func reassemble(t *testing.T, packets []Packet) []byte {
	t.Helper()
	byNumber := make(map[int]Packet, len(packets))
	for _, p := range packets {
		byNumber[p.N] = p
	}
	var out []byte
	for n := 1; n <= packets[0].TotalN; n++ {
		p, ok := byNumber[n]
		if !ok {
			t.Fatalf("missing packet %d", n)
		}
		payload, err := p.Payload()
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, payload...)
	}
	return out
}

func TestPacketizeRoundTrip(t *testing.T) {
	t.Parallel()
	test := func(data []byte, ret bool) bool {
		flag := NoReturnReceipt
		if ret {
			flag = ReturnReceipt
		}
		id := RandMessageKey()
		packets := Packetize(data, id, flag)
		if len(packets) == 0 {
			t.Error("no packets produced")
			return false
		}
		for i, p := range packets {
			if p.ID != id || p.Ret != flag || p.TotalN != len(packets) || p.N != i+1 {
				t.Errorf("packet %d has wrong framing: %+v", i, p)
				return false
			}
		}
		if have := reassemble(t, packets); !bytes.Equal(have, data) {
			t.Errorf("round trip mismatch: have %d bytes, want %d", len(have), len(data))
			return false
		}
		return true
	}
	if err := quick.Check(test, quickcfg); err != nil {
		t.Error(err)
	}
}

func TestPacketizeSinglePacket(t *testing.T) {
	data := make([]byte, PacketSliceSize-1)
	quickrand.Read(data)
	packets := Packetize(data, RandMessageKey(), ReturnReceipt)
	if len(packets) != 1 {
		t.Fatalf("have %d packets, want 1", len(packets))
	}
	if packets[0].N != 1 || packets[0].TotalN != 1 {
		t.Errorf("have n=%d total=%d, want 1/1", packets[0].N, packets[0].TotalN)
	}
}

func TestPacketizeBoundaries(t *testing.T) {
	tests := []struct {
		size int
		want int
	}{
		{size: 0, want: 1},
		{size: 1, want: 1},
		{size: PacketSliceSize - 1, want: 1},
		{size: PacketSliceSize, want: 1},
		{size: PacketSliceSize + 1, want: 2},
		{size: 2 * PacketSliceSize, want: 2},
		{size: 2*PacketSliceSize + 1, want: 3},
		{size: 100000, want: 4},
	}
	for _, tt := range tests {
		data := make([]byte, tt.size)
		quickrand.Read(data)
		packets := Packetize(data, RandMessageKey(), NoReturnReceipt)
		if len(packets) != tt.want {
			t.Errorf("size %d: have %d packets, want %d", tt.size, len(packets), tt.want)
			continue
		}
		if !bytes.Equal(reassemble(t, packets), data) {
			t.Errorf("size %d: round trip mismatch", tt.size)
		}
	}
}

func TestPacketWireRoundTrip(t *testing.T) {
	pkt := Packetize([]byte("hello overlay"), RandMessageKey(), ReturnReceipt)[0]
	data, err := pkt.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := PacketFromBytes(data)
	if err != nil {
		t.Fatal(err)
	}
	if decoded != pkt {
		t.Errorf("have %+v, want %+v", decoded, pkt)
	}
}
