package protocol

import (
	"encoding/hex"

	"github.com/overlaynet/udp2p/codec"
)

const (
	// PacketSliceSize is the number of raw payload bytes carried by one
	// packet before hex encoding.
	PacketSliceSize = 32500

	// ReturnReceipt marks a packet whose recipient must acknowledge it.
	ReturnReceipt byte = 1

	// NoReturnReceipt marks a fire-and-forget packet.
	NoReturnReceipt byte = 0
)

// Packet is one datagram-sized slice of a message. N is 1-based; a
// receiver holds packets until it has TotalN of them for the same ID.
// Bytes is the hex encoding of the payload slice.
type Packet struct {
	ID     MessageKey `json:"id"`
	N      int        `json:"n"`
	TotalN int        `json:"total_n"`
	Bytes  string     `json:"bytes"`
	Ret    byte       `json:"ret"`
}

// PacketFromBytes decodes a serialised Packet.
func PacketFromBytes(data []byte) (Packet, error) {
	var p Packet
	err := codec.Unmarshal(data, &p)
	return p, err
}

// Marshal returns the serialised form of the packet.
func (p Packet) Marshal() ([]byte, error) {
	return codec.Marshal(p)
}

// Payload hex-decodes the packet's payload slice.
func (p Packet) Payload() ([]byte, error) {
	return hex.DecodeString(p.Bytes)
}

// Packetize splits b into packets of at most PacketSliceSize payload
// bytes. The slices are contiguous and cover b exactly once; every
// packet shares id and ret, and TotalN is ceil(len(b)/PacketSliceSize).
func Packetize(b []byte, id MessageKey, ret byte) []Packet {
	if len(b) < PacketSliceSize {
		return []Packet{{
			ID:     id,
			N:      1,
			TotalN: 1,
			Bytes:  hex.EncodeToString(b),
			Ret:    ret,
		}}
	}
	total := (len(b) + PacketSliceSize - 1) / PacketSliceSize
	packets := make([]Packet, 0, total)
	for n := 1; n <= total; n++ {
		start := (n - 1) * PacketSliceSize
		end := start + PacketSliceSize
		if end > len(b) {
			end = len(b)
		}
		packets = append(packets, Packet{
			ID:     id,
			N:      n,
			TotalN: total,
			Bytes:  hex.EncodeToString(b[start:end]),
			Ret:    ret,
		})
	}
	return packets
}
