// Package protocol defines the values that travel between nodes: the
// packet framing used on the wire, the message envelope dispatched by
// header, and the identifiers that tie acknowledgements and
// retransmissions back to the packets they belong to.
package protocol

import (
	"crypto/rand"
	"net"

	"github.com/overlaynet/udp2p/codec"
)

// Header tags a Message with the subsystem it belongs to.
type Header string

const (
	HeaderRequest  Header = "Request"
	HeaderResponse Header = "Response"
	HeaderGossip   Header = "Gossip"
	HeaderAck      Header = "Ack"
)

// MessageKey is a 32-byte identifier for a message or packet stream.
type MessageKey [32]byte

// RandMessageKey returns a uniformly random key.
func RandMessageKey() MessageKey {
	var k MessageKey
	if _, err := rand.Read(k[:]); err != nil {
		panic(err)
	}
	return k
}

// MessageKeyFromInner wraps a raw 32-byte value.
func MessageKeyFromInner(v [32]byte) MessageKey {
	return MessageKey(v)
}

// Inner returns the raw 32-byte value.
func (k MessageKey) Inner() [32]byte {
	return k
}

// Message is the unit of dispatch after reassembly: a header naming the
// consumer and an opaque payload for it.
type Message struct {
	Head Header `json:"head"`
	Msg  []byte `json:"msg"`
}

// MessageFromBytes decodes a serialised Message.
func MessageFromBytes(data []byte) (Message, error) {
	var m Message
	err := codec.Unmarshal(data, &m)
	return m, err
}

// Bytes returns the serialised form of the message.
func (m Message) Bytes() ([]byte, error) {
	return codec.Marshal(m)
}

// KadKind discriminates the KadMessage union.
type KadKind string

const (
	KadRequest  KadKind = "Request"
	KadResponse KadKind = "Response"
	KadKill     KadKind = "Kill"
)

// KadMessage is the tagged union delivered to the Kademlia service:
// a Request or Response carrying the serialised inner value, or Kill.
type KadMessage struct {
	Kind KadKind `json:"kind"`
	Data []byte  `json:"data,omitempty"`
}

// NewKadRequest wraps serialised request bytes.
func NewKadRequest(req []byte) KadMessage {
	return KadMessage{Kind: KadRequest, Data: req}
}

// NewKadResponse wraps serialised response bytes.
func NewKadResponse(resp []byte) KadMessage {
	return KadMessage{Kind: KadResponse, Data: resp}
}

// NewKadKill returns the shutdown sentinel.
func NewKadKill() KadMessage {
	return KadMessage{Kind: KadKill}
}

// KadMessageFromBytes decodes a serialised KadMessage.
func KadMessageFromBytes(data []byte) (KadMessage, error) {
	var m KadMessage
	err := codec.Unmarshal(data, &m)
	return m, err
}

// Bytes returns the serialised form of the KadMessage.
func (m KadMessage) Bytes() ([]byte, error) {
	return codec.Marshal(m)
}

// AckMessage acknowledges receipt of one packet. Src carries the
// acknowledging node's address rendered as text bytes.
type AckMessage struct {
	PacketID     MessageKey `json:"packet_id"`
	PacketNumber int        `json:"packet_number"`
	Src          []byte     `json:"src"`
}

// AckMessageFromBytes decodes a serialised AckMessage.
func AckMessageFromBytes(data []byte) (AckMessage, error) {
	var a AckMessage
	err := codec.Unmarshal(data, &a)
	return a, err
}

// Bytes returns the serialised form of the ack.
func (a AckMessage) Bytes() ([]byte, error) {
	return codec.Marshal(a)
}

// MessageEnvelope pairs a Message with the address it is travelling to
// or arrived from. It is the payload of the outgoing-message and gossip
// channels.
type MessageEnvelope struct {
	Addr    *net.UDPAddr
	Message Message
}

// KadEnvelope pairs a KadMessage with its source address. It is the
// payload of the Kademlia inbound channel.
type KadEnvelope struct {
	Addr    *net.UDPAddr
	Message KadMessage
}
