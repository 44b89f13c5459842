// Package gossip disseminates application messages to a probabilistic
// fan-out of near peers on a heartbeat cadence, deduplicating by
// message id and aging entries out of a bounded cache.
package gossip

import (
	"github.com/overlaynet/udp2p/codec"
	"github.com/overlaynet/udp2p/protocol"
)

// GossipMessage is the application payload carried inside a Message
// with the Gossip header. Sender is the textual address of the
// originating node and travels with the message so re-broadcasts can
// pass it to Publish as the source.
type GossipMessage struct {
	ID     protocol.MessageKey `json:"id"`
	Data   []byte              `json:"data"`
	Sender string              `json:"sender"`
}

// GossipMessageFromBytes decodes a serialised GossipMessage.
func GossipMessageFromBytes(data []byte) (GossipMessage, error) {
	var m GossipMessage
	err := codec.Unmarshal(data, &m)
	return m, err
}

// Bytes returns the serialised form of the message.
func (m GossipMessage) Bytes() ([]byte, error) {
	return codec.Marshal(m)
}
