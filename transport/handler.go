// Package transport moves messages between the socket and the rest of
// the node. The Handler side receives datagrams, acknowledges packets
// that ask for it, reassembles messages and fans them out by header;
// the Transport side drains the outgoing channel, packetises and hands
// packets to the guaranteed-delivery layer.
package transport

import (
	"fmt"
	"net"

	"github.com/ethereum/go-ethereum/log"

	"github.com/overlaynet/udp2p/protocol"
)

// RecvBufferSize is the size of the datagram receive buffer.
const RecvBufferSize = 65536

// Handler reassembles incoming packets and routes completed messages
// to the Kademlia, gossip and ack channels. It is confined to the
// receiver goroutine.
type Handler struct {
	om      chan<- protocol.MessageEnvelope
	ia      chan<- protocol.AckMessage
	pending map[protocol.MessageKey]map[int]protocol.Packet
	kad     chan<- protocol.KadEnvelope
	gossip  chan<- protocol.MessageEnvelope
	logger  log.Logger
}

// NewHandler wires a Handler to its downstream channels.
func NewHandler(
	om chan<- protocol.MessageEnvelope,
	ia chan<- protocol.AckMessage,
	kad chan<- protocol.KadEnvelope,
	gossip chan<- protocol.MessageEnvelope,
) *Handler {
	return &Handler{
		om:      om,
		ia:      ia,
		pending: make(map[protocol.MessageKey]map[int]protocol.Packet),
		kad:     kad,
		gossip:  gossip,
		logger:  log.New("component", "handler"),
	}
}

// RecvMsg receives one datagram into buf and processes it. Datagrams
// that do not decode as a Packet are dropped.
func (h *Handler) RecvMsg(conn *net.UDPConn, buf []byte, local *net.UDPAddr) {
	amt, src, err := conn.ReadFromUDP(buf)
	if err != nil {
		h.logger.Debug("datagram receive failed", "err", err)
		return
	}
	pkt, err := protocol.PacketFromBytes(buf[:amt])
	if err != nil {
		h.logger.Debug("dropping malformed packet", "src", src, "err", err)
		return
	}
	if pkt.Ret == protocol.ReturnReceipt {
		h.sendAck(pkt, src, local)
	}
	h.InsertPacket(pkt, src)
}

// sendAck queues an acknowledgement for pkt addressed back to src.
func (h *Handler) sendAck(pkt protocol.Packet, src, local *net.UDPAddr) {
	ack := protocol.AckMessage{
		PacketID:     pkt.ID,
		PacketNumber: pkt.N,
		Src:          []byte(local.String()),
	}
	data, err := ack.Bytes()
	if err != nil {
		h.logger.Warn("ack encode failed", "err", err)
		return
	}
	h.om <- protocol.MessageEnvelope{
		Addr:    src,
		Message: protocol.Message{Head: protocol.HeaderAck, Msg: data},
	}
}

// InsertPacket records pkt and dispatches the message it completes, if
// any. Single-packet messages with no partial assembly in flight skip
// the pending map entirely. Duplicate packet numbers are idempotent.
func (h *Handler) InsertPacket(pkt protocol.Packet, src *net.UDPAddr) {
	if pkts, ok := h.pending[pkt.ID]; ok {
		pkts[pkt.N] = pkt
		if len(pkts) == pkt.TotalN {
			msg, err := h.assemble(pkt, pkts)
			delete(h.pending, pkt.ID)
			if err != nil {
				h.logger.Debug("dropping unassemblable message", "id", pkt.ID, "err", err)
				return
			}
			h.dispatch(msg, src)
		}
		return
	}
	if pkt.TotalN == 1 {
		payload, err := pkt.Payload()
		if err != nil {
			h.logger.Debug("dropping undecodable packet", "src", src, "err", err)
			return
		}
		msg, err := protocol.MessageFromBytes(payload)
		if err != nil {
			h.logger.Debug("dropping malformed message", "src", src, "err", err)
			return
		}
		h.dispatch(msg, src)
		return
	}
	h.pending[pkt.ID] = map[int]protocol.Packet{pkt.N: pkt}
}

// assemble concatenates the payloads of a completed packet set in
// packet-number order and decodes the result.
func (h *Handler) assemble(pkt protocol.Packet, pkts map[int]protocol.Packet) (protocol.Message, error) {
	var raw []byte
	for n := 1; n <= pkt.TotalN; n++ {
		part, ok := pkts[n]
		if !ok {
			return protocol.Message{}, fmt.Errorf("assembly for %x missing packet %d", pkt.ID[:4], n)
		}
		payload, err := part.Payload()
		if err != nil {
			return protocol.Message{}, err
		}
		raw = append(raw, payload...)
	}
	return protocol.MessageFromBytes(raw)
}

// dispatch routes a reassembled message by its header.
func (h *Handler) dispatch(msg protocol.Message, src *net.UDPAddr) {
	switch msg.Head {
	case protocol.HeaderRequest, protocol.HeaderResponse:
		kadMsg, err := protocol.KadMessageFromBytes(msg.Msg)
		if err != nil {
			h.logger.Debug("dropping malformed kad message", "src", src, "err", err)
			return
		}
		h.kad <- protocol.KadEnvelope{Addr: src, Message: kadMsg}
	case protocol.HeaderGossip:
		h.gossip <- protocol.MessageEnvelope{Addr: src, Message: msg}
	case protocol.HeaderAck:
		ack, err := protocol.AckMessageFromBytes(msg.Msg)
		if err != nil {
			h.logger.Debug("dropping malformed ack", "src", src, "err", err)
			return
		}
		h.ia <- ack
	default:
		h.logger.Debug("dropping message with unknown header", "head", string(msg.Head))
	}
}
