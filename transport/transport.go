package transport

import (
	"net"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/overlaynet/udp2p/gdudp"
	"github.com/overlaynet/udp2p/protocol"
)

// Transport pumps the outgoing-message and inbound-ack channels into
// the guaranteed-delivery layer. It owns the outbox; all of its methods
// run on the transport goroutine.
type Transport struct {
	gd     *gdudp.GDUdp
	ia     <-chan protocol.AckMessage
	om     <-chan protocol.MessageEnvelope
	logger log.Logger
}

// New returns a Transport for the node bound at addr.
func New(addr *net.UDPAddr, ia <-chan protocol.AckMessage, om <-chan protocol.MessageEnvelope) *Transport {
	return &Transport{
		gd:     gdudp.New(addr),
		ia:     ia,
		om:     om,
		logger: log.New("component", "transport"),
	}
}

// IncomingAck polls the inbound-ack channel once and applies the ack to
// the outbox if the message is still tracked.
func (t *Transport) IncomingAck() bool {
	select {
	case ack := <-t.ia:
		if t.gd.HasOutbox(ack.PacketID) {
			t.gd.ProcessAck(ack.PacketID, ack.PacketNumber, ack.Src)
		}
		return true
	default:
		return false
	}
}

// OutgoingMsg polls the outgoing-message channel once. A message is
// serialised, packetised under a fresh stream id, and either sent
// fire-and-forget (acks) or handed to the reliable path.
func (t *Transport) OutgoingMsg(conn *net.UDPConn) bool {
	select {
	case env := <-t.om:
		data, err := env.Message.Bytes()
		if err != nil {
			t.logger.Warn("message encode failed", "head", string(env.Message.Head), "err", err)
			return true
		}
		id := protocol.RandMessageKey()
		if env.Message.Head == protocol.HeaderAck {
			packets := protocol.Packetize(data, id, protocol.NoReturnReceipt)
			t.gd.Ack(conn, env.Addr, packets)
			return true
		}
		packets := protocol.Packetize(data, id, protocol.ReturnReceipt)
		for _, pkt := range packets {
			t.gd.SendReliable(env.Addr, pkt, conn)
		}
		return true
	default:
		return false
	}
}

// CheckTimeElapsed drives the outbox maintenance timer.
func (t *Transport) CheckTimeElapsed(conn *net.UDPConn) {
	t.gd.CheckTimeElapsed(conn)
}

// Run multiplexes ack draining, message sending and retransmission in
// an unbounded loop. It parks briefly when both channels are idle.
func (t *Transport) Run(conn *net.UDPConn) {
	for {
		gotAck := t.IncomingAck()
		gotMsg := t.OutgoingMsg(conn)
		t.CheckTimeElapsed(conn)
		if !gotAck && !gotMsg {
			time.Sleep(time.Millisecond)
		}
	}
}
