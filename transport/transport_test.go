package transport

import (
	"testing"
	"time"

	"github.com/overlaynet/udp2p/protocol"
)

func TestOutgoingMsgReliable(t *testing.T) {
	conn, local := listen(t)
	peerConn, peer := listen(t)

	ia := make(chan protocol.AckMessage, 16)
	om := make(chan protocol.MessageEnvelope, 16)
	tr := New(local, ia, om)

	msg := gossipMessage(t, []byte("reliable"))
	om <- protocol.MessageEnvelope{Addr: peer, Message: msg}
	if !tr.OutgoingMsg(conn) {
		t.Fatal("queued message was not picked up")
	}

	buf := make([]byte, RecvBufferSize)
	if err := peerConn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	n, _, err := peerConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatal(err)
	}
	pkt, err := protocol.PacketFromBytes(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if pkt.Ret != protocol.ReturnReceipt {
		t.Errorf("ret flag: have %d, want %d", pkt.Ret, protocol.ReturnReceipt)
	}
	if !tr.gd.HasOutbox(pkt.ID) {
		t.Error("reliable send left no outbox entry")
	}

	// Ack it and confirm the next maintenance purges the entry.
	ia <- protocol.AckMessage{PacketID: pkt.ID, PacketNumber: pkt.N, Src: []byte(peer.String())}
	if !tr.IncomingAck() {
		t.Fatal("queued ack was not picked up")
	}
	tr.gd.Maintain(conn)
	if tr.gd.HasOutbox(pkt.ID) {
		t.Error("acknowledged entry survived maintenance")
	}
}

func TestOutgoingMsgAckIsFireAndForget(t *testing.T) {
	conn, local := listen(t)
	peerConn, peer := listen(t)

	ia := make(chan protocol.AckMessage, 16)
	om := make(chan protocol.MessageEnvelope, 16)
	tr := New(local, ia, om)

	ack := protocol.AckMessage{PacketID: protocol.RandMessageKey(), PacketNumber: 1, Src: []byte(local.String())}
	ackBytes, err := ack.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	om <- protocol.MessageEnvelope{
		Addr:    peer,
		Message: protocol.Message{Head: protocol.HeaderAck, Msg: ackBytes},
	}
	tr.OutgoingMsg(conn)

	buf := make([]byte, RecvBufferSize)
	if err := peerConn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	n, _, err := peerConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatal(err)
	}
	pkt, err := protocol.PacketFromBytes(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if pkt.Ret != protocol.NoReturnReceipt {
		t.Errorf("ret flag: have %d, want %d", pkt.Ret, protocol.NoReturnReceipt)
	}
	if tr.gd.HasOutbox(pkt.ID) {
		t.Error("ack send created an outbox entry")
	}
}

func TestIncomingAckUnknownID(t *testing.T) {
	_, local := listen(t)
	ia := make(chan protocol.AckMessage, 16)
	om := make(chan protocol.MessageEnvelope, 16)
	tr := New(local, ia, om)

	ia <- protocol.AckMessage{PacketID: protocol.RandMessageKey(), PacketNumber: 1, Src: []byte("127.0.0.1:9292")}
	if !tr.IncomingAck() {
		t.Fatal("queued ack was not picked up")
	}
	if tr.IncomingAck() {
		t.Error("empty channel reported an ack")
	}
}
