// Package gdudp implements guaranteed-delivery bookkeeping over a UDP
// socket. Every reliable send is recorded in an outbox keyed by
// (message id, packet number); acknowledgements clear recipients out of
// the record and a periodic maintenance pass retransmits whatever is
// still outstanding, up to a bounded number of attempts.
package gdudp

import (
	"net"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/overlaynet/udp2p/protocol"
)

const (
	// Maintenance is the cadence of the retransmission pass.
	Maintenance = 300 * time.Millisecond

	// MaxAttempts bounds delivery attempts per packet. An entry that
	// reaches the cap is purged without surfacing a failure.
	MaxAttempts = 5
)

var (
	packetsSentMeter = metrics.NewRegisteredMeter("udp2p/gdudp/packets/sent", nil)
	retransmitMeter  = metrics.NewRegisteredMeter("udp2p/gdudp/packets/retransmit", nil)
	acksInMeter      = metrics.NewRegisteredMeter("udp2p/gdudp/acks/in", nil)
	outboxDropGauge  = metrics.NewRegisteredCounter("udp2p/gdudp/outbox/dropped", nil)
)

// entry is the retransmission record for one packet of one message.
// Addresses are held in canonical text form.
type entry struct {
	sentTo   mapset.Set[string]
	ackFrom  mapset.Set[string]
	packet   protocol.Packet
	attempts int
}

// acked reports whether every recipient has acknowledged.
func (e *entry) acked() bool {
	return e.sentTo.Equal(e.ackFrom)
}

// GDUdp owns the outbox for one node. It is confined to the transport
// goroutine; nothing here is safe for concurrent use.
type GDUdp struct {
	addr   *net.UDPAddr
	outbox map[protocol.MessageKey]map[int]*entry
	timer  time.Time
	logger log.Logger
}

// New returns a GDUdp for the node bound at addr.
func New(addr *net.UDPAddr) *GDUdp {
	return &GDUdp{
		addr:   addr,
		outbox: make(map[protocol.MessageKey]map[int]*entry),
		timer:  time.Now(),
		logger: log.New("component", "gdudp", "addr", addr.String()),
	}
}

// SendReliable records pkt as sent to peer and transmits it. Repeat
// calls for the same (id, n) accumulate recipients and attempts without
// resetting acknowledgements already received.
func (g *GDUdp) SendReliable(peer *net.UDPAddr, pkt protocol.Packet, conn *net.UDPConn) {
	pkts := g.outbox[pkt.ID]
	if pkts == nil {
		pkts = make(map[int]*entry)
		g.outbox[pkt.ID] = pkts
	}
	e := pkts[pkt.N]
	if e == nil {
		e = &entry{
			sentTo:  mapset.NewThreadUnsafeSet[string](),
			ackFrom: mapset.NewThreadUnsafeSet[string](),
			packet:  pkt,
		}
		pkts[pkt.N] = e
	}
	e.sentTo.Add(peer.String())
	e.attempts++

	data, err := pkt.Marshal()
	if err != nil {
		g.logger.Warn("packet encode failed", "id", pkt.ID, "n", pkt.N, "err", err)
		return
	}
	if _, err := conn.WriteToUDP(data, peer); err != nil {
		// Left in the outbox; the next maintenance pass retries.
		g.logger.Debug("packet send failed", "peer", peer, "n", pkt.N, "err", err)
		return
	}
	packetsSentMeter.Mark(1)
}

// ProcessAck records that src acknowledged packet n of message id. Acks
// for unknown entries are the normal case once an entry has been
// retired and are ignored.
func (g *GDUdp) ProcessAck(id protocol.MessageKey, n int, src []byte) {
	addr, err := net.ResolveUDPAddr("udp", string(src))
	if err != nil {
		g.logger.Debug("unparseable ack source", "src", string(src), "err", err)
		return
	}
	pkts, ok := g.outbox[id]
	if !ok {
		return
	}
	e, ok := pkts[n]
	if !ok {
		return
	}
	e.ackFrom.Add(addr.String())
	acksInMeter.Mark(1)
}

// HasOutbox reports whether any packets of message id are outstanding.
func (g *GDUdp) HasOutbox(id protocol.MessageKey) bool {
	_, ok := g.outbox[id]
	return ok
}

// Maintain retires entries that are fully acknowledged or out of
// attempts, then retransmits every remaining packet to the recipients
// that have not acknowledged it.
func (g *GDUdp) Maintain(conn *net.UDPConn) {
	for id, pkts := range g.outbox {
		for n, e := range pkts {
			if e.acked() || e.attempts >= MaxAttempts {
				if !e.acked() {
					g.logger.Debug("giving up on packet", "id", id, "n", n, "attempts", e.attempts)
				}
				outboxDropGauge.Inc(1)
				delete(pkts, n)
			}
		}
		if len(pkts) == 0 {
			delete(g.outbox, id)
		}
	}

	// Collect the resends first: SendReliable mutates the entries.
	type resend struct {
		addr string
		pkt  protocol.Packet
	}
	var due []resend
	for _, pkts := range g.outbox {
		for _, e := range pkts {
			if e.attempts >= MaxAttempts {
				continue
			}
			for _, addr := range e.sentTo.Difference(e.ackFrom).ToSlice() {
				due = append(due, resend{addr: addr, pkt: e.packet})
			}
		}
	}
	for _, r := range due {
		addr, err := net.ResolveUDPAddr("udp", r.addr)
		if err != nil {
			continue
		}
		retransmitMeter.Mark(1)
		g.SendReliable(addr, r.pkt, conn)
	}
}

// CheckTimeElapsed runs Maintain when the maintenance interval has
// passed since the last pass.
func (g *GDUdp) CheckTimeElapsed(conn *net.UDPConn) {
	if time.Since(g.timer) >= Maintenance {
		g.Maintain(conn)
		g.timer = time.Now()
	}
}

// Ack transmits acknowledgement packets to peer fire-and-forget; no
// outbox record is kept for them.
func (g *GDUdp) Ack(conn *net.UDPConn, peer *net.UDPAddr, packets []protocol.Packet) {
	for _, pkt := range packets {
		data, err := pkt.Marshal()
		if err != nil {
			g.logger.Warn("ack encode failed", "n", pkt.N, "err", err)
			continue
		}
		if _, err := conn.WriteToUDP(data, peer); err != nil {
			g.logger.Debug("ack send failed", "peer", peer, "err", err)
		}
	}
}
