package discovery

import (
	"net"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/overlaynet/udp2p/node"
	"github.com/overlaynet/udp2p/protocol"
	"github.com/overlaynet/udp2p/record"
)

var (
	requestsInMeter  = metrics.NewRegisteredMeter("udp2p/kad/requests/in", nil)
	responsesInMeter = metrics.NewRegisteredMeter("udp2p/kad/responses/in", nil)
	peersRetiredCnt  = metrics.NewRegisteredCounter("udp2p/kad/peers/retired", nil)
)

// pendingPing tracks an outstanding liveness probe.
type pendingPing struct {
	peer node.PeerInfo
	sent time.Time
}

// Kademlia services the discovery RPCs. It owns the routing table and
// talks to the rest of the node only through its channels; all methods
// run on the application goroutine.
type Kademlia struct {
	table         *RoutingTable
	toTransport   chan<- protocol.MessageEnvelope
	fromTransport <-chan protocol.KadEnvelope
	pending       map[protocol.MessageKey]pendingPing
	store         record.Store
	interval      time.Duration
	pingPong      time.Time
	logger        log.Logger
}

// NewKademlia wires a service around a routing table. store may be nil,
// in which case FIND_VALUE degrades to a nodes-only answer and STORE is
// ignored.
func NewKademlia(
	table *RoutingTable,
	toTransport chan<- protocol.MessageEnvelope,
	fromTransport <-chan protocol.KadEnvelope,
	store record.Store,
	interval time.Duration,
) *Kademlia {
	return &Kademlia{
		table:         table,
		toTransport:   toTransport,
		fromTransport: fromTransport,
		pending:       make(map[protocol.MessageKey]pendingPing),
		store:         store,
		interval:      interval,
		pingPong:      time.Now(),
		logger:        log.New("component", "kad", "id", table.Local().ID[:8]),
	}
}

// Table exposes the routing table to the gossip service.
func (k *Kademlia) Table() *RoutingTable {
	return k.table
}

// Bootstrap sends a FIND_NODE for the local peer to a seed address and
// seeds the table with the local peer itself.
func (k *Kademlia) Bootstrap(seed *net.UDPAddr) {
	local := k.table.Local()
	_, msg, err := k.prepareFindNodeMessage(local)
	if err != nil {
		k.logger.Warn("bootstrap message build failed", "err", err)
		return
	}
	k.send(seed, msg)
	if data, err := local.Bytes(); err == nil {
		k.AddPeer(data)
	}
}

// AddPeer decodes a serialised PeerInfo and upserts it.
func (k *Kademlia) AddPeer(peer []byte) {
	info, err := node.PeerInfoFromBytes(peer)
	if err != nil {
		k.logger.Debug("dropping undecodable peer", "err", err)
		return
	}
	k.table.UpdatePeer(info, 0)
}

// Recv polls the inbound channel once and dispatches what it finds,
// then runs the ping schedule. It returns false when a Kill message
// tells the caller's loop to stop.
func (k *Kademlia) Recv() bool {
	select {
	case env := <-k.fromTransport:
		switch env.Message.Kind {
		case protocol.KadRequest:
			requestsInMeter.Mark(1)
			k.handleRequest(env.Message.Data, 0)
		case protocol.KadResponse:
			responsesInMeter.Mark(1)
			k.handleResponse(env.Message.Data, 0)
		case protocol.KadKill:
			return false
		}
	default:
	}
	if time.Since(k.pingPong) >= k.interval {
		k.PingSweep()
		k.pingPong = time.Now()
	}
	return true
}

// PingSweep probes the members of stale buckets and retires peers whose
// earlier probe has gone unanswered past the request timeout.
func (k *Kademlia) PingSweep() {
	now := time.Now()
	for id, p := range k.pending {
		if now.Sub(p.sent) > ReqTimeout {
			delete(k.pending, id)
			k.table.RemovePeer(p.peer)
			peersRetiredCnt.Inc(1)
			k.logger.Debug("retired unresponsive peer", "peer", p.peer.Address)
		}
	}
	local := k.table.Local()
	for _, peer := range k.table.StalePeers() {
		if len(k.pending) >= MaxActiveRPCs {
			break
		}
		if peer.Equal(local) {
			continue
		}
		id, msg, err := k.preparePingMessage()
		if err != nil {
			continue
		}
		k.pending[id] = pendingPing{peer: peer, sent: now}
		k.sendToPeer(peer, msg)
	}
}

// handleRequest dispatches a serialised Req. depth bounds the
// inter-kind fallthrough: a payload that is not a request is handed to
// the response handler once and dropped if it fails there too.
func (k *Kademlia) handleRequest(data []byte, depth int) {
	req, err := ReqFromBytes(data)
	if err != nil {
		k.logger.Debug("dropping malformed request", "err", err)
		return
	}
	_, sender, rpc, err := req.Components()
	if err != nil {
		if depth == 0 {
			k.handleResponse(data, depth+1)
		}
		return
	}
	k.upsert(sender)
	switch rpc.Kind {
	case RPCFindNode:
		peer, err := node.PeerInfoFromBytes(rpc.Peer)
		if err != nil {
			k.logger.Debug("dropping find-node with bad peer", "err", err)
			return
		}
		k.lookupNode(peer, req)
	case RPCNewPeer:
		k.AddPeer(rpc.Peer)
	case RPCFindValue:
		k.handleFindValue(sender, req, rpc)
	case RPCStore:
		k.handleStore(sender, req, rpc)
	case RPCPing:
		msg, err := k.preparePongResponse(req)
		if err != nil {
			return
		}
		k.sendToPeer(sender, msg)
	default:
		if depth == 0 {
			k.handleResponse(data, depth+1)
		}
	}
}

// handleResponse dispatches a serialised Resp, with the same bounded
// fallthrough as handleRequest.
func (k *Kademlia) handleResponse(data []byte, depth int) {
	resp, err := RespFromBytes(data)
	if err != nil {
		k.logger.Debug("dropping malformed response", "err", err)
		return
	}
	req, receiver, rpc, err := resp.Components()
	if err != nil {
		if depth == 0 {
			k.handleRequest(data, depth+1)
		}
		return
	}
	switch rpc.Kind {
	case RPCNodes:
		for _, peerBytes := range rpc.Nodes {
			info, err := node.PeerInfoFromBytes(peerBytes)
			if err != nil {
				continue
			}
			isNew := k.table.IsNew(info)
			k.table.UpdatePeer(info, 0)
			if isNew {
				if addr, err := info.UDPAddr(); err == nil {
					k.Bootstrap(addr)
				}
			}
		}
	case RPCPong:
		delete(k.pending, req.ID)
		k.AddPeer(rpc.Peer)
	case RPCValue:
		k.handleValue(req, receiver, rpc)
	case RPCSaved:
		if k.store != nil && rpc.Key != nil {
			if err := k.store.AddProvider(*rpc.Key, receiver); err != nil {
				k.logger.Warn("provider record failed", "err", err)
			}
		}
	default:
		if depth == 0 {
			k.handleRequest(data, depth+1)
		}
	}
}

// lookupNode answers a FIND_NODE: it returns the closest known peers to
// the requester and announces the requester to each of them.
func (k *Kademlia) lookupNode(peer node.PeerInfo, req Req) {
	closest := k.table.GetClosestPeers(peer, DefaultNPeers)
	k.upsert(peer)
	respMsg, err := k.prepareNodesResponse(req, closest)
	if err != nil {
		k.logger.Warn("nodes response build failed", "err", err)
		return
	}
	k.sendToPeer(peer, respMsg)

	_, announce, err := k.prepareNewPeerMessage(peer)
	if err != nil {
		return
	}
	for _, p := range closest {
		k.sendToPeer(p, announce)
	}
}

// handleFindValue answers with the value when held locally, otherwise
// with the peers closest to the requested key.
func (k *Kademlia) handleFindValue(sender node.PeerInfo, req Req, rpc RPC) {
	if rpc.Key == nil {
		return
	}
	if k.store != nil {
		if rec, ok := k.store.Get(*rpc.Key); ok {
			msg, err := k.prepareResponse(req, ValueRPC(rec.Value))
			if err != nil {
				return
			}
			k.sendToPeer(sender, msg)
			return
		}
	}
	target := node.PeerInfo{ID: node.PeerIDFromKey(*rpc.Key), Key: *rpc.Key}
	closest := k.table.GetClosestPeers(target, DefaultNPeers)
	msg, err := k.prepareNodesResponse(req, closest)
	if err != nil {
		return
	}
	k.sendToPeer(sender, msg)
}

// handleStore persists the record and acknowledges with Saved so the
// sender can track this node as a provider.
func (k *Kademlia) handleStore(sender node.PeerInfo, req Req, rpc RPC) {
	if k.store == nil || rpc.Key == nil {
		return
	}
	if err := k.store.Put(record.Record{Key: *rpc.Key, Value: rpc.Value}); err != nil {
		k.logger.Warn("record store failed", "err", err)
		return
	}
	msg, err := k.prepareResponse(req, SavedRPC(*rpc.Key))
	if err != nil {
		return
	}
	k.sendToPeer(sender, msg)
}

// handleValue stores a value answering one of our FIND_VALUE requests
// and remembers the responder as its provider. The key comes from the
// echoed request.
func (k *Kademlia) handleValue(req Req, receiver node.PeerInfo, rpc RPC) {
	if k.store == nil {
		return
	}
	_, _, origRPC, err := req.Components()
	if err != nil || origRPC.Kind != RPCFindValue || origRPC.Key == nil {
		return
	}
	if err := k.store.Put(record.Record{Key: *origRPC.Key, Value: rpc.Value}); err != nil {
		k.logger.Warn("record store failed", "err", err)
		return
	}
	if err := k.store.AddProvider(*origRPC.Key, receiver); err != nil {
		k.logger.Warn("provider record failed", "err", err)
	}
}

// upsert puts a decoded peer into the table.
func (k *Kademlia) upsert(peer node.PeerInfo) {
	k.table.UpdatePeer(peer, 0)
}

// send queues a message for addr on the transport channel.
func (k *Kademlia) send(addr *net.UDPAddr, msg protocol.Message) {
	if len(msg.Msg) > KadMessageLen {
		k.logger.Warn("kad message exceeds length bound", "len", len(msg.Msg))
	}
	k.toTransport <- protocol.MessageEnvelope{Addr: addr, Message: msg}
}

// sendToPeer resolves a peer's declared address and queues msg for it.
func (k *Kademlia) sendToPeer(peer node.PeerInfo, msg protocol.Message) {
	addr, err := peer.UDPAddr()
	if err != nil {
		k.logger.Debug("peer with unusable address", "addr", peer.Address, "err", err)
		return
	}
	k.send(addr, msg)
}
