package discovery

import (
	"github.com/overlaynet/udp2p/node"
	"github.com/overlaynet/udp2p/protocol"
)

// newRequest wraps an RPC in a Req from the local peer under a fresh
// message key and frames it for the wire.
func (k *Kademlia) newRequest(rpc RPC) (protocol.MessageKey, protocol.Message, error) {
	payload, err := rpc.Bytes()
	if err != nil {
		return protocol.MessageKey{}, protocol.Message{}, err
	}
	sender, err := k.table.Local().Bytes()
	if err != nil {
		return protocol.MessageKey{}, protocol.Message{}, err
	}
	req := Req{ID: protocol.RandMessageKey(), Sender: sender, Payload: payload}
	reqBytes, err := req.Bytes()
	if err != nil {
		return protocol.MessageKey{}, protocol.Message{}, err
	}
	kadBytes, err := protocol.NewKadRequest(reqBytes).Bytes()
	if err != nil {
		return protocol.MessageKey{}, protocol.Message{}, err
	}
	return req.ID, protocol.Message{Head: protocol.HeaderRequest, Msg: kadBytes}, nil
}

// prepareResponse echoes req and answers it with rpc, naming the local
// peer as the receiver that produced the reply.
func (k *Kademlia) prepareResponse(req Req, rpc RPC) (protocol.Message, error) {
	reqBytes, err := req.Bytes()
	if err != nil {
		return protocol.Message{}, err
	}
	receiver, err := k.table.Local().Bytes()
	if err != nil {
		return protocol.Message{}, err
	}
	payload, err := rpc.Bytes()
	if err != nil {
		return protocol.Message{}, err
	}
	resp := Resp{Request: reqBytes, Receiver: receiver, Payload: payload}
	respBytes, err := resp.Bytes()
	if err != nil {
		return protocol.Message{}, err
	}
	kadBytes, err := protocol.NewKadResponse(respBytes).Bytes()
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.Message{Head: protocol.HeaderResponse, Msg: kadBytes}, nil
}

// prepareFindNodeMessage builds a FIND_NODE request for peer.
func (k *Kademlia) prepareFindNodeMessage(peer node.PeerInfo) (protocol.MessageKey, protocol.Message, error) {
	peerBytes, err := peer.Bytes()
	if err != nil {
		return protocol.MessageKey{}, protocol.Message{}, err
	}
	return k.newRequest(FindNodeRPC(peerBytes))
}

// prepareNewPeerMessage builds a NEW_PEER announcement for peer.
func (k *Kademlia) prepareNewPeerMessage(peer node.PeerInfo) (protocol.MessageKey, protocol.Message, error) {
	peerBytes, err := peer.Bytes()
	if err != nil {
		return protocol.MessageKey{}, protocol.Message{}, err
	}
	return k.newRequest(NewPeerRPC(peerBytes))
}

// preparePingMessage builds a liveness probe.
func (k *Kademlia) preparePingMessage() (protocol.MessageKey, protocol.Message, error) {
	return k.newRequest(PingRPC())
}

// preparePongResponse answers a Ping with the local peer's identity.
func (k *Kademlia) preparePongResponse(req Req) (protocol.Message, error) {
	local, err := k.table.Local().Bytes()
	if err != nil {
		return protocol.Message{}, err
	}
	return k.prepareResponse(req, PongRPC(local))
}

// prepareNodesResponse answers req with a list of peers.
func (k *Kademlia) prepareNodesResponse(req Req, nodes []node.PeerInfo) (protocol.Message, error) {
	encoded := make([][]byte, 0, len(nodes))
	for _, n := range nodes {
		data, err := n.Bytes()
		if err != nil {
			continue
		}
		encoded = append(encoded, data)
	}
	return k.prepareResponse(req, NodesRPC(encoded))
}

// StoreValue asks the peers closest to key to hold value.
func (k *Kademlia) StoreValue(key node.Key, value []byte) {
	target := node.PeerInfo{ID: node.PeerIDFromKey(key), Key: key}
	local := k.table.Local()
	for _, peer := range k.table.GetClosestPeers(target, DefaultNPeers) {
		if peer.Equal(local) {
			continue
		}
		_, msg, err := k.newRequest(StoreRPC(key, value))
		if err != nil {
			return
		}
		k.sendToPeer(peer, msg)
	}
}

// FindValue asks the peers closest to key for its value. Replies come
// back through the response path and land in the record store.
func (k *Kademlia) FindValue(key node.Key) {
	target := node.PeerInfo{ID: node.PeerIDFromKey(key), Key: key}
	local := k.table.Local()
	asked := 0
	for _, peer := range k.table.GetClosestPeers(target, DefaultNPeers) {
		if peer.Equal(local) {
			continue
		}
		if asked >= MaxActiveRPCs {
			break
		}
		_, msg, err := k.newRequest(FindValueRPC(key))
		if err != nil {
			return
		}
		k.sendToPeer(peer, msg)
		asked++
	}
}
