package discovery

import (
	"github.com/overlaynet/udp2p/codec"
	"github.com/overlaynet/udp2p/node"
	"github.com/overlaynet/udp2p/protocol"
)

// RPCKind discriminates the RPC union.
type RPCKind string

const (
	RPCPing      RPCKind = "Ping"
	RPCPong      RPCKind = "Pong"
	RPCNewPeer   RPCKind = "NewPeer"
	RPCStore     RPCKind = "Store"
	RPCFindNode  RPCKind = "FindNode"
	RPCFindValue RPCKind = "FindValue"
	RPCNodes     RPCKind = "Nodes"
	RPCValue     RPCKind = "Value"
	RPCSaved     RPCKind = "Saved"
)

// RPC is the tagged union of discovery calls and their replies. Only
// the fields of the active variant are populated.
type RPC struct {
	Kind RPCKind `json:"kind"`
	// Peer carries a serialised PeerInfo for NewPeer, FindNode and Pong.
	Peer []byte `json:"peer,omitempty"`
	// Key addresses a value for Store, FindValue and Saved.
	Key *node.Key `json:"key,omitempty"`
	// Value carries the stored bytes for Store and Value.
	Value []byte `json:"value,omitempty"`
	// Nodes carries serialised PeerInfo values for Nodes.
	Nodes [][]byte `json:"nodes,omitempty"`
}

// PingRPC builds a Ping.
func PingRPC() RPC { return RPC{Kind: RPCPing} }

// PongRPC builds a Pong carrying the responder's serialised PeerInfo.
func PongRPC(peer []byte) RPC { return RPC{Kind: RPCPong, Peer: peer} }

// NewPeerRPC announces a serialised PeerInfo.
func NewPeerRPC(peer []byte) RPC { return RPC{Kind: RPCNewPeer, Peer: peer} }

// FindNodeRPC asks for the peers closest to the serialised PeerInfo.
func FindNodeRPC(peer []byte) RPC { return RPC{Kind: RPCFindNode, Peer: peer} }

// FindValueRPC asks for the value stored under key.
func FindValueRPC(key node.Key) RPC { return RPC{Kind: RPCFindValue, Key: &key} }

// NodesRPC answers with serialised PeerInfo values.
func NodesRPC(nodes [][]byte) RPC { return RPC{Kind: RPCNodes, Nodes: nodes} }

// ValueRPC answers with stored bytes.
func ValueRPC(value []byte) RPC { return RPC{Kind: RPCValue, Value: value} }

// StoreRPC asks the recipient to hold value under key.
func StoreRPC(key node.Key, value []byte) RPC {
	return RPC{Kind: RPCStore, Key: &key, Value: value}
}

// SavedRPC acknowledges that the value under key was stored.
func SavedRPC(key node.Key) RPC { return RPC{Kind: RPCSaved, Key: &key} }

// RPCFromBytes decodes a serialised RPC.
func RPCFromBytes(data []byte) (RPC, error) {
	var rpc RPC
	err := codec.Unmarshal(data, &rpc)
	return rpc, err
}

// Bytes returns the serialised form of the RPC.
func (r RPC) Bytes() ([]byte, error) {
	return codec.Marshal(r)
}

// Req wraps an RPC with a request id and the sender's identity.
type Req struct {
	ID      protocol.MessageKey `json:"id"`
	Sender  []byte              `json:"sender"`
	Payload []byte              `json:"payload"`
}

// ReqFromBytes decodes a serialised Req.
func ReqFromBytes(data []byte) (Req, error) {
	var req Req
	err := codec.Unmarshal(data, &req)
	return req, err
}

// Bytes returns the serialised form of the request.
func (r Req) Bytes() ([]byte, error) {
	return codec.Marshal(r)
}

// Components decodes the request into its id, sender and RPC.
func (r Req) Components() (protocol.MessageKey, node.PeerInfo, RPC, error) {
	sender, err := node.PeerInfoFromBytes(r.Sender)
	if err != nil {
		return protocol.MessageKey{}, node.PeerInfo{}, RPC{}, err
	}
	rpc, err := RPCFromBytes(r.Payload)
	if err != nil {
		return protocol.MessageKey{}, node.PeerInfo{}, RPC{}, err
	}
	return r.ID, sender, rpc, nil
}

// Resp echoes the request it answers, names the receiver that produced
// it, and carries the reply RPC.
type Resp struct {
	Request  []byte `json:"request"`
	Receiver []byte `json:"receiver"`
	Payload  []byte `json:"payload"`
}

// RespFromBytes decodes a serialised Resp.
func RespFromBytes(data []byte) (Resp, error) {
	var resp Resp
	err := codec.Unmarshal(data, &resp)
	return resp, err
}

// Bytes returns the serialised form of the response.
func (r Resp) Bytes() ([]byte, error) {
	return codec.Marshal(r)
}

// Components decodes the response into the request it answers, the
// responding peer and the reply RPC.
func (r Resp) Components() (Req, node.PeerInfo, RPC, error) {
	req, err := ReqFromBytes(r.Request)
	if err != nil {
		return Req{}, node.PeerInfo{}, RPC{}, err
	}
	receiver, err := node.PeerInfoFromBytes(r.Receiver)
	if err != nil {
		return Req{}, node.PeerInfo{}, RPC{}, err
	}
	rpc, err := RPCFromBytes(r.Payload)
	if err != nil {
		return Req{}, node.PeerInfo{}, RPC{}, err
	}
	return req, receiver, rpc, nil
}
