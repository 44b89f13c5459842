package gossip

import (
	"math/rand"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/overlaynet/udp2p/discovery"
	"github.com/overlaynet/udp2p/protocol"
)

var (
	publishedMeter = metrics.NewRegisteredMeter("udp2p/gossip/published", nil)
	dedupedCounter = metrics.NewRegisteredCounter("udp2p/gossip/deduped", nil)
	deliveredMeter = metrics.NewRegisteredMeter("udp2p/gossip/delivered", nil)
)

// fullFanoutThreshold is the close-peer count at or below which every
// peer is gossiped to instead of a random sample.
const fullFanoutThreshold = 7

// Config holds the dissemination profile of a gossip node.
type Config struct {
	// ID names the protocol instance.
	ID string
	// HistoryLen is the number of heartbeats a cached message is kept.
	HistoryLen int
	// HistoryGossip is the number of heartbeats during which a cached
	// message is re-broadcast.
	HistoryGossip int
	// Target, Low and High are the profile's local peer fan-out
	// targets. Publish does not apply them.
	Target int
	Low    int
	High   int
	// MinGossip is the profile's minimum gossip fan-out. Publish does
	// not enforce it.
	MinGossip int
	// Factor is the fraction of close peers sampled per publication.
	Factor float64
	// Interval is the heartbeat period.
	Interval time.Duration
	// Check is the ping sweep cadence in heartbeats.
	Check int
}

// DefaultConfig is the test-net dissemination profile.
func DefaultConfig() Config {
	return Config{
		ID:            "udp2p-0.1.0-test-net",
		HistoryLen:    8,
		HistoryGossip: 3,
		Target:        8,
		Low:           3,
		High:          12,
		MinGossip:     3,
		Factor:        0.4,
		Interval:      250 * time.Millisecond,
		Check:         80,
	}
}

// Min returns the minimum dissemination fan-out.
func (c Config) Min() int { return c.MinGossip }

// Max returns the peer-count upper bound.
func (c Config) Max() int { return c.High }

type cacheEntry struct {
	msg      protocol.Message
	inserted time.Time
}

// Service runs the gossip protocol for one node. It owns the Kademlia
// service; the routing table is reached only through it. All methods
// run on the application goroutine.
type Service struct {
	addr          *net.UDPAddr
	fromTransport <-chan protocol.MessageEnvelope
	toTransport   chan<- protocol.MessageEnvelope
	toApp         chan<- GossipMessage
	Kad           *discovery.Kademlia
	cache         map[protocol.MessageKey]cacheEntry
	cfg           Config
	lastBeat      time.Time
	pingPong      time.Time
	rng           *rand.Rand
	logger        log.Logger
}

// NewService assembles a gossip service around kad.
func NewService(
	addr *net.UDPAddr,
	fromTransport <-chan protocol.MessageEnvelope,
	toTransport chan<- protocol.MessageEnvelope,
	toApp chan<- GossipMessage,
	kad *discovery.Kademlia,
	cfg Config,
) *Service {
	return &Service{
		addr:          addr,
		fromTransport: fromTransport,
		toTransport:   toTransport,
		toApp:         toApp,
		Kad:           kad,
		cache:         make(map[protocol.MessageKey]cacheEntry),
		cfg:           cfg,
		lastBeat:      time.Now(),
		pingPong:      time.Now(),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:        log.New("component", "gossip", "protocol", cfg.ID),
	}
}

// Start drives the application loop: Kademlia dispatch, gossip intake
// and the heartbeat, until a Kill message stops it.
func (s *Service) Start() {
	for {
		if !s.Kad.Recv() {
			s.logger.Info("gossip service stopping")
			return
		}
		got := s.Recv()
		s.Gossip()
		if !got {
			time.Sleep(time.Millisecond)
		}
	}
}

// Heartbeat advances the heartbeat clock. It reports true once per
// interval.
func (s *Service) Heartbeat() bool {
	now := time.Now()
	if now.Sub(s.lastBeat) > s.cfg.Interval {
		s.lastBeat = now
		return true
	}
	return false
}

// Gossip ages the cache on each heartbeat: entries still inside the
// re-broadcast window are published again, entries past the history
// window are evicted. Every Check heartbeats it also triggers the
// Kademlia ping sweep.
func (s *Service) Gossip() {
	if !s.Heartbeat() {
		return
	}
	now := time.Now()
	for key, entry := range s.cache {
		age := now.Sub(entry.inserted)
		if age < s.cfg.Interval*time.Duration(s.cfg.HistoryGossip) {
			if gm, err := GossipMessageFromBytes(entry.msg.Msg); err == nil {
				if src, err := net.ResolveUDPAddr("udp", gm.Sender); err == nil {
					s.Publish(src, entry.msg)
				}
			}
		}
		if age > s.cfg.Interval*time.Duration(s.cfg.HistoryLen) {
			delete(s.cache, key)
		}
	}
	if now.Sub(s.pingPong) > s.cfg.Interval*time.Duration(s.cfg.Check) {
		s.Kad.PingSweep()
		s.pingPong = now
	}
}

// Publish sends msg to a sample of the peers closest to the local
// node. With more than fullFanoutThreshold close peers the sample is
// Factor of them drawn with replacement, leaving out src and the local
// node; otherwise everyone but the local node, src included.
func (s *Service) Publish(src *net.UDPAddr, msg protocol.Message) {
	local := s.Kad.Table().Local()
	peers := s.Kad.Table().GetClosestPeers(local, discovery.MaxBucketLen)

	targets := make(map[string]*net.UDPAddr)
	if len(peers) > fullFanoutThreshold {
		n := int(float64(len(peers)) * s.cfg.Factor)
		for i := 0; i < n; i++ {
			peer := peers[s.rng.Intn(len(peers))]
			addr, err := peer.UDPAddr()
			if err != nil {
				continue
			}
			if addr.String() == src.String() || addr.String() == s.addr.String() {
				continue
			}
			targets[addr.String()] = addr
		}
	} else {
		for _, peer := range peers {
			addr, err := peer.UDPAddr()
			if err != nil {
				continue
			}
			if addr.String() == s.addr.String() {
				continue
			}
			targets[addr.String()] = addr
		}
	}

	for _, addr := range targets {
		s.toTransport <- protocol.MessageEnvelope{Addr: addr, Message: msg}
		publishedMeter.Mark(1)
	}
}

// handleMessage processes one gossip envelope: unseen messages are
// delivered to the application (unless we originated them), forwarded
// to the fan-out set and cached; seen ids are dropped.
func (s *Service) handleMessage(src *net.UDPAddr, msg protocol.Message) {
	gm, err := GossipMessageFromBytes(msg.Msg)
	if err != nil {
		s.logger.Debug("dropping malformed gossip message", "src", src, "err", err)
		return
	}
	if _, seen := s.cache[gm.ID]; seen {
		dedupedCounter.Inc(1)
		return
	}
	if src.String() != s.addr.String() {
		select {
		case s.toApp <- gm:
			deliveredMeter.Mark(1)
		default:
			s.logger.Warn("application channel full, dropping delivery", "id", gm.ID[:4])
		}
	}
	s.Publish(src, msg)
	s.cache[gm.ID] = cacheEntry{msg: msg, inserted: time.Now()}
}

// Recv polls the gossip inbound channel once.
func (s *Service) Recv() bool {
	select {
	case env := <-s.fromTransport:
		s.handleMessage(env.Addr, env.Message)
		return true
	default:
		return false
	}
}
