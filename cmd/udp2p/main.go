// udp2p runs a single overlay node: it binds a UDP socket, joins the
// network through an optional seed address, and either listens for
// gossip or publishes lines read from stdin.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/overlaynet/udp2p/discovery"
	"github.com/overlaynet/udp2p/gossip"
	"github.com/overlaynet/udp2p/node"
	"github.com/overlaynet/udp2p/protocol"
	"github.com/overlaynet/udp2p/record"
	"github.com/overlaynet/udp2p/transport"
)

const (
	channelDepth  = 1024
	deliveryDepth = 256
	pingInterval  = 20 * time.Second
)

func main() {
	app := &cli.App{
		Name:  "udp2p",
		Usage: "run a udp2p overlay node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "UDP address to bind",
				Value: "127.0.0.1:0",
			},
			&cli.StringFlag{
				Name:  "bootstrap",
				Usage: "seed node address; omit when starting the first node",
			},
			&cli.BoolFlag{
				Name:  "publish",
				Usage: "read lines from stdin and gossip them",
			},
			&cli.StringFlag{
				Name:  "store.dir",
				Usage: "record store directory (in-memory when empty)",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "TOML file overriding the gossip profile",
			},
			&cli.IntFlag{
				Name:  "verbosity",
				Usage: "log verbosity (0=crit .. 5=trace)",
				Value: 3,
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	handler := log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(ctx.Int("verbosity")), true)
	log.SetDefault(log.NewLogger(handler))

	bind, err := net.ResolveUDPAddr("udp4", ctx.String("addr"))
	if err != nil {
		return fmt.Errorf("bad bind address: %w", err)
	}
	conn, err := net.ListenUDP("udp4", bind)
	if err != nil {
		return fmt.Errorf("bind failed: %w", err)
	}
	defer conn.Close()
	local := conn.LocalAddr().(*net.UDPAddr)

	cfg := gossip.DefaultConfig()
	if path := ctx.String("config"); path != "" {
		if err := loadConfig(path, &cfg); err != nil {
			return fmt.Errorf("config load failed: %w", err)
		}
	}

	var store record.Store
	if dir := ctx.String("store.dir"); dir != "" {
		ldb, err := record.NewLevelDBStore(dir)
		if err != nil {
			return fmt.Errorf("record store open failed: %w", err)
		}
		defer ldb.Close()
		store = ldb
	} else {
		ldb, err := record.NewInMemoryStore()
		if err != nil {
			return fmt.Errorf("record store open failed: %w", err)
		}
		defer ldb.Close()
		store = ldb
	}

	// Local identity: a fresh random key, its digest, and the bound
	// address.
	key := node.RandKey()
	info := node.NewPeerInfo(node.PeerIDFromKey(key), key, local)
	log.Info("starting node", "addr", local, "id", info.ID[:16])

	toTransport := make(chan protocol.MessageEnvelope, channelDepth)
	toGossip := make(chan protocol.MessageEnvelope, channelDepth)
	toKad := make(chan protocol.KadEnvelope, channelDepth)
	incomingAck := make(chan protocol.AckMessage, channelDepth)
	toApp := make(chan gossip.GossipMessage, deliveryDepth)

	table := discovery.NewRoutingTable(info)
	kad := discovery.NewKademlia(table, toTransport, toKad, store, pingInterval)
	trans := transport.New(local, incomingAck, toTransport)
	handlerLoop := transport.NewHandler(toTransport, incomingAck, toKad, toGossip)
	svc := gossip.NewService(local, toGossip, toTransport, toApp, kad, cfg)

	go trans.Run(conn)
	go func() {
		buf := make([]byte, transport.RecvBufferSize)
		for {
			handlerLoop.RecvMsg(conn, buf, local)
		}
	}()

	if seed := ctx.String("bootstrap"); seed != "" {
		seedAddr, err := net.ResolveUDPAddr("udp4", seed)
		if err != nil {
			return fmt.Errorf("bad bootstrap address: %w", err)
		}
		svc.Kad.Bootstrap(seedAddr)
	}
	if data, err := info.Bytes(); err == nil {
		svc.Kad.AddPeer(data)
	}

	// Deliveries go straight to stdout.
	go func() {
		for gm := range toApp {
			fmt.Printf("%s\n", gm.Data)
		}
	}()

	if ctx.Bool("publish") {
		go publishLoop(local, toGossip)
	}

	// A signal turns into a Kill on the kad channel, which unwinds the
	// application loop.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Info("shutting down")
		toKad <- protocol.KadEnvelope{Addr: local, Message: protocol.NewKadKill()}
	}()

	svc.Start()
	return nil
}

// publishLoop turns stdin lines into gossip originating at this node.
func publishLoop(local *net.UDPAddr, toGossip chan<- protocol.MessageEnvelope) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		gm := gossip.GossipMessage{
			ID:     protocol.RandMessageKey(),
			Data:   append([]byte(nil), line...),
			Sender: local.String(),
		}
		data, err := gm.Bytes()
		if err != nil {
			log.Warn("gossip encode failed", "err", err)
			continue
		}
		toGossip <- protocol.MessageEnvelope{
			Addr:    local,
			Message: protocol.Message{Head: protocol.HeaderGossip, Msg: data},
		}
	}
}
