// Runs a DHT node on a UDP port, bootstrapping against the public router
// swarm and, when -infohash is given, printing peers found for it until
// -targets of them have been collected. It prints no routing table status.
//
// This mirrors the teacher's examples/find_infohash_and_wait command, wired
// against the new Config/Dispatch/Tick surface instead of the old
// Start/PeersRequest API.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/latticedht/dht"
)

var (
	port       = flag.Int("port", 0, "UDP port to listen on; 0 picks a random port")
	infoHash   = flag.String("infohash", "", "info-hash to search for, as hex")
	bindV6     = flag.Bool("v6", false, "bind on an IPv6 socket instead of IPv4")
	numTargets = flag.Int("targets", 10, "number of peers to collect before exiting")
)

var defaultRouters = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
}

func main() {
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	network := "udp4"
	if *bindV6 {
		network = "udp6"
	}
	conn, err := net.ListenPacket(network, fmt.Sprintf(":%d", *port))
	if err != nil {
		logger.Fatal("listen failed", zap.Error(err))
	}
	defer conn.Close()

	transport := &udpTransport{conn: conn, codec: dht.NewBencodeCodec(), logger: logger}

	routers := make([]dht.Endpoint, 0, len(defaultRouters))
	for _, addr := range defaultRouters {
		if ep, err := resolveEndpoint(addr); err == nil {
			routers = append(routers, ep)
		}
	}

	node, err := dht.New(dht.Config{
		Transport: transport,
		Routers:   routers,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("dht.New failed", zap.Error(err))
	}
	transport.node = node

	go transport.readLoop()
	go tickLoop(node)

	node.Bootstrap(routers, nil)

	if *infoHash != "" {
		ih, err := dht.IDFromHex(*infoHash)
		if err != nil {
			logger.Fatal("bad infohash", zap.Error(err))
		}
		collected := 0
		node.FindPeers(ih, func(peers []dht.Endpoint) {
			for _, p := range peers {
				fmt.Printf("%d: %v\n", collected, p)
				collected++
				if collected >= *numTargets {
					os.Exit(0)
				}
			}
		}, nil)
	}

	select {}
}

func resolveEndpoint(addr string) (dht.Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return dht.Endpoint{}, err
	}
	return dht.Endpoint{IP: udpAddr.IP, Port: uint16(udpAddr.Port)}, nil
}

// tickLoop drives the periodic maintenance sweep at dht.TickPeriod, the
// cadence spec.md's design assumes an outer session provides.
func tickLoop(node *dht.DHT) {
	ticker := time.NewTicker(dht.TickPeriod)
	defer ticker.Stop()
	for range ticker.C {
		node.Tick()
	}
}

// udpTransport is the reference TransportSink: a plain UDP socket paired
// with the default bencode Codec, feeding decoded dictionaries into
// DHT.Dispatch as they arrive.
type udpTransport struct {
	conn   net.PacketConn
	codec  dht.Codec
	logger *zap.Logger
	node   *dht.DHT
}

func (t *udpTransport) Send(ep dht.Endpoint, msg dht.Dict) error {
	b, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}
	_, err = t.conn.WriteTo(b, &net.UDPAddr{IP: ep.IP, Port: int(ep.Port)})
	return err
}

func (t *udpTransport) readLoop() {
	buf := make([]byte, 8192)
	for {
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			t.logger.Debug("read error", zap.Error(err))
			return
		}
		msg, err := t.codec.Decode(buf[:n])
		if err != nil {
			t.logger.Debug("decode error", zap.Error(err))
			continue
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		t.node.Dispatch(dht.Endpoint{IP: udpAddr.IP, Port: uint16(udpAddr.Port)}, msg)
	}
}
