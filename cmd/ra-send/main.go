// Command ra-send joins one network as a short-lived node, sends a single
// envelope to a service on a peer and exits once the envelope has left.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/resolvingarchitecture/ra-common/pkg/config"
	"github.com/resolvingarchitecture/ra-common/pkg/node"
	"github.com/resolvingarchitecture/ra-common/pkg/protocol"
	"github.com/resolvingarchitecture/ra-common/pkg/router"
)

func main() {
	kind := flag.String("kind", "tcp", "transport kind: tcp|udp|quic|zmq|ws|winpipe")
	network := flag.String("network", "ip", "overlay network id")
	addr := flag.String("addr", "127.0.0.1:7777", "carrier address to dial")
	peer := flag.String("peer", "", "overlay address of the receiving node")
	name := flag.String("name", "ra-send", "overlay address of this node")
	service := flag.String("service", "", "service to invoke on the peer")
	op := flag.String("op", "", "operation to invoke")
	msg := flag.String("message", "hello", "payload bytes")
	format := flag.String("format", "cbor", "wire format: cbor|json|proto|msgpack")
	keyFile := flag.String("key", "", "identity key file (generated when missing)")
	timeout := flag.Duration("timeout", 10*time.Second, "give up after this long")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(logger)
	defer logger.Sync()

	if *peer == "" || *service == "" || *op == "" {
		fatalf("-peer, -service and -op are required")
	}
	netID, err := protocol.ParseNetworkID(*network)
	if err != nil {
		fatalf("%v", err)
	}

	cfg := config.Default()
	cfg.AppName = "ra-send"
	cfg.NodeID = *name
	cfg.Admin.Listen = ""
	cfg.Identity.PrivateKeyFile = *keyFile
	cfg.Wire.Format = *format
	cfg.Networks = []config.NetworkConfig{{
		ID:                   *network,
		Transport:            *kind,
		Address:              *name,
		Dial:                 []config.PeerDialConfig{{Address: *addr, Peer: *peer}},
		DialBackoffInitialMS: 200,
		DialBackoffMaxMS:     2000,
	}}

	failed := make(chan *router.DeliveryError, 1)
	n, err := node.New(cfg, node.WithFailureHandler(func(_ *protocol.Envelope, err *router.DeliveryError) {
		failed <- err
	}))
	if err != nil {
		fatalf("build node: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := n.Start(ctx); err != nil {
		n.Abort()
		fatalf("start: %v", err)
	}

	dst := protocol.Addr{Network: netID, Address: *peer}
	env, err := protocol.NewEnvelope(
		protocol.WithRoutes(protocol.NewRoute(*service, *op).To(dst)),
		protocol.WithBytes([]byte(*msg)))
	if err != nil {
		n.Abort()
		fatalf("envelope: %v", err)
	}
	if err := n.Send(ctx, env); err != nil {
		n.Abort()
		fatalf("send: %v", err)
	}

	// Shutdown returns once the dispatcher has handed the envelope to the
	// link or the timeout failed it.
	if err := n.Shutdown(ctx); err != nil {
		zap.L().Warn("shutdown", zap.Error(err))
	}
	select {
	case derr := <-failed:
		fatalf("envelope %d not sent: %v", env.ID, derr)
	default:
	}
	fmt.Printf("envelope %d sent to %s\n", env.ID, dst)
}

func fatalf(format string, a ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
