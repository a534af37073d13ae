package config

import (
	"fmt"
	"strings"
)

// NetworkConfig describes one overlay network the node joins and the
// carrier that moves its packets.
//
// Example YAML:
//
//	networks:
//	  - id: ip
//	    transport: tcp
//	    address: alice
//	    listen: [":7777"]
//	    dial:
//	      - address: "10.0.0.2:7777"
//	        peer: bob
//	  - id: https
//	    transport: ws
//	    listen: [":8443"]
//	  - id: ims
//	    transport: mem
//	    listen: ["inproc-ims"]
type NetworkConfig struct {
	// ID is the network name (ip, https, tor, i2p, ...).
	ID string `mapstructure:"id"`
	// Transport is the carrier kind: mem, tcp, udp, quic, zmq, ws, winpipe.
	Transport string `mapstructure:"transport"`
	// Address is this node's overlay address on the network; defaults to node_id.
	Address string           `mapstructure:"address"`
	Listen  []string         `mapstructure:"listen"`
	Dial    []PeerDialConfig `mapstructure:"dial"`

	DialBackoffInitialMS int `mapstructure:"dial_backoff_initial_ms"`
	DialBackoffMaxMS     int `mapstructure:"dial_backoff_max_ms"`
	DialBackoffJitterMS  int `mapstructure:"dial_backoff_jitter_ms"`

	// Egress shaping per next hop; 0 disables.
	BytesPerSec int `mapstructure:"bytes_per_sec"`
	Burst       int `mapstructure:"burst"`
}

// PeerDialConfig describes a target to dial on startup.
type PeerDialConfig struct {
	// Address is the carrier address (host:port, pipe name, ...).
	Address string `mapstructure:"address"`
	// Peer is the overlay address expected on the other side, if known.
	Peer string `mapstructure:"peer"`
}

var transportKinds = map[string]bool{
	"mem": true, "tcp": true, "udp": true, "quic": true,
	"zmq": true, "ws": true, "winpipe": true,
}

func (n *NetworkConfig) normalize(nodeID string) error {
	n.ID = strings.ToLower(strings.TrimSpace(n.ID))
	n.Transport = strings.ToLower(strings.TrimSpace(n.Transport))
	if n.ID == "" {
		return fmt.Errorf("missing id")
	}
	if !transportKinds[n.Transport] {
		return fmt.Errorf("unknown transport %q", n.Transport)
	}
	if strings.TrimSpace(n.Address) == "" {
		n.Address = nodeID
	}
	if n.DialBackoffInitialMS <= 0 {
		n.DialBackoffInitialMS = 500
	}
	if n.DialBackoffMaxMS < n.DialBackoffInitialMS {
		n.DialBackoffMaxMS = 30000
	}
	if n.DialBackoffJitterMS < 0 {
		n.DialBackoffJitterMS = 0
	}
	return nil
}
