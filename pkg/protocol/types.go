package protocol

import (
	"fmt"
	"strings"
)

// PacketType discriminates transport-level frames. Only Data frames carry an
// Envelope; the others are link control.
type PacketType uint8

const (
	PacketData PacketType = iota
	PacketSyn
	PacketAck
	PacketFin
	PacketReset
)

func (t PacketType) String() string {
	switch t {
	case PacketData:
		return "data"
	case PacketSyn:
		return "syn"
	case PacketAck:
		return "ack"
	case PacketFin:
		return "fin"
	case PacketReset:
		return "reset"
	default:
		return fmt.Sprintf("packet(%d)", uint8(t))
	}
}

// NetworkID names the overlay network a packet or endpoint belongs to.
type NetworkID uint16

const (
	NetworkUnknown NetworkID = iota
	NetworkIP
	NetworkIMS
	NetworkLiFi
	NetworkBluetooth
	NetworkWiFiDirect
	NetworkHTTPS
	NetworkVPN
	NetworkTOR
	NetworkI2P
	NetworkSatellite
	NetworkFSRadio
)

var networkNames = map[NetworkID]string{
	NetworkIP:         "ip",
	NetworkIMS:        "ims",
	NetworkLiFi:       "lifi",
	NetworkBluetooth:  "bluetooth",
	NetworkWiFiDirect: "wifi-direct",
	NetworkHTTPS:      "https",
	NetworkVPN:        "vpn",
	NetworkTOR:        "tor",
	NetworkI2P:        "i2p",
	NetworkSatellite:  "satellite",
	NetworkFSRadio:    "fsradio",
}

func (n NetworkID) String() string {
	if s, ok := networkNames[n]; ok {
		return s
	}
	return "unknown"
}

// ParseNetworkID accepts the lower-case names produced by String.
func ParseNetworkID(s string) (NetworkID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for id, name := range networkNames {
		if name == s {
			return id, nil
		}
	}
	switch s {
	case "wifidirect", "wifi_direct":
		return NetworkWiFiDirect, nil
	case "radio":
		return NetworkFSRadio, nil
	}
	return NetworkUnknown, fmt.Errorf("unknown network: %q", s)
}

// Packet flags (uint32 bitmask carried in the fixed header).
const (
	FlagCompressed uint32 = 1 << 0 // body is zstd compressed
	FlagEnvelope   uint32 = 1 << 1 // body carries an Envelope
	FlagSigned     uint32 = 1 << 2 // packet Sig is populated
)

// ContentType is an optional hint for payload decoding.
const (
	ContentUnknown = "application/octet-stream"
	ContentCBOR    = "application/cbor"
	ContentJSON    = "application/json"
	ContentProto   = "application/x-protobuf"
	ContentMsgPack = "application/msgpack"
)

// Well-known envelope headers.
const (
	HeaderContentType = "Content-Type"
	HeaderFromDID     = "X-From-DID"
	HeaderTraceID     = "X-Trace-Id"
)
