package protocol

// Packet is what crosses a link. Data packets wrap exactly one Envelope;
// control packets (Syn/Ack/Fin/Reset) carry a small opaque payload.
type Packet struct {
	Type    PacketType
	Network NetworkID
	Flags   uint32
	// From/To are the sender and receiver overlay addresses on Network.
	From string
	To   string
	Sig  []byte

	Envelope *Envelope
	Payload  []byte
}

// NewDataPacket wraps e for delivery to the peer identified by to.
func NewDataPacket(net NetworkID, from, to string, e *Envelope) *Packet {
	return &Packet{Type: PacketData, Network: net, From: from, To: to, Envelope: e}
}

// NewControlPacket builds a link control packet.
func NewControlPacket(t PacketType, net NetworkID, from string, payload []byte) *Packet {
	return &Packet{Type: t, Network: net, From: from, Payload: payload}
}

// ID returns the carried envelope id, or 0 for control packets.
func (p *Packet) ID() uint64 {
	if p.Envelope == nil {
		return 0
	}
	return p.Envelope.ID
}

func (p *Packet) header() Header {
	h := Header{Version: Version, Type: p.Type, Flags: p.Flags, Network: p.Network}
	if len(p.Sig) > 0 {
		h.Flags |= FlagSigned
	}
	if e := p.Envelope; e != nil {
		h.Flags |= FlagEnvelope
		h.ID = e.ID
		h.DelayUntil = e.DelayUntil
		h.MinDelay = e.MinDelay
		h.MaxDelay = e.MaxDelay
	}
	return h
}
