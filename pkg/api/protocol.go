package api

import "github.com/resolvingarchitecture/ra-common/pkg/protocol"

// Re-export common protocol-level types that are used by API consumers.
type (
	Envelope = protocol.Envelope
	Route    = protocol.Route
	Packet   = protocol.Packet
	Format   = protocol.Format
)
