// Package transports builds carriers from their config names.
package transports

import (
	"github.com/resolvingarchitecture/ra-common/pkg/transport"
	"github.com/resolvingarchitecture/ra-common/pkg/transport/mem"
	tquic "github.com/resolvingarchitecture/ra-common/pkg/transport/quic"
	ttcp "github.com/resolvingarchitecture/ra-common/pkg/transport/tcp"
	"github.com/resolvingarchitecture/ra-common/pkg/transport/udp"
	"github.com/resolvingarchitecture/ra-common/pkg/transport/ws"
	"github.com/resolvingarchitecture/ra-common/pkg/transport/zmq"
)

// ErrUnknownKind is returned for a name no carrier answers to.
type ErrUnknownKind string

func (e ErrUnknownKind) Error() string { return "unknown transport kind: " + string(e) }

// New constructs a Transport by config name. Aliases follow the names
// operators tend to type.
func New(kind string) (transport.Transport, error) {
	switch kind {
	case "mem", "inproc":
		return mem.New(), nil
	case "tcp":
		return ttcp.New(), nil
	case "udp":
		return udp.New(), nil
	case "quic", "h3":
		return tquic.New()
	case "zmq", "zeromq":
		return zmq.New(), nil
	case "ws", "websocket", "https":
		return ws.New(), nil
	case "winpipe", "pipe":
		return newWinPipeTransport()
	default:
		return nil, ErrUnknownKind(kind)
	}
}
