//go:build windows

package transports

import (
	"github.com/resolvingarchitecture/ra-common/pkg/transport"
	"github.com/resolvingarchitecture/ra-common/pkg/transport/winpipe"
)

func newWinPipeTransport() (transport.Transport, error) { return winpipe.New(), nil }
