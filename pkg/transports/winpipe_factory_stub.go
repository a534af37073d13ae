//go:build !windows

package transports

import (
	"fmt"

	"github.com/resolvingarchitecture/ra-common/pkg/transport"
)

func newWinPipeTransport() (transport.Transport, error) {
	return nil, fmt.Errorf("winpipe transport is not supported on this platform")
}
