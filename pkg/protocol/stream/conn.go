package stream

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/resolvingarchitecture/ra-common/pkg/protocol"
)

// Conn wraps an io.ReadWriter to send/receive protocol.Packet frames.
type Conn struct {
	fr *protocol.Framer
	br *bufio.Reader

	wmu sync.Mutex
	bw  *bufio.Writer
}

func New(rw io.ReadWriter, fr *protocol.Framer) *Conn {
	return &Conn{fr: fr, br: bufio.NewReader(rw), bw: bufio.NewWriter(rw)}
}

func NewNetConn(c net.Conn, fr *protocol.Framer) *Conn { return New(c, fr) }

// Send writes and flushes one frame. Safe for concurrent senders.
func (c *Conn) Send(p *protocol.Packet) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.fr.WriteTo(c.bw, p); err != nil {
		return err
	}
	return c.bw.Flush()
}

// Recv blocks for the next frame. Not safe for concurrent readers.
func (c *Conn) Recv() (*protocol.Packet, error) {
	return c.fr.ReadFrom(c.br)
}
