package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrame bounds a length-prefixed frame.
const MaxFrame = 16<<20 + 64

var (
	ErrFrameSize = errors.New("transport: invalid frame size")
	ErrClosed    = errors.New("transport: closed")
)

// WriteFrame writes b with a u32 LE length prefix and flushes.
func WriteFrame(w *bufio.Writer, b []byte) error {
	if len(b) > MaxFrame {
		return fmt.Errorf("%w: %d", ErrFrameSize, len(b))
	}
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := w.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	return w.Flush()
}

// ReadFrame reads one u32 LE length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenbuf[:])
	if n > MaxFrame {
		return nil, fmt.Errorf("%w: %d", ErrFrameSize, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ConnStream frames an ordered byte stream (net.Conn, yamux or QUIC stream,
// named pipe) with u32 LE length prefixes.
type ConnStream struct {
	rwc io.ReadWriteCloser
	br  *bufio.Reader

	mu sync.Mutex
	bw *bufio.Writer
}

func NewConnStream(rwc io.ReadWriteCloser) *ConnStream {
	return &ConnStream{rwc: rwc, br: bufio.NewReader(rwc), bw: bufio.NewWriter(rwc)}
}

func (s *ConnStream) SendBytes(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteFrame(s.bw, b)
}

func (s *ConnStream) RecvBytes() ([]byte, error) { return ReadFrame(s.br) }

func (s *ConnStream) Close() error { return s.rwc.Close() }
