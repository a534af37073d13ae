package api

import "context"

// Driver moves packets over one link. Implementations own their I/O
// goroutines; Send and Receive may be called from different goroutines.
type Driver interface {
	Send(ctx context.Context, p *Packet) error
	Receive(ctx context.Context) (*Packet, error)
	Close() error
}
