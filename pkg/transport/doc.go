// Package transport defines the carrier interfaces networks move packets
// over, plus the pieces shared by every carrier.
//
// Key concepts:
//   - Transport: dials/listens for Sessions of one Kind (TCP/QUIC/UDP/...)
//   - Session: a connection to a remote carrier address; may multiplex streams
//   - Stream: an ordered channel of opaque frames
//   - Link: a Stream plus a protocol.Framer, moving whole Packets
//   - Manager: keeps one canonical Link per remote overlay address and
//     settles simultaneous dial races the same way on both ends
package transport
