// Package handshake implements the signed Hello carried in Syn packets. A
// Hello binds the sender's ed25519 key to the overlay address it claims on
// one network; the receiver verifies it before trusting the link.
package handshake

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/resolvingarchitecture/ra-common/pkg/crypto/sign"
	"github.com/resolvingarchitecture/ra-common/pkg/identity"
	"github.com/resolvingarchitecture/ra-common/pkg/protocol"
)

const (
	Version     = 1
	DefaultSkew = 5 * time.Minute
)

var (
	ErrUnsupported = errors.New("handshake: unsupported hello")
	ErrStale       = errors.New("handshake: hello timestamp out of bounds")
	ErrSignature   = errors.New("handshake: hello signature invalid")
)

// Hello is the Syn payload.
type Hello struct {
	Version   uint32             `cbor:"1,keyasint"`
	Alg       string             `cbor:"2,keyasint"`
	PubKey    []byte             `cbor:"3,keyasint"`
	Nonce     []byte             `cbor:"4,keyasint"`
	Timestamp int64              `cbor:"5,keyasint"`
	Network   protocol.NetworkID `cbor:"6,keyasint"`
	Address   string             `cbor:"7,keyasint"`
	Sig       []byte             `cbor:"8,keyasint"`
}

func (h Hello) transcript() []byte {
	return sign.HelloTranscript(h.Alg, h.PubKey, h.Nonce, h.Timestamp, h.Network.String(), h.Address)
}

// DID returns the identifier derived from the hello's key.
func (h Hello) DID() identity.DID { return identity.FromPublicKey(h.Alg, h.PubKey) }

// Build signs a Hello claiming addr on net.
func Build(id *identity.Identity, net protocol.NetworkID, addr string, now time.Time) (Hello, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Hello{}, err
	}
	h := Hello{
		Version:   Version,
		Alg:       "ed25519",
		PubKey:    append([]byte(nil), id.Pub...),
		Nonce:     nonce,
		Timestamp: now.UnixMilli(),
		Network:   net,
		Address:   addr,
	}
	h.Sig = id.Sign(h.transcript())
	return h, nil
}

// Verify checks the signature and freshness of h against now.
func Verify(h Hello, now time.Time, maxSkew time.Duration) (identity.DID, error) {
	if h.Version != Version || h.Alg != "ed25519" {
		return "", fmt.Errorf("%w: v%d %s", ErrUnsupported, h.Version, h.Alg)
	}
	if len(h.PubKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: pubkey is %d bytes", ErrUnsupported, len(h.PubKey))
	}
	if h.Address == "" {
		return "", fmt.Errorf("%w: no address", ErrUnsupported)
	}
	if maxSkew <= 0 {
		maxSkew = DefaultSkew
	}
	if dt := now.UnixMilli() - h.Timestamp; dt > maxSkew.Milliseconds() || dt < -maxSkew.Milliseconds() {
		return "", ErrStale
	}
	if !sign.VerifyEd25519(ed25519.PublicKey(h.PubKey), h.transcript(), h.Sig) {
		return "", ErrSignature
	}
	return h.DID(), nil
}

// Marshal encodes h for a Syn payload.
func Marshal(h Hello) ([]byte, error) { return cbor.Marshal(h) }

// Unmarshal decodes a Syn payload.
func Unmarshal(b []byte) (Hello, error) {
	var h Hello
	if err := cbor.Unmarshal(b, &h); err != nil {
		return Hello{}, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return h, nil
}

// Syn builds the Syn packet announcing id as addr on net.
func Syn(id *identity.Identity, net protocol.NetworkID, addr string, now time.Time) (*protocol.Packet, error) {
	h, err := Build(id, net, addr, now)
	if err != nil {
		return nil, err
	}
	b, err := Marshal(h)
	if err != nil {
		return nil, err
	}
	return protocol.NewControlPacket(protocol.PacketSyn, net, addr, b), nil
}
