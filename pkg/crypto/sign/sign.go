// Package sign holds the canonical transcripts the node signs and thin
// ed25519 helpers around them.
package sign

import (
	"crypto/ed25519"
	"encoding/base64"
	"strconv"
	"strings"
)

// HelloTranscript builds the canonical transcript used for signing and
// verifying link hellos. It binds the key to the overlay address the
// sender claims on one network. Format:
//
//	ra:hello|v=1|alg=<alg>|ts=<unix_ms>|pub=<b64url>|nonce=<b64url>|net=<network>|addr=<address>
func HelloTranscript(alg string, pub, nonce []byte, tsUnixMS int64, network, address string) []byte {
	b64 := base64.RawURLEncoding
	var sb strings.Builder
	sb.Grow(96 + len(address))
	sb.WriteString("ra:hello|v=1|alg=")
	sb.WriteString(strings.ToLower(strings.TrimSpace(alg)))
	sb.WriteString("|ts=")
	sb.WriteString(strconv.FormatInt(tsUnixMS, 10))
	sb.WriteString("|pub=")
	sb.WriteString(b64.EncodeToString(pub))
	sb.WriteString("|nonce=")
	sb.WriteString(b64.EncodeToString(nonce))
	sb.WriteString("|net=")
	sb.WriteString(network)
	sb.WriteString("|addr=")
	sb.WriteString(address)
	return []byte(sb.String())
}

// EnvelopeTranscript is what a sender signs for a Data packet: the envelope
// id and the hop endpoints, so a relay cannot retarget a signed frame.
func EnvelopeTranscript(id uint64, network, from, to string) []byte {
	var sb strings.Builder
	sb.WriteString("ra:env|v=1|id=")
	sb.WriteString(strconv.FormatUint(id, 10))
	sb.WriteString("|net=")
	sb.WriteString(network)
	sb.WriteString("|from=")
	sb.WriteString(from)
	sb.WriteString("|to=")
	sb.WriteString(to)
	return []byte(sb.String())
}

// SignEd25519 signs data using ed25519.
func SignEd25519(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// VerifyEd25519 verifies an ed25519 signature; malformed keys fail closed.
func VerifyEd25519(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}
