// Package identity loads or creates the node's ed25519 key and derives its
// DID from the public half.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/resolvingarchitecture/ra-common/pkg/config"
)

// DID is a decentralized identifier of the form did:ra:<alg>:<b64url(pub)>.
type DID string

const didPrefix = "did:ra:"

// ErrBadKey reports key material of the wrong size or encoding.
var ErrBadKey = errors.New("identity: bad key")

// FromPublicKey derives the canonical DID for pub.
func FromPublicKey(alg string, pub []byte) DID {
	alg = strings.ToLower(strings.TrimSpace(alg))
	return DID(didPrefix + alg + ":" + base64.RawURLEncoding.EncodeToString(pub))
}

// PublicKey extracts the key material from an ed25519 DID.
func (d DID) PublicKey() (ed25519.PublicKey, error) {
	rest, ok := strings.CutPrefix(string(d), didPrefix+"ed25519:")
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an ed25519 did", ErrBadKey, d)
	}
	b, err := base64.RawURLEncoding.DecodeString(rest)
	if err != nil || len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: %q", ErrBadKey, d)
	}
	return ed25519.PublicKey(b), nil
}

func (d DID) String() string { return string(d) }

// Identity is the node's signing key and its DID.
type Identity struct {
	Priv ed25519.PrivateKey
	Pub  ed25519.PublicKey
	DID  DID
}

// New wraps an existing private key.
func New(priv ed25519.PrivateKey) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key is %d bytes", ErrBadKey, len(priv))
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{Priv: priv, Pub: pub, DID: FromPublicKey("ed25519", pub)}, nil
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return New(priv)
}

// Sign signs msg with the node key.
func (id *Identity) Sign(msg []byte) []byte { return ed25519.Sign(id.Priv, msg) }

// Encode returns the base64url form accepted by identity.private_key.
func (id *Identity) Encode() string { return base64.RawURLEncoding.EncodeToString(id.Priv) }

// LoadOrGenerate loads the key named by c (inline first, then file) or
// generates one. A generated key is written to c.PrivateKeyFile when set
// and the file does not exist yet.
func LoadOrGenerate(c config.IdentityConfig) (*Identity, error) {
	if alg := strings.ToLower(strings.TrimSpace(c.Alg)); alg != "" && alg != "ed25519" {
		return nil, fmt.Errorf("identity: unsupported alg %q", c.Alg)
	}
	if s := strings.TrimSpace(c.PrivateKey); s != "" {
		b, err := base64.RawURLEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: identity.private_key: %v", ErrBadKey, err)
		}
		return New(ed25519.PrivateKey(b))
	}
	if path := strings.TrimSpace(c.PrivateKeyFile); path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			return New(decodeKeyFile(b))
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("identity: read %s: %w", path, err)
		}
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if path := strings.TrimSpace(c.PrivateKeyFile); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("identity: %w", err)
		}
		if err := os.WriteFile(path, []byte(id.Encode()+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("identity: write %s: %w", path, err)
		}
		zap.L().Info("generated identity", zap.String("did", id.DID.String()), zap.String("file", path))
	} else {
		zap.L().Info("generated ephemeral identity (set identity.private_key to persist)",
			zap.String("did", id.DID.String()))
	}
	return id, nil
}

// decodeKeyFile accepts base64url text or raw key bytes.
func decodeKeyFile(b []byte) ed25519.PrivateKey {
	if db, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(string(b))); err == nil {
		return ed25519.PrivateKey(db)
	}
	return ed25519.PrivateKey(b)
}
