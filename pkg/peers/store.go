// Package peers keeps what the node knows about remote overlay addresses:
// which DID holds them, which link reaches them and traffic counters. The
// table lives in memkv with an inactivity TTL.
package peers

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/resolvingarchitecture/ra-common/pkg/identity"
	"github.com/resolvingarchitecture/ra-common/pkg/memkv"
	"github.com/resolvingarchitecture/ra-common/pkg/protocol"
)

// DefaultTTL is how long an idle peer stays in the table.
const DefaultTTL = 5 * time.Minute

// Peer is one remote overlay address.
type Peer struct {
	Addr protocol.Addr `json:"addr"`
	DID  identity.DID  `json:"did,omitempty"`
	// Link is the id of the link currently reaching the peer.
	Link     string    `json:"link,omitempty"`
	Remote   string    `json:"remote,omitempty"` // carrier address
	Verified bool      `json:"verified"`
	LastSeen time.Time `json:"last_seen"`

	MsgsIn   uint64 `json:"msgs_in"`
	MsgsOut  uint64 `json:"msgs_out"`
	BytesIn  uint64 `json:"bytes_in"`
	BytesOut uint64 `json:"bytes_out"`
}

// Store is the peer table.
type Store struct {
	kv    *memkv.Store
	ttl   time.Duration
	clock clock.Clock
}

// NewStore returns a table over kv; ttl <= 0 means DefaultTTL.
func NewStore(kv *memkv.Store, c clock.Clock, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if c == nil {
		c = clock.New()
	}
	return &Store{kv: kv, ttl: ttl, clock: c}
}

const keyPrefix = "peer/"

func keyPeer(a protocol.Addr) string { return keyPrefix + a.Network.String() + "/" + a.Address }

func decode(b []byte) (Peer, bool) {
	var p Peer
	if err := json.Unmarshal(b, &p); err != nil {
		return Peer{}, false
	}
	return p, true
}

// Upsert records p, stamping LastSeen and refreshing the TTL. Counters of
// an existing entry are kept.
func (s *Store) Upsert(p Peer) {
	p.LastSeen = s.clock.Now()
	s.kv.Upsert(keyPeer(p.Addr), s.ttl, func(old []byte) []byte {
		if prev, ok := decode(old); ok {
			p.MsgsIn, p.MsgsOut = prev.MsgsIn, prev.MsgsOut
			p.BytesIn, p.BytesOut = prev.BytesIn, prev.BytesOut
			if p.DID == "" {
				p.DID = prev.DID
				p.Verified = p.Verified || prev.Verified
			}
		}
		b, _ := json.Marshal(p)
		return b
	})
	s.kv.Expire(keyPeer(p.Addr), s.ttl)
	zap.L().Debug("peer upsert",
		zap.Stringer("addr", p.Addr),
		zap.String("did", string(p.DID)),
		zap.String("link", p.Link))
}

func (s *Store) Get(a protocol.Addr) (Peer, bool) {
	b, ok := s.kv.Get(keyPeer(a))
	if !ok {
		return Peer{}, false
	}
	return decode(b)
}

// Touch refreshes LastSeen and the TTL of a known peer.
func (s *Store) Touch(a protocol.Addr) bool {
	now := s.clock.Now()
	ok := s.edit(a, func(p *Peer) { p.LastSeen = now })
	if ok {
		s.kv.Expire(keyPeer(a), s.ttl)
	}
	return ok
}

// RecordExchange adds traffic counters for a peer.
func (s *Store) RecordExchange(a protocol.Addr, inBytes, outBytes, inMsgs, outMsgs uint64) {
	s.edit(a, func(p *Peer) {
		p.BytesIn += inBytes
		p.BytesOut += outBytes
		p.MsgsIn += inMsgs
		p.MsgsOut += outMsgs
	})
}

// Unlink clears the link of every peer reached through linkID and returns
// their addresses.
func (s *Store) Unlink(linkID string) []protocol.Addr {
	var gone []protocol.Addr
	s.kv.Scan(keyPrefix, func(_ string, v []byte) bool {
		if p, ok := decode(v); ok && p.Link == linkID {
			gone = append(gone, p.Addr)
		}
		return true
	})
	for _, a := range gone {
		s.edit(a, func(p *Peer) { p.Link = "" })
	}
	return gone
}

func (s *Store) Delete(a protocol.Addr) bool { return s.kv.Delete(keyPeer(a)) }

// List returns the peers of one network, or of all networks when net is
// NetworkUnknown, sorted by address.
func (s *Store) List(net protocol.NetworkID) []Peer {
	prefix := keyPrefix
	if net != protocol.NetworkUnknown {
		prefix += net.String() + "/"
	}
	var out []Peer
	s.kv.Scan(prefix, func(_ string, v []byte) bool {
		if p, ok := decode(v); ok {
			out = append(out, p)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.String() < out[j].Addr.String() })
	return out
}

// ResolveDID returns the addresses held by did.
func (s *Store) ResolveDID(did identity.DID) []protocol.Addr {
	var out []protocol.Addr
	for _, p := range s.List(protocol.NetworkUnknown) {
		if strings.EqualFold(string(p.DID), string(did)) {
			out = append(out, p.Addr)
		}
	}
	return out
}

func (s *Store) edit(a protocol.Addr, fn func(*Peer)) bool {
	return s.kv.Update(keyPeer(a), func(old []byte) []byte {
		p, ok := decode(old)
		if !ok {
			return old
		}
		fn(&p)
		b, _ := json.Marshal(p)
		return b
	})
}
