package transport

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager keeps at most one canonical Link per remote overlay address and
// applies a policy to settle concurrent inbound/outbound links.
type Manager struct {
	grace time.Duration

	mu    sync.RWMutex
	links map[string]*Link
}

// NewManager returns an empty manager. Links that lose an election are
// closed after grace so frames already in flight on them can drain.
func NewManager(grace time.Duration) *Manager {
	return &Manager{grace: grace, links: make(map[string]*Link)}
}

// Add registers l under its peer address. It reports whether l became
// canonical and returns the link it replaced, if any. A losing link is
// closed.
func (m *Manager) Add(l *Link) (accepted bool, old *Link) {
	addr := l.Peer().Addr
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.links[addr]
	if cur == nil || cur == l {
		m.links[addr] = l
		return true, nil
	}
	if better(l, cur) {
		m.links[addr] = l
		m.retire(cur)
		return true, cur
	}
	m.retire(l)
	return false, nil
}

func (m *Manager) retire(l *Link) {
	zap.L().Debug("link superseded", zap.String("link", l.ID()), zap.String("peer", l.Peer().Addr))
	if m.grace <= 0 {
		_ = l.Close()
		return
	}
	time.AfterFunc(m.grace, func() { _ = l.Close() })
}

// Get returns the canonical link for addr.
func (m *Manager) Get(addr string) (*Link, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.links[addr]
	return l, ok
}

// Remove forgets l if it is still canonical for its peer.
func (m *Manager) Remove(l *Link) bool {
	addr := l.Peer().Addr
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links[addr] == l {
		delete(m.links, addr)
		return true
	}
	return false
}

// Peers returns the addresses with a canonical link.
func (m *Manager) Peers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.links))
	for a := range m.links {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.links)
}

// CloseAll closes every canonical link, empties the manager and returns
// the links it closed.
func (m *Manager) CloseAll() []*Link {
	m.mu.Lock()
	links := m.links
	m.links = make(map[string]*Link)
	m.mu.Unlock()
	out := make([]*Link, 0, len(links))
	for _, l := range links {
		_ = l.Close()
		out = append(out, l)
	}
	return out
}

// Preference order across kinds; higher is better.
func baseRank(k Kind) int {
	switch k {
	case KindMem:
		return 120
	case KindQUIC:
		return 100
	case KindWinPipe:
		return 95
	case KindTCP:
		return 90
	case KindWS:
		return 80
	case KindZMQ:
		return 70
	case KindUDP:
		return 50
	default:
		return 0
	}
}

// better decides whether a should replace b as canonical. Both ends of a
// simultaneous dial see the same pair of links, so after the kind rank the
// decision keys on the dialing side's address: the link dialed by the
// smaller address wins everywhere.
func better(a, b *Link) bool {
	if ra, rb := baseRank(a.Kind()), baseRank(b.Kind()); ra != rb {
		return ra > rb
	}
	if da, db := a.Dialer(), b.Dialer(); da != db {
		return da < db
	}
	// same dialer: a reconnect, keep the newer link
	return a.OpenedAt().After(b.OpenedAt())
}
