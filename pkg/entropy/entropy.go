// Package entropy provides the process-wide random source used for envelope
// identifiers and mix-delay jitter.
package entropy

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

// Source supplies identifiers and jitter values.
type Source interface {
	// Uint64 returns a uniformly distributed 64-bit value.
	Uint64() uint64
	// Int64N returns a value in [0, n). n must be > 0.
	Int64N(n int64) int64
}

type lockedSource struct {
	mu sync.Mutex
	r  *rand.Rand
}

// New returns a goroutine-safe ChaCha8 source seeded from crypto/rand.
func New() Source {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		// fall back to the runtime-seeded generator
		binary.LittleEndian.PutUint64(seed[:8], rand.Uint64())
		binary.LittleEndian.PutUint64(seed[8:16], rand.Uint64())
	}
	return &lockedSource{r: rand.New(rand.NewChaCha8(seed))}
}

// NewSeeded returns a deterministic source, for tests and fixtures.
func NewSeeded(seed uint64) Source {
	return &lockedSource{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *lockedSource) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Uint64()
}

func (s *lockedSource) Int64N(n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Int64N(n)
}

var (
	defaultOnce sync.Once
	defaultSrc  Source
)

// Default returns the shared process-wide source.
func Default() Source {
	defaultOnce.Do(func() { defaultSrc = New() })
	return defaultSrc
}
