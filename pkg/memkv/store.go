package memkv

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Options tunes a Store.
type Options struct {
	Shards     int           // number of shards (default 64)
	MaxBytes   uint64        // hard cap on the total size of values (0 = none)
	SweepEvery time.Duration // expiry sweep interval (default 1s)
	Clock      clock.Clock
}

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = 64
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

type Store struct {
	opts    Options
	shards  []shard
	clock   clock.Clock
	closeCh chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	mKeys    atomic.Uint64
	mBytes   atomic.Uint64
	mSets    atomic.Uint64
	mHits    atomic.Uint64
	mMisses  atomic.Uint64
	mDels    atomic.Uint64
	mExpired atomic.Uint64
	mUpdates atomic.Uint64
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*entry
}

type entry struct {
	val      []byte
	expireAt int64 // unix nano; 0 = no expiry
}

func (e *entry) expired(now int64) bool { return e.expireAt != 0 && e.expireAt <= now }

func New(opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{
		opts:    opts,
		shards:  make([]shard, opts.Shards),
		clock:   opts.Clock,
		closeCh: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i].m = make(map[string]*entry)
	}
	s.wg.Add(1)
	go s.sweeper()
	return s
}

// Close stops the sweeper. The store stays readable.
func (s *Store) Close() {
	s.once.Do(func() { close(s.closeCh) })
	s.wg.Wait()
}

func (s *Store) shardFor(key string) *shard {
	// FNV-1a 64
	var h uint64 = 1469598103934665603
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return &s.shards[int(h%uint64(len(s.shards)))]
}

func (s *Store) now() int64 { return s.clock.Now().UnixNano() }

// reserve accounts for delta more bytes, refusing to cross MaxBytes.
func (s *Store) reserve(delta uint64) bool {
	if s.opts.MaxBytes == 0 {
		s.mBytes.Add(delta)
		return true
	}
	for {
		cur := s.mBytes.Load()
		if cur+delta > s.opts.MaxBytes {
			return false
		}
		if s.mBytes.CompareAndSwap(cur, cur+delta) {
			return true
		}
	}
}

func (s *Store) release(n int) {
	if n > 0 {
		s.mBytes.Add(^uint64(n - 1))
	}
}

// removeLocked drops key from a locked shard and fixes the counters.
func (s *Store) removeLocked(sh *shard, key string, e *entry) {
	delete(sh.m, key)
	s.mKeys.Add(^uint64(0))
	s.release(len(e.val))
}

// Set stores val under key. A ttl <= 0 means no expiry. It reports whether
// the value was stored; a write that would exceed MaxBytes is refused.
func (s *Store) Set(key string, val []byte, ttl time.Duration) bool {
	now := s.now()
	var expAt int64
	if ttl > 0 {
		expAt = now + int64(ttl)
	}
	v := append([]byte(nil), val...)

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	prev, existed := sh.m[key]
	if existed && prev.expired(now) {
		s.removeLocked(sh, key, prev)
		s.mExpired.Add(1)
		existed = false
	}
	oldLen := 0
	if existed {
		oldLen = len(prev.val)
	}
	if delta := len(v) - oldLen; delta > 0 {
		if !s.reserve(uint64(delta)) {
			return false
		}
	} else {
		s.release(-delta)
	}
	sh.m[key] = &entry{val: v, expireAt: expAt}
	if !existed {
		s.mKeys.Add(1)
	}
	s.mSets.Add(1)
	return true
}

// Get returns a copy of the value under key.
func (s *Store) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	if ok && !e.expired(s.now()) {
		out := append([]byte(nil), e.val...)
		sh.mu.RUnlock()
		s.mHits.Add(1)
		return out, true
	}
	sh.mu.RUnlock()
	s.mMisses.Add(1)
	if ok {
		s.expireKey(sh, key)
	}
	return nil, false
}

func (s *Store) expireKey(sh *shard, key string) {
	sh.mu.Lock()
	if e, ok := sh.m[key]; ok && e.expired(s.now()) {
		s.removeLocked(sh, key, e)
		s.mExpired.Add(1)
	}
	sh.mu.Unlock()
}

// GetDel returns and removes the value under key.
func (s *Store) GetDel(key string) ([]byte, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if !ok {
		s.mMisses.Add(1)
		return nil, false
	}
	s.removeLocked(sh, key, e)
	if e.expired(s.now()) {
		s.mExpired.Add(1)
		s.mMisses.Add(1)
		return nil, false
	}
	s.mHits.Add(1)
	s.mDels.Add(1)
	return e.val, true
}

// Update replaces the value under key with fn(old) if the key is live. The
// TTL is kept. fn must not retain old.
func (s *Store) Update(key string, fn func(old []byte) []byte) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if !ok {
		return false
	}
	if e.expired(s.now()) {
		s.removeLocked(sh, key, e)
		s.mExpired.Add(1)
		return false
	}
	nv := append([]byte(nil), fn(e.val)...)
	if delta := len(nv) - len(e.val); delta > 0 {
		if !s.reserve(uint64(delta)) {
			return false
		}
	} else {
		s.release(-delta)
	}
	e.val = nv
	s.mUpdates.Add(1)
	return true
}

// Upsert is Update that creates the key from fn(nil) when it is missing.
func (s *Store) Upsert(key string, ttl time.Duration, fn func(old []byte) []byte) bool {
	if s.Update(key, fn) {
		return true
	}
	return s.Set(key, fn(nil), ttl)
}

func (s *Store) Exists(key string) bool {
	_, ok := s.Get(key)
	return ok
}

func (s *Store) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if ok {
		s.removeLocked(sh, key, e)
		s.mDels.Add(1)
	}
	return ok
}

// Expire sets a new TTL; ttl <= 0 deletes the key.
func (s *Store) Expire(key string, ttl time.Duration) bool {
	if ttl <= 0 {
		return s.Delete(key)
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	now := s.now()
	e, ok := sh.m[key]
	if !ok {
		return false
	}
	if e.expired(now) {
		s.removeLocked(sh, key, e)
		s.mExpired.Add(1)
		return false
	}
	e.expireAt = now + int64(ttl)
	return true
}

// TTL returns the remaining lifetime. A key without expiry returns 0, true.
func (s *Store) TTL(key string) (time.Duration, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	var exp int64
	if ok {
		exp = e.expireAt
	}
	sh.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if exp == 0 {
		return 0, true
	}
	now := s.now()
	if exp <= now {
		s.expireKey(sh, key)
		return 0, false
	}
	return time.Duration(exp - now), true
}

// Scan calls fn for every live key with the given prefix until fn returns
// false. Values are copies. Order is unspecified.
func (s *Store) Scan(prefix string, fn func(key string, val []byte) bool) {
	now := s.now()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		type kv struct {
			k string
			v []byte
		}
		var batch []kv
		for k, e := range sh.m {
			if strings.HasPrefix(k, prefix) && !e.expired(now) {
				batch = append(batch, kv{k, append([]byte(nil), e.val...)})
			}
		}
		sh.mu.RUnlock()
		for _, it := range batch {
			if !fn(it.k, it.v) {
				return
			}
		}
	}
}

// Stats is a point-in-time snapshot of the store counters.
type Stats struct {
	Keys    uint64
	Bytes   uint64
	Sets    uint64
	Hits    uint64
	Misses  uint64
	Dels    uint64
	Expired uint64
	Updates uint64
}

func (s *Store) Metrics() Stats {
	return Stats{
		Keys:    s.mKeys.Load(),
		Bytes:   s.mBytes.Load(),
		Sets:    s.mSets.Load(),
		Hits:    s.mHits.Load(),
		Misses:  s.mMisses.Load(),
		Dels:    s.mDels.Load(),
		Expired: s.mExpired.Load(),
		Updates: s.mUpdates.Load(),
	}
}

// Sweep removes every expired key now.
func (s *Store) Sweep() int {
	now := s.now()
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, e := range sh.m {
			if e.expired(now) {
				s.removeLocked(sh, k, e)
				n++
			}
		}
		sh.mu.Unlock()
	}
	s.mExpired.Add(uint64(n))
	return n
}

func (s *Store) sweeper() {
	defer s.wg.Done()
	t := s.clock.Ticker(s.opts.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Sweep()
		case <-s.closeCh:
			return
		}
	}
}
