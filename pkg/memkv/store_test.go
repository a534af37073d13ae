package memkv

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newMockStore(t *testing.T, opts Options) (*Store, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	opts.Clock = mock
	s := New(opts)
	t.Cleanup(s.Close)
	return s, mock
}

func TestSetGetCopies(t *testing.T) {
	s, _ := newMockStore(t, Options{})

	in := []byte("abc")
	if !s.Set("k1", in, 0) {
		t.Fatalf("Set refused")
	}
	in[0] = 'X'
	v, ok := s.Get("k1")
	if !ok || string(v) != "abc" {
		t.Fatalf("Get after caller mutation: ok=%v v=%q", ok, v)
	}
	v[0] = 'Y'
	v2, _ := s.Get("k1")
	if string(v2) != "abc" {
		t.Fatalf("Get returned shared buffer: %q", v2)
	}
}

func TestTTLExpiry(t *testing.T) {
	s, mock := newMockStore(t, Options{SweepEvery: time.Hour})

	s.Set("k", []byte("v"), 100*time.Millisecond)
	if ttl, ok := s.TTL("k"); !ok || ttl != 100*time.Millisecond {
		t.Fatalf("TTL=%v ok=%v", ttl, ok)
	}
	mock.Add(99 * time.Millisecond)
	if !s.Exists("k") {
		t.Fatalf("expired early")
	}
	mock.Add(time.Millisecond)
	if s.Exists("k") {
		t.Fatalf("still live after TTL")
	}
	if st := s.Metrics(); st.Keys != 0 || st.Expired != 1 || st.Bytes != 0 {
		t.Fatalf("stats after lazy expiry: %+v", st)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	s, mock := newMockStore(t, Options{SweepEvery: time.Hour})
	s.Set("a", []byte("1"), time.Second)
	s.Set("b", []byte("2"), time.Second)
	s.Set("c", []byte("3"), 0)

	mock.Add(2 * time.Second)
	if n := s.Sweep(); n != 2 {
		t.Fatalf("Sweep removed %d, want 2", n)
	}
	if st := s.Metrics(); st.Keys != 1 {
		t.Fatalf("keys=%d want 1", st.Keys)
	}
}

func TestExpireAndPersist(t *testing.T) {
	s, mock := newMockStore(t, Options{})
	s.Set("k", []byte("v"), 0)
	if ttl, ok := s.TTL("k"); !ok || ttl != 0 {
		t.Fatalf("persistent key TTL=%v ok=%v", ttl, ok)
	}
	if !s.Expire("k", time.Second) {
		t.Fatalf("Expire failed")
	}
	mock.Add(time.Second)
	if _, ok := s.Get("k"); ok {
		t.Fatalf("key survived Expire")
	}
	s.Set("k", []byte("v"), 0)
	if !s.Expire("k", 0) || s.Exists("k") {
		t.Fatalf("Expire(0) should delete")
	}
}

func TestUpdateUpsertGetDel(t *testing.T) {
	s, _ := newMockStore(t, Options{})
	if s.Update("n", func(old []byte) []byte { return old }) {
		t.Fatalf("Update on missing key succeeded")
	}
	inc := func(old []byte) []byte { return append(old, '+') }
	s.Upsert("n", 0, inc)
	s.Upsert("n", 0, inc)
	v, ok := s.GetDel("n")
	if !ok || string(v) != "++" {
		t.Fatalf("GetDel=%q ok=%v", v, ok)
	}
	if s.Exists("n") {
		t.Fatalf("key present after GetDel")
	}
	if st := s.Metrics(); st.Updates != 1 || st.Sets != 1 {
		t.Fatalf("counters: %+v", st)
	}
}

func TestMaxBytes(t *testing.T) {
	s, _ := newMockStore(t, Options{MaxBytes: 8})
	if !s.Set("a", []byte("12345"), 0) {
		t.Fatalf("first Set refused")
	}
	if s.Set("b", []byte("12345"), 0) {
		t.Fatalf("Set over the cap accepted")
	}
	// shrinking an existing key frees room
	if !s.Set("a", []byte("1"), 0) || !s.Set("b", []byte("1234567"), 0) {
		t.Fatalf("Set after shrink refused")
	}
	if got := s.Metrics().Bytes; got != 8 {
		t.Fatalf("bytes=%d want 8", got)
	}
	s.Delete("b")
	if got := s.Metrics().Bytes; got != 1 {
		t.Fatalf("bytes after delete=%d want 1", got)
	}
}

func TestScanPrefix(t *testing.T) {
	s, mock := newMockStore(t, Options{Shards: 4})
	s.Set("peer/a", []byte("1"), 0)
	s.Set("peer/b", []byte("2"), time.Second)
	s.Set("svc/x", []byte("3"), 0)
	mock.Add(2 * time.Second)

	got := map[string]string{}
	s.Scan("peer/", func(k string, v []byte) bool {
		got[k] = string(v)
		return true
	})
	if len(got) != 1 || got["peer/a"] != "1" {
		t.Fatalf("Scan=%v", got)
	}

	n := 0
	s.Set("peer/c", []byte("4"), 0)
	s.Scan("peer/", func(string, []byte) bool { n++; return false })
	if n != 1 {
		t.Fatalf("Scan did not stop: %d", n)
	}
}
