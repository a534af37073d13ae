// Package memkv is a sharded, thread-safe in-memory key/value store with
// per-key TTL. The node keeps its soft state here: the peer table and the
// service directory. Values are copied on the way in and out.
//
// Expired keys disappear lazily on access and are swept periodically by a
// background goroutine driven by the store's clock.
package memkv
