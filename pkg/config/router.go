package config

import (
	"fmt"
	"strings"
)

// RouterConfig tunes the dispatcher and its retry policy.
type RouterConfig struct {
	Workers          int `mapstructure:"workers"`
	BackoffInitialMS int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMS     int `mapstructure:"backoff_max_ms"`
	// MaxAttempts caps holds per hop; 0 retries forever.
	MaxAttempts int `mapstructure:"max_attempts"`
	// TerminalRetries is how many holds a refusing endpoint gets before the
	// envelope fails.
	TerminalRetries int `mapstructure:"terminal_retries"`
	InboxSize       int `mapstructure:"inbox_size"`
	DedupSize       int `mapstructure:"dedup_size"`
	// BytesPerSec and Burst shape each next-hop destination in the
	// dispatcher; zero disables shaping.
	BytesPerSec int `mapstructure:"bytes_per_sec"`
	Burst       int `mapstructure:"burst"`
}

func (r *RouterConfig) validate() error {
	if r.Workers <= 0 {
		r.Workers = 1
	}
	if r.BackoffInitialMS <= 0 || r.BackoffMaxMS < r.BackoffInitialMS {
		return fmt.Errorf("router: invalid backoff %d..%dms", r.BackoffInitialMS, r.BackoffMaxMS)
	}
	if r.MaxAttempts < 0 || r.TerminalRetries < 0 {
		return fmt.Errorf("router: attempts must not be negative")
	}
	if r.BytesPerSec < 0 || r.Burst < 0 {
		return fmt.Errorf("router: shaping must not be negative")
	}
	if r.InboxSize <= 0 {
		r.InboxSize = 1024
	}
	return nil
}

// DelayConfig is the jitter window stamped on envelopes produced by this
// node when the producer sets none.
type DelayConfig struct {
	MinMS uint64 `mapstructure:"min_ms"`
	MaxMS uint64 `mapstructure:"max_ms"`
}

func (d DelayConfig) validate() error {
	if d.MinMS > d.MaxMS {
		return fmt.Errorf("delay: min_ms %d exceeds max_ms %d", d.MinMS, d.MaxMS)
	}
	return nil
}

// WireConfig selects the body format and compression of outgoing frames.
type WireConfig struct {
	// Format: cbor, json, proto, msgpack.
	Format        string `mapstructure:"format"`
	CompressAbove int    `mapstructure:"compress_above"`
	MaxBodyBytes  int    `mapstructure:"max_body_bytes"`
}

func (w *WireConfig) validate() error {
	w.Format = strings.ToLower(strings.TrimSpace(w.Format))
	switch w.Format {
	case "", "cbor", "json", "proto", "msgpack":
	default:
		return fmt.Errorf("wire: unknown format %q", w.Format)
	}
	if w.MaxBodyBytes <= 0 {
		w.MaxBodyBytes = 16 << 20
	}
	return nil
}

// AdminConfig controls the HTTP admin listener; an empty Listen disables it.
type AdminConfig struct {
	Listen string `mapstructure:"listen"`
}
