package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "ra-node.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("RA_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AppName != "ra-node" || cfg.Router.Workers != 4 || cfg.Wire.Format != "cbor" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.Networks) != 1 || cfg.Networks[0].Address != cfg.NodeID {
		t.Fatalf("default network not normalized: %+v", cfg.Networks)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	p := writeConfig(t, `
node_id: alice
log:
  level: debug
networks:
  - id: IP
    transport: TCP
    listen: [":7000"]
    dial:
      - address: "127.0.0.1:7001"
        peer: bob
  - id: https
    transport: ws
    address: alice.example
router:
  workers: 8
  backoff_initial_ms: 10
  backoff_max_ms: 100
  terminal_retries: 2
  bytes_per_sec: 4096
delay:
  min_ms: 100
  max_ms: 500
wire:
  format: msgpack
`)
	t.Setenv("RA_ADMIN_LISTEN", ":9999")
	t.Setenv("RA_ROUTER_BURST", "8192")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NodeID != "alice" || cfg.Log.Level != "debug" {
		t.Fatalf("root fields: %+v", cfg)
	}
	if len(cfg.Networks) != 2 {
		t.Fatalf("networks: %+v", cfg.Networks)
	}
	ip := cfg.Networks[0]
	if ip.ID != "ip" || ip.Transport != "tcp" || ip.Address != "alice" || ip.Dial[0].Peer != "bob" {
		t.Fatalf("ip network: %+v", ip)
	}
	if ip.DialBackoffInitialMS != 500 {
		t.Fatalf("dial backoff default not applied: %d", ip.DialBackoffInitialMS)
	}
	if cfg.Networks[1].Address != "alice.example" {
		t.Fatalf("explicit address lost: %+v", cfg.Networks[1])
	}
	if cfg.Router.Workers != 8 || cfg.Router.TerminalRetries != 2 {
		t.Fatalf("router: %+v", cfg.Router)
	}
	if cfg.Router.BytesPerSec != 4096 || cfg.Router.Burst != 8192 {
		t.Fatalf("router shaping: %+v", cfg.Router)
	}
	if cfg.Delay.MinMS != 100 || cfg.Delay.MaxMS != 500 || cfg.Wire.Format != "msgpack" {
		t.Fatalf("delay/wire: %+v %+v", cfg.Delay, cfg.Wire)
	}
	if cfg.Admin.Listen != ":9999" {
		t.Fatalf("env override ignored: %q", cfg.Admin.Listen)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"log level":   "log:\n  level: loud\n",
		"transport":   "networks:\n  - id: ip\n    transport: smoke\n",
		"duplicate":   "networks:\n  - id: ip\n    transport: tcp\n  - id: ip\n    transport: udp\n",
		"delay":       "delay:\n  min_ms: 10\n  max_ms: 5\n",
		"wire format": "wire:\n  format: xml\n",
		"backoff":     "router:\n  backoff_initial_ms: 100\n  backoff_max_ms: 10\n",
		"shaping":     "router:\n  bytes_per_sec: -1\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
