package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.TimeoutMS != 30000 || cfg.MaxPacketSize != 230 || cfg.ProgressIntervalMS != 5000 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Identifier() != 0xFF {
		t.Fatalf("default identifier %#02x", cfg.Identifier())
	}
	if cfg.Timeout() != 30*time.Second {
		t.Fatalf("timeout duration %v", cfg.Timeout())
	}
}

func TestLoadOverlaysDefinedKeysOnly(t *testing.T) {
	path := writeConfig(t, `
timeout_ms = 10000
packet_identifier = 126
node_id = "!0000a1b2"
peers = ["10.0.0.2:7300", "10.0.0.3:7300"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TimeoutMS != 10000 {
		t.Fatalf("timeout_ms not applied: %d", cfg.TimeoutMS)
	}
	if cfg.Identifier() != 126 {
		t.Fatalf("packet_identifier not applied: %d", cfg.Identifier())
	}
	// Untouched keys keep their defaults.
	if cfg.MaxPacketSize != 230 || cfg.ProgressIntervalMS != 5000 || cfg.DataPort != 301 {
		t.Fatalf("defaults clobbered: %+v", cfg)
	}
	if len(cfg.Peers) != 2 {
		t.Fatalf("peers not applied: %v", cfg.Peers)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"tiny packet", "max_packet_size = 5"},
		{"rx buffer too small", "rx_buffer_size = 100"},
		{"tx buffer too small", "tx_buffer_size = 100"},
		{"identifier range", "packet_identifier = 300"},
		{"port collision", "command_port = 301"},
		{"zero timeout", "timeout_ms = 0"},
		{"negative progress", "progress_interval_ms = -1"},
		{"bad node id", `node_id = "notahexid"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Fatalf("invalid config accepted")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("missing file accepted")
	}
}

func TestProgressIntervalZeroDisables(t *testing.T) {
	cfg, err := Load(writeConfig(t, "progress_interval_ms = 0"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ProgressInterval() != 0 {
		t.Fatalf("progress interval %v, want 0", cfg.ProgressInterval())
	}
}

func TestParseNodeID(t *testing.T) {
	cases := []struct {
		in   string
		want uint32
		ok   bool
	}{
		{"!0000a1b2", 0x0000A1B2, true},
		{"0000a1b2", 0x0000A1B2, true},
		{"DEADBEEF", 0xDEADBEEF, true},
		{" !deadbeef ", 0xDEADBEEF, true},
		{"beef", 0, false},
		{"!zzzzzzzz", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseNodeID(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("ParseNodeID(%q) = %#x, %v", tc.in, got, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("ParseNodeID(%q) accepted", tc.in)
		}
	}
}

func TestFormatNodeID(t *testing.T) {
	if got := FormatNodeID(0xDEADBEEF); got != "!deadbeef" {
		t.Fatalf("FormatNodeID = %q", got)
	}
	id, err := ParseNodeID(FormatNodeID(0x12345678))
	if err != nil || id != 0x12345678 {
		t.Fatalf("round trip = %#x, %v", id, err)
	}
}
