// Package config loads and validates the node configuration from TOML.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config carries every tunable a node recognizes. Load starts from Default
// and overlays only the keys the file defines; a key set explicitly to
// zero keeps that zero and is then checked by Validate.
type Config struct {
	// Transfer tunables.
	TimeoutMS          int64 `toml:"timeout_ms"`
	MaxPacketSize      int   `toml:"max_packet_size"`
	ProgressIntervalMS int64 `toml:"progress_interval_ms"`
	PacketIdentifier   int   `toml:"packet_identifier"`
	RxBufferSize       int   `toml:"rx_buffer_size"`
	TxBufferSize       int   `toml:"tx_buffer_size"`
	MaxRetries         int   `toml:"max_retries"`

	// Reserved mesh ports.
	CommandPort uint32 `toml:"command_port"`
	DataPort    uint32 `toml:"data_port"`

	// Daemon settings.
	NodeID string   `toml:"node_id"`
	Listen string   `toml:"listen"`
	Peers  []string `toml:"peers"`
}

// Default returns the configuration tuned for a LoRa-class mesh.
func Default() Config {
	return Config{
		TimeoutMS:          30000,
		MaxPacketSize:      230,
		ProgressIntervalMS: 5000,
		PacketIdentifier:   0xFF,
		RxBufferSize:       256,
		TxBufferSize:       256,
		MaxRetries:         20,
		CommandPort:        300,
		DataPort:           301,
		Listen:             ":7300",
	}
}

// Load reads path and overlays the keys it defines onto the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw Config
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("timeout_ms") {
		cfg.TimeoutMS = raw.TimeoutMS
	}
	if meta.IsDefined("max_packet_size") {
		cfg.MaxPacketSize = raw.MaxPacketSize
	}
	if meta.IsDefined("progress_interval_ms") {
		cfg.ProgressIntervalMS = raw.ProgressIntervalMS
	}
	if meta.IsDefined("packet_identifier") {
		cfg.PacketIdentifier = raw.PacketIdentifier
	}
	if meta.IsDefined("rx_buffer_size") {
		cfg.RxBufferSize = raw.RxBufferSize
	}
	if meta.IsDefined("tx_buffer_size") {
		cfg.TxBufferSize = raw.TxBufferSize
	}
	if meta.IsDefined("max_retries") {
		cfg.MaxRetries = raw.MaxRetries
	}
	if meta.IsDefined("command_port") {
		cfg.CommandPort = raw.CommandPort
	}
	if meta.IsDefined("data_port") {
		cfg.DataPort = raw.DataPort
	}
	if meta.IsDefined("node_id") {
		cfg.NodeID = strings.TrimSpace(raw.NodeID)
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("peers") {
		cfg.Peers = raw.Peers
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the shim cannot operate with.
func (c Config) Validate() error {
	if c.TimeoutMS <= 0 {
		return fmt.Errorf("timeout_ms must be positive, got %d", c.TimeoutMS)
	}
	if c.MaxPacketSize < 10 {
		return fmt.Errorf("max_packet_size must be at least 10, got %d", c.MaxPacketSize)
	}
	if c.ProgressIntervalMS < 0 {
		return fmt.Errorf("progress_interval_ms must not be negative, got %d", c.ProgressIntervalMS)
	}
	if c.PacketIdentifier < 0 || c.PacketIdentifier > 0xFF {
		return fmt.Errorf("packet_identifier must be a byte value, got %d", c.PacketIdentifier)
	}
	if c.RxBufferSize < c.MaxPacketSize {
		return fmt.Errorf("rx_buffer_size %d smaller than max_packet_size %d", c.RxBufferSize, c.MaxPacketSize)
	}
	if c.TxBufferSize < c.MaxPacketSize {
		return fmt.Errorf("tx_buffer_size %d smaller than max_packet_size %d", c.TxBufferSize, c.MaxPacketSize)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive, got %d", c.MaxRetries)
	}
	if c.CommandPort == c.DataPort {
		return fmt.Errorf("command_port and data_port must differ, both %d", c.CommandPort)
	}
	if c.NodeID != "" {
		if _, err := ParseNodeID(c.NodeID); err != nil {
			return err
		}
	}
	return nil
}

// Timeout returns the inactivity timeout as a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// ProgressInterval returns the progress logging cadence; 0 disables it.
func (c Config) ProgressInterval() time.Duration {
	return time.Duration(c.ProgressIntervalMS) * time.Millisecond
}

// Identifier returns the datagram discriminator byte.
func (c Config) Identifier() byte { return byte(c.PacketIdentifier) }

// ParseNodeID decodes an 8-hex-digit node id, with or without the
// conventional leading '!'.
func ParseNodeID(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "!")
	if len(s) != 8 {
		return 0, fmt.Errorf("node id must be 8 hex digits, got %q", s)
	}
	id, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("node id %q: %w", s, err)
	}
	return uint32(id), nil
}

// FormatNodeID renders a node id in the conventional !xxxxxxxx form.
func FormatNodeID(id uint32) string {
	return fmt.Sprintf("!%08x", id)
}
