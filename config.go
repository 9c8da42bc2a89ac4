package netcode

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"outpost/netcode/internal/telemetry"
	"outpost/netcode/internal/transport/ws"
	"outpost/netcode/journal"
	"outpost/netcode/transform"
)

//go:generate go run ./cmd/schema -out docs/config.schema.json

// Config tunes one engine, server or client side. Durations are plain
// millisecond integers so the file stays hand-editable.
type Config struct {
	// Addr is the listen address for the server binary.
	Addr string `yaml:"addr" json:"addr"`
	// TickRate is the fixed simulation rate in ticks per second.
	TickRate int `yaml:"tick_rate" json:"tick_rate"`
	// CatchupMaxTicks clamps how far a stalled loop advances in one step.
	CatchupMaxTicks int `yaml:"catchup_max_ticks" json:"catchup_max_ticks"`
	// PingIntervalMs spaces the timing pings per connection.
	PingIntervalMs int `yaml:"ping_interval_ms" json:"ping_interval_ms"`

	Transport  TransportConfig  `yaml:"transport" json:"transport"`
	Transform  TransformConfig  `yaml:"transform" json:"transform"`
	Visibility VisibilityConfig `yaml:"visibility" json:"visibility"`
	Journal    JournalConfig    `yaml:"journal" json:"journal"`
}

// TransportConfig mirrors the websocket endpoint knobs.
type TransportConfig struct {
	MaxPending         int   `yaml:"max_pending" json:"max_pending"`
	IntakeCapacity     int   `yaml:"intake_capacity" json:"intake_capacity"`
	HandshakeTimeoutMs int   `yaml:"handshake_timeout_ms" json:"handshake_timeout_ms"`
	IdleTimeoutMs      int   `yaml:"idle_timeout_ms" json:"idle_timeout_ms"`
	WriteTimeoutMs     int   `yaml:"write_timeout_ms" json:"write_timeout_ms"`
	MaxFrameBytes      int64 `yaml:"max_frame_bytes" json:"max_frame_bytes"`
}

// TransformConfig tunes the transform replication protocol.
type TransformConfig struct {
	PosThreshold      float64 `yaml:"pos_threshold" json:"pos_threshold"`
	RotThreshold      float64 `yaml:"rot_threshold" json:"rot_threshold"`
	UpdateHz          int     `yaml:"update_hz" json:"update_hz"`
	RetransmitFactor  float64 `yaml:"retransmit_factor" json:"retransmit_factor"`
	RetransmitFloorMs int     `yaml:"retransmit_floor_ms" json:"retransmit_floor_ms"`
	StillAfterMs      int     `yaml:"still_after_ms" json:"still_after_ms"`
	PendingCap        int     `yaml:"pending_cap" json:"pending_cap"`
	HistoryDepth      int     `yaml:"history_depth" json:"history_depth"`
}

// VisibilityConfig tunes the interest grid.
type VisibilityConfig struct {
	CellSize   float64 `yaml:"cell_size" json:"cell_size"`
	RangeCells int     `yaml:"range_cells" json:"range_cells"`
}

// JournalConfig tunes the wire journal. Disabled unless Enabled is set.
type JournalConfig struct {
	Enabled            bool   `yaml:"enabled" json:"enabled"`
	Dir                string `yaml:"dir" json:"dir"`
	SegmentBytes       int64  `yaml:"segment_bytes" json:"segment_bytes"`
	KeyframeEveryTicks int    `yaml:"keyframe_every_ticks" json:"keyframe_every_ticks"`
	KeyframeCap        int    `yaml:"keyframe_cap" json:"keyframe_cap"`
	KeyframeAgeSec     int    `yaml:"keyframe_age_sec" json:"keyframe_age_sec"`
	Index              bool   `yaml:"index" json:"index"`
}

// DefaultConfig returns the tuning used when no file overrides it.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8090",
		TickRate:        30,
		CatchupMaxTicks: 4,
		PingIntervalMs:  200,
		Transport: TransportConfig{
			MaxPending:         256,
			IntakeCapacity:     4096,
			HandshakeTimeoutMs: 5000,
			IdleTimeoutMs:      60000,
			WriteTimeoutMs:     5000,
			MaxFrameBytes:      256 << 10,
		},
		Transform: TransformConfig{
			PosThreshold:      0.01,
			RotThreshold:      0.01,
			UpdateHz:          30,
			RetransmitFactor:  2.0,
			RetransmitFloorMs: 200,
			StillAfterMs:      1000,
			PendingCap:        150,
			HistoryDepth:      30,
		},
		Visibility: VisibilityConfig{
			CellSize:   8,
			RangeCells: 3,
		},
		Journal: JournalConfig{
			SegmentBytes:       4 << 20,
			KeyframeEveryTicks: 600,
			KeyframeCap:        32,
			KeyframeAgeSec:     600,
			Index:              true,
		},
	}
}

// Load reads a config file over the defaults. An empty path returns the
// defaults; env overrides apply either way.
func Load(path string, logger telemetry.Logger) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("netcode config: %w", err)
		}
	}
	cfg.ApplyEnv(logger)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("netcode config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv folds NETCODE_* environment overrides into the config.
// Malformed values are logged and skipped.
func (c *Config) ApplyEnv(logger telemetry.Logger) {
	if raw := os.Getenv("NETCODE_ADDR"); raw != "" {
		c.Addr = raw
	}
	if raw := os.Getenv("NETCODE_TICK_RATE"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil {
			c.TickRate = value
		} else if logger != nil {
			logger.Printf("invalid NETCODE_TICK_RATE=%q: %v", raw, err)
		}
	}
	if raw := os.Getenv("NETCODE_JOURNAL_DIR"); raw != "" {
		c.Journal.Enabled = true
		c.Journal.Dir = raw
	}
	if raw := os.Getenv("NETCODE_JOURNAL_KEYFRAME_TICKS"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil {
			c.Journal.KeyframeEveryTicks = value
		} else if logger != nil {
			logger.Printf("invalid NETCODE_JOURNAL_KEYFRAME_TICKS=%q: %v", raw, err)
		}
	}
}

// Validate rejects configs the engine cannot run with.
func (c Config) Validate() error {
	if c.TickRate <= 0 {
		return fmt.Errorf("tick_rate must be > 0")
	}
	if c.TickRate > 240 {
		return fmt.Errorf("tick_rate %d is implausibly high", c.TickRate)
	}
	if c.CatchupMaxTicks < 1 {
		return fmt.Errorf("catchup_max_ticks must be >= 1")
	}
	if c.PingIntervalMs <= 0 {
		return fmt.Errorf("ping_interval_ms must be > 0")
	}
	if c.Transport.MaxPending <= 0 {
		return fmt.Errorf("transport.max_pending must be > 0")
	}
	if c.Transport.IntakeCapacity <= 0 {
		return fmt.Errorf("transport.intake_capacity must be > 0")
	}
	if c.Transform.PosThreshold <= 0 || c.Transform.RotThreshold <= 0 {
		return fmt.Errorf("transform thresholds must be > 0")
	}
	if c.Transform.UpdateHz <= 0 {
		return fmt.Errorf("transform.update_hz must be > 0")
	}
	if c.Visibility.CellSize <= 0 {
		return fmt.Errorf("visibility.cell_size must be > 0")
	}
	if c.Visibility.RangeCells < 0 {
		return fmt.Errorf("visibility.range_cells must be >= 0")
	}
	if c.Journal.Enabled && c.Journal.Dir == "" {
		return fmt.Errorf("journal.dir required when journal.enabled")
	}
	return nil
}

// TickDuration is the wall-clock budget of one tick.
func (c Config) TickDuration() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

// PingInterval converts the millisecond knob.
func (c Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMs) * time.Millisecond
}

func (c Config) wsConfig() ws.Config {
	return ws.Config{
		MaxPending:       c.Transport.MaxPending,
		IntakeCapacity:   c.Transport.IntakeCapacity,
		HandshakeTimeout: time.Duration(c.Transport.HandshakeTimeoutMs) * time.Millisecond,
		IdleTimeout:      time.Duration(c.Transport.IdleTimeoutMs) * time.Millisecond,
		WriteTimeout:     time.Duration(c.Transport.WriteTimeoutMs) * time.Millisecond,
		MaxFrameBytes:    c.Transport.MaxFrameBytes,
	}
}

func (c Config) senderConfig() transform.SenderConfig {
	cfg := transform.DefaultSenderConfig()
	cfg.PosThreshold = c.Transform.PosThreshold
	cfg.RotThreshold = c.Transform.RotThreshold
	if c.Transform.UpdateHz > 0 {
		cfg.UpdateInterval = time.Second / time.Duration(c.Transform.UpdateHz)
	}
	cfg.RetransmitFactor = c.Transform.RetransmitFactor
	cfg.RetransmitFloor = time.Duration(c.Transform.RetransmitFloorMs) * time.Millisecond
	cfg.StillAfter = time.Duration(c.Transform.StillAfterMs) * time.Millisecond
	return cfg
}

func (c Config) receiverConfig() transform.ReceiverConfig {
	return transform.ReceiverConfig{
		PendingCap:   c.Transform.PendingCap,
		HistoryDepth: c.Transform.HistoryDepth,
	}
}

// JournalSettings converts the journal block for journal.Open.
func (c Config) JournalSettings() journal.Config {
	return journal.Config{
		Dir:          c.Journal.Dir,
		SegmentBytes: c.Journal.SegmentBytes,
		KeyframeCap:  c.Journal.KeyframeCap,
		KeyframeAge:  time.Duration(c.Journal.KeyframeAgeSec) * time.Second,
		Index:        c.Journal.Index,
	}
}
