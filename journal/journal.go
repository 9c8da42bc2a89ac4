// Package journal records wire traffic to disk for diagnosis and
// replay. Records append to zstd-compressed JSONL segments rotated by
// size; periodic keyframes capture a full world encode and live in a
// bounded in-memory ring besides their persisted files. A sqlite
// index maps ticks to files so replay tooling can seek.
package journal

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"outpost/netcode/internal/telemetry"
	"outpost/netcode/wire"
)

// Direction tells which way a journaled frame travelled.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Record is one journaled wire frame.
type Record struct {
	Tick    uint64       `json:"tick"`
	Dir     Direction    `json:"dir"`
	Conn    wire.ConnID  `json:"conn"`
	Channel wire.Channel `json:"channel"`
	TypeID  uint16       `json:"type_id"`
	Payload []byte       `json:"payload,omitempty"`
}

// Config sets the journal location and retention knobs.
type Config struct {
	Dir          string
	SegmentBytes int64
	KeyframeCap  int
	KeyframeAge  time.Duration
	Index        bool
}

func (c Config) withDefaults() Config {
	if c.SegmentBytes <= 0 {
		c.SegmentBytes = 4 << 20
	}
	if c.KeyframeCap == 0 {
		c.KeyframeCap = 32
	}
	if c.KeyframeAge == 0 {
		c.KeyframeAge = 10 * time.Minute
	}
	return c
}

// Journal owns a segment writer, the keyframe ring and the index.
// A nil Journal is a valid disabled journal: every method no-ops.
type Journal struct {
	cfg     Config
	logger  telemetry.Logger
	metrics telemetry.Metrics

	mu   sync.Mutex
	seg  *segmentWriter
	ring *keyframeRing
	idx  *Index
	seq  uint64
}

// Open creates the journal directory layout and starts the index.
func Open(cfg Config, logger telemetry.Logger, metrics telemetry.Metrics) (*Journal, error) {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	j := &Journal{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		ring:    newKeyframeRing(cfg.KeyframeCap, cfg.KeyframeAge),
	}
	if cfg.Index {
		idx, err := OpenIndex(filepath.Join(cfg.Dir, "index.db"))
		if err != nil {
			return nil, err
		}
		j.idx = idx
	}

	seg, err := newSegmentWriter(filepath.Join(cfg.Dir, "segments"), cfg.SegmentBytes, func(info SegmentInfo) {
		j.idx.recordSegment(info)
		metrics.Add("journal_segments_sealed", 1)
		if logger != nil {
			logger.Printf("[journal] sealed segment seq=%d ticks=%d..%d records=%d", info.Seq, info.FirstTick, info.LastTick, info.Records)
		}
	})
	if err != nil {
		if j.idx != nil {
			_ = j.idx.Close()
		}
		return nil, err
	}
	j.seg = seg
	return j, nil
}

// Append journals one wire frame.
func (j *Journal) Append(rec Record) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.seg == nil {
		return nil
	}
	if err := j.seg.append(rec); err != nil {
		return err
	}
	j.metrics.Add("journal_records", 1)
	return nil
}

// RecordKeyframe persists a full world encode and inserts it into the
// retention ring. The sequence is assigned here, monotonically.
func (j *Journal) RecordKeyframe(tick uint64, payload []byte) (KeyframeRecordResult, error) {
	if j == nil {
		return KeyframeRecordResult{}, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	frame := Keyframe{
		Tick:       tick,
		Sequence:   j.seq,
		Payload:    payload,
		RecordedAt: time.Now(),
	}

	path := keyframePath(j.cfg.Dir, frame.Sequence)
	if err := WriteKeyframe(path, frame); err != nil {
		return KeyframeRecordResult{}, err
	}
	size := int64(0)
	if st, err := os.Stat(path); err == nil {
		size = st.Size()
	}
	j.idx.recordKeyframe(frame, path, size)

	result := j.ring.record(frame)
	j.metrics.Add("journal_keyframes", 1)
	if n := len(result.Evicted); n > 0 {
		j.metrics.Add("journal_keyframe_evictions", uint64(n))
	}
	return result, nil
}

// Keyframes returns the retention ring contents in chronological order.
func (j *Journal) Keyframes() []Keyframe {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ring.all()
}

// KeyframeBySequence returns the ring keyframe with the given sequence.
func (j *Journal) KeyframeBySequence(sequence uint64) (Keyframe, bool) {
	if j == nil {
		return Keyframe{}, false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ring.bySequence(sequence)
}

// KeyframeWindow reports the ring size and its sequence bounds.
func (j *Journal) KeyframeWindow() (size int, oldest, newest uint64) {
	if j == nil {
		return 0, 0, 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ring.window()
}

// Close seals the open segment and shuts the index down.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	var err error
	if j.seg != nil {
		err = j.seg.close()
		j.seg = nil
	}
	if j.idx != nil {
		if cerr := j.idx.Close(); cerr != nil && err == nil {
			err = cerr
		}
		j.idx = nil
	}
	return err
}
