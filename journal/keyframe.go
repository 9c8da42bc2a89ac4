package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Keyframe is a full encode of the replicated world at one tick. The
// payload is opaque to the journal; the engine owning the journal
// decides the encoding.
type Keyframe struct {
	Tick       uint64    `json:"tick"`
	Sequence   uint64    `json:"sequence"`
	Payload    []byte    `json:"payload"`
	RecordedAt time.Time `json:"recorded_at"`
}

// KeyframeEviction explains why a keyframe left the ring.
type KeyframeEviction struct {
	Sequence uint64
	Tick     uint64
	Reason   string
}

// KeyframeRecordResult reports the ring after an insert.
type KeyframeRecordResult struct {
	Size           int
	OldestSequence uint64
	NewestSequence uint64
	Evicted        []KeyframeEviction
}

// keyframeRing keeps recent keyframes in chronological order, bounded
// by count and age. Retention never touches the persisted files; it
// only limits what stays addressable in memory.
type keyframeRing struct {
	frames    []Keyframe
	maxFrames int
	maxAge    time.Duration
}

func newKeyframeRing(maxFrames int, maxAge time.Duration) *keyframeRing {
	if maxFrames < 0 {
		maxFrames = 0
	}
	if maxAge < 0 {
		maxAge = 0
	}
	return &keyframeRing{
		frames:    make([]Keyframe, 0, maxFrames),
		maxFrames: maxFrames,
		maxAge:    maxAge,
	}
}

func (r *keyframeRing) record(frame Keyframe) KeyframeRecordResult {
	if r.maxFrames == 0 {
		r.frames = r.frames[:0]
		return KeyframeRecordResult{}
	}

	r.frames = append(r.frames, frame)

	evicted := make([]KeyframeEviction, 0)
	if r.maxAge > 0 {
		cutoff := frame.RecordedAt.Add(-r.maxAge)
		idx := 0
		for idx < len(r.frames) {
			if !r.frames[idx].RecordedAt.Before(cutoff) {
				break
			}
			evicted = append(evicted, KeyframeEviction{
				Sequence: r.frames[idx].Sequence,
				Tick:     r.frames[idx].Tick,
				Reason:   "expired",
			})
			idx++
		}
		if idx > 0 {
			copy(r.frames, r.frames[idx:])
			r.frames = r.frames[:len(r.frames)-idx]
		}
	}

	if len(r.frames) > r.maxFrames {
		overflow := len(r.frames) - r.maxFrames
		for i := 0; i < overflow; i++ {
			evicted = append(evicted, KeyframeEviction{
				Sequence: r.frames[i].Sequence,
				Tick:     r.frames[i].Tick,
				Reason:   "count",
			})
		}
		copy(r.frames, r.frames[overflow:])
		r.frames = r.frames[:len(r.frames)-overflow]
	}

	size := len(r.frames)
	result := KeyframeRecordResult{Size: size, Evicted: evicted}
	if size > 0 {
		result.OldestSequence = r.frames[0].Sequence
		result.NewestSequence = r.frames[size-1].Sequence
	}
	return result
}

func (r *keyframeRing) all() []Keyframe {
	if len(r.frames) == 0 {
		return nil
	}
	frames := make([]Keyframe, len(r.frames))
	copy(frames, r.frames)
	return frames
}

func (r *keyframeRing) bySequence(sequence uint64) (Keyframe, bool) {
	if sequence == 0 {
		return Keyframe{}, false
	}
	for _, frame := range r.frames {
		if frame.Sequence == sequence {
			return frame, true
		}
	}
	return Keyframe{}, false
}

func (r *keyframeRing) window() (size int, oldest, newest uint64) {
	size = len(r.frames)
	if size == 0 {
		return size, 0, 0
	}
	return size, r.frames[0].Sequence, r.frames[size-1].Sequence
}

func keyframePath(dir string, sequence uint64) string {
	return filepath.Join(dir, "keyframes", fmt.Sprintf("keyframe-%08d.json.zst", sequence))
}

// WriteKeyframe persists one keyframe as a compressed JSON document.
func WriteKeyframe(path string, frame Keyframe) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 64*1024)
	defer bw.Flush()
	return json.NewEncoder(bw).Encode(&frame)
}

// ReadKeyframe loads a keyframe persisted by WriteKeyframe.
func ReadKeyframe(path string) (Keyframe, error) {
	var frame Keyframe
	f, err := os.Open(path)
	if err != nil {
		return frame, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return frame, err
	}
	defer dec.Close()

	if err := json.NewDecoder(bufio.NewReader(dec)).Decode(&frame); err != nil {
		return frame, err
	}
	return frame, nil
}
