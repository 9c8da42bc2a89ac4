package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"
)

// SegmentInfo describes one sealed segment file.
type SegmentInfo struct {
	Seq       int
	Path      string
	FirstTick uint64
	LastTick  uint64
	Records   uint64
	Bytes     int64
}

// segmentWriter appends JSONL records into zstd-compressed segment files
// and rotates to a fresh file once the uncompressed payload passes
// maxBytes. Sealed segments are reported through onSeal.
type segmentWriter struct {
	dir      string
	maxBytes int64
	onSeal   func(SegmentInfo)

	seq       int
	written   int64
	records   uint64
	firstTick uint64
	lastTick  uint64
	path      string
	f         *os.File
	enc       *zstd.Encoder
	w         *bufio.Writer
}

func newSegmentWriter(dir string, maxBytes int64, onSeal func(SegmentInfo)) (*segmentWriter, error) {
	if maxBytes <= 0 {
		maxBytes = 4 << 20
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &segmentWriter{dir: dir, maxBytes: maxBytes, onSeal: onSeal}, nil
}

func (s *segmentWriter) append(rec Record) error {
	if s.f == nil {
		if err := s.open(); err != nil {
			return err
		}
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	if s.records == 0 || rec.Tick < s.firstTick {
		s.firstTick = rec.Tick
	}
	if rec.Tick > s.lastTick {
		s.lastTick = rec.Tick
	}
	s.records++
	s.written += int64(len(b)) + 1
	if s.written >= s.maxBytes {
		return s.seal()
	}
	return nil
}

func (s *segmentWriter) open() error {
	s.seq++
	s.path = filepath.Join(s.dir, fmt.Sprintf("wire-%06d.jsonl.zst", s.seq))
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	s.f = f
	s.enc = enc
	s.w = bufio.NewWriterSize(enc, 128*1024)
	s.written = 0
	s.records = 0
	s.firstTick = 0
	s.lastTick = 0
	return nil
}

// seal flushes and closes the current segment and reports it.
func (s *segmentWriter) seal() error {
	if s.f == nil {
		return nil
	}
	var err error
	if ferr := s.w.Flush(); ferr != nil {
		err = ferr
	}
	if cerr := s.enc.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := s.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	info := SegmentInfo{
		Seq:       s.seq,
		Path:      s.path,
		FirstTick: s.firstTick,
		LastTick:  s.lastTick,
		Records:   s.records,
		Bytes:     s.written,
	}
	s.f = nil
	s.enc = nil
	s.w = nil
	if err == nil && s.onSeal != nil && info.Records > 0 {
		s.onSeal(info)
	}
	return err
}

func (s *segmentWriter) close() error {
	return s.seal()
}

// SegmentFiles lists the segment files under a journal directory in
// write order, for replay without an index.
func SegmentFiles(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "segments", "wire-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// ReadSegment decodes every record in a segment file in append order.
// The callback returning an error stops the scan and surfaces it.
func ReadSegment(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("journal: corrupt record in %s: %w", path, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return sc.Err()
}
