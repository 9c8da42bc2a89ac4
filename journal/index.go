package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// Index keeps segment and keyframe metadata in a sqlite database so
// replay tooling can seek without scanning every file. All writes flow
// through a single goroutine; a full request channel drops the row,
// the segment files stay the source of truth.
type Index struct {
	db *sql.DB

	ch     chan indexReq
	wg     sync.WaitGroup
	once   sync.Once
	closed atomic.Bool

	dropped atomic.Uint64
}

type indexReqKind int

const (
	reqSegment indexReqKind = iota + 1
	reqKeyframe
)

type indexReq struct {
	kind     indexReqKind
	segment  SegmentInfo
	keyframe keyframeRow
}

type keyframeRow struct {
	Sequence   uint64
	Tick       uint64
	Path       string
	Bytes      int64
	RecordedAt string
}

// KeyframeInfo is one indexed keyframe.
type KeyframeInfo struct {
	Sequence uint64
	Tick     uint64
	Path     string
	Bytes    int64
}

// OpenIndex opens or creates the journal index database.
func OpenIndex(path string) (*Index, error) {
	if path == "" {
		return nil, fmt.Errorf("journal: empty index path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initIndexPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initIndexSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	x := &Index{
		db: db,
		ch: make(chan indexReq, 1024),
	}
	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		x.loop()
	}()
	return x, nil
}

func initIndexPragmas(db *sql.DB) error {
	// WAL suits the append-only write pattern.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initIndexSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS segments (
			seq INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			first_tick INTEGER NOT NULL,
			last_tick INTEGER NOT NULL,
			records INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			sealed_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_segments_ticks ON segments(first_tick, last_tick);`,
		`CREATE TABLE IF NOT EXISTS keyframes (
			sequence INTEGER PRIMARY KEY,
			tick INTEGER NOT NULL,
			path TEXT NOT NULL,
			bytes INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_keyframes_tick ON keyframes(tick);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains pending writes and closes the database.
func (x *Index) Close() error {
	var err error
	x.once.Do(func() {
		x.closed.Store(true)
		close(x.ch)
		x.wg.Wait()
		err = x.db.Close()
	})
	return err
}

func (x *Index) recordSegment(info SegmentInfo) {
	if x == nil || x.closed.Load() {
		return
	}
	select {
	case x.ch <- indexReq{kind: reqSegment, segment: info}:
	default:
		x.dropped.Add(1)
	}
}

func (x *Index) recordKeyframe(frame Keyframe, path string, size int64) {
	if x == nil || x.closed.Load() {
		return
	}
	r := keyframeRow{
		Sequence:   frame.Sequence,
		Tick:       frame.Tick,
		Path:       path,
		Bytes:      size,
		RecordedAt: frame.RecordedAt.UTC().Format(time.RFC3339Nano),
	}
	select {
	case x.ch <- indexReq{kind: reqKeyframe, keyframe: r}:
	default:
		x.dropped.Add(1)
	}
}

func (x *Index) loop() {
	insertSegment, _ := x.db.Prepare(`INSERT OR REPLACE INTO segments(seq,path,first_tick,last_tick,records,bytes,sealed_at) VALUES(?,?,?,?,?,?,?)`)
	insertKeyframe, _ := x.db.Prepare(`INSERT OR REPLACE INTO keyframes(sequence,tick,path,bytes,recorded_at) VALUES(?,?,?,?,?)`)
	defer func() {
		if insertSegment != nil {
			_ = insertSegment.Close()
		}
		if insertKeyframe != nil {
			_ = insertKeyframe.Close()
		}
	}()

	for r := range x.ch {
		switch r.kind {
		case reqSegment:
			if insertSegment == nil {
				continue
			}
			s := r.segment
			_, _ = insertSegment.Exec(
				s.Seq,
				s.Path,
				int64(s.FirstTick),
				int64(s.LastTick),
				int64(s.Records),
				s.Bytes,
				time.Now().UTC().Format(time.RFC3339Nano),
			)
		case reqKeyframe:
			if insertKeyframe == nil {
				continue
			}
			k := r.keyframe
			_, _ = insertKeyframe.Exec(
				int64(k.Sequence),
				int64(k.Tick),
				k.Path,
				k.Bytes,
				k.RecordedAt,
			)
		}
	}
}

// SegmentsInRange returns the sealed segments overlapping [from, to],
// ordered by sequence. to == 0 means no upper bound.
func (x *Index) SegmentsInRange(from, to uint64) ([]SegmentInfo, error) {
	if to == 0 {
		to = ^uint64(0)
	}
	rows, err := x.db.Query(
		`SELECT seq, path, first_tick, last_tick, records, bytes FROM segments
		 WHERE last_tick >= ? AND first_tick <= ? ORDER BY seq`,
		int64(from), int64(to),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SegmentInfo
	for rows.Next() {
		var (
			info                SegmentInfo
			firstTick, lastTick int64
			records             int64
		)
		if err := rows.Scan(&info.Seq, &info.Path, &firstTick, &lastTick, &records, &info.Bytes); err != nil {
			return nil, err
		}
		info.FirstTick = uint64(firstTick)
		info.LastTick = uint64(lastTick)
		info.Records = uint64(records)
		out = append(out, info)
	}
	return out, rows.Err()
}

// KeyframeAtOrBefore returns the newest indexed keyframe with
// tick <= the requested tick.
func (x *Index) KeyframeAtOrBefore(tick uint64) (KeyframeInfo, bool, error) {
	row := x.db.QueryRow(
		`SELECT sequence, tick, path, bytes FROM keyframes
		 WHERE tick <= ? ORDER BY tick DESC LIMIT 1`,
		int64(tick),
	)
	var (
		info             KeyframeInfo
		sequence, ktTick int64
	)
	err := row.Scan(&sequence, &ktTick, &info.Path, &info.Bytes)
	if err == sql.ErrNoRows {
		return KeyframeInfo{}, false, nil
	}
	if err != nil {
		return KeyframeInfo{}, false, err
	}
	info.Sequence = uint64(sequence)
	info.Tick = uint64(ktTick)
	return info, true, nil
}

// Dropped reports rows lost to a full request channel.
func (x *Index) Dropped() uint64 {
	return x.dropped.Load()
}
