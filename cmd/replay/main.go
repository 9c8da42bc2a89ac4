// Command replay prints decoded wire traffic from a journal directory,
// seeking through the sqlite index when one is present.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"outpost/netcode/journal"
	"outpost/netcode/wire"
)

func main() {
	dir := flag.String("dir", "", "journal directory (required)")
	from := flag.Uint64("from", 0, "first tick to print")
	to := flag.Uint64("to", 0, "last tick to print (0 = unbounded)")
	conn := flag.Uint64("conn", 0, "only this connection (0 = all)")
	direction := flag.String("direction", "", `"in", "out" or empty for both`)
	flag.Parse()

	logger := log.New(os.Stderr, "[replay] ", 0)
	if *dir == "" {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(*dir, *from, *to, *conn, journal.Direction(*direction), logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

func run(dir string, from, to, conn uint64, direction journal.Direction, logger *log.Logger) error {
	paths, err := selectSegments(dir, from, to, logger)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		logger.Printf("no sealed segments under %s", dir)
		return nil
	}

	upper := to
	if upper == 0 {
		upper = ^uint64(0)
	}

	var scanned, printed uint64
	for _, path := range paths {
		err := journal.ReadSegment(path, func(rec journal.Record) error {
			scanned++
			if rec.Tick < from || rec.Tick > upper {
				return nil
			}
			if conn != 0 && uint64(rec.Conn) != conn {
				return nil
			}
			if direction != "" && rec.Dir != direction {
				return nil
			}
			printed++
			fmt.Printf("tick=%-8d %-3s conn=%-4d %-10s type=%-3d bytes=%d\n",
				rec.Tick, rec.Dir, rec.Conn, channelName(rec.Channel), rec.TypeID, len(rec.Payload))
			return nil
		})
		if err != nil {
			// The newest segment may still be open on a live server.
			logger.Printf("skipping %s: %v", filepath.Base(path), err)
		}
	}
	logger.Printf("printed %d of %d records", printed, scanned)
	return nil
}

// selectSegments prefers the sqlite index when the journal kept one and
// falls back to a directory scan otherwise.
func selectSegments(dir string, from, to uint64, logger *log.Logger) ([]string, error) {
	indexPath := filepath.Join(dir, "index.db")
	if _, err := os.Stat(indexPath); err == nil {
		idx, err := journal.OpenIndex(indexPath)
		if err != nil {
			return nil, fmt.Errorf("open index: %w", err)
		}
		defer idx.Close()

		if from > 0 {
			if kf, ok, err := idx.KeyframeAtOrBefore(from); err == nil && ok {
				logger.Printf("nearest keyframe: seq=%d tick=%d %s", kf.Sequence, kf.Tick, kf.Path)
			}
		}

		infos, err := idx.SegmentsInRange(from, to)
		if err != nil {
			return nil, err
		}
		paths := make([]string, len(infos))
		for i, info := range infos {
			paths[i] = info.Path
		}
		logger.Printf("index selected %d segment(s)", len(paths))
		return paths, nil
	}
	return journal.SegmentFiles(dir)
}

func channelName(ch wire.Channel) string {
	switch ch {
	case wire.Reliable:
		return "reliable"
	case wire.Unreliable:
		return "unreliable"
	case wire.Timing:
		return "timing"
	case wire.Transforms:
		return "transforms"
	default:
		return fmt.Sprintf("ch%d", ch)
	}
}
