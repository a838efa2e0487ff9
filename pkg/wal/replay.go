package wal

import (
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"strata/pkg/errs"
	"strata/pkg/store"
	"strata/pkg/version"
)

// Replay applies every WAL record at a version strictly greater than
// watermark to st, in segment-number order, advancing alloc past every
// version it observes. It implements the recovery driver's WAL-tail
// step.
//
// Per-segment behavior on a bad record distinguishes two failure
// modes: a CRC failure or truncated frame is treated as a torn tail
// (the most recent write partially landed on disk before a crash),
// and recovery stops reading that segment (and does not read later
// segments) without surfacing an error. A record with a valid CRC but
// an unparseable payload is fatal: it means the data is wrong, not
// incomplete, and recovery aborts with a distinguishable error.
func Replay(dir string, dbUUID uuid.UUID, watermark version.Version, st *store.Store, alloc *version.Allocator, log zerolog.Logger) error {
	segments, err := allSegmentNumbers(dir)
	if err != nil {
		return err
	}

	for _, num := range segments {
		stop, err := replaySegment(dir, num, dbUUID, watermark, st, alloc, log)
		if err != nil {
			return err
		}
		if stop {
			log.Warn().Uint64("segment", num).Msg("WAL tail torn; stopping replay at this segment")
			break
		}
	}
	return nil
}

// replaySegment replays one segment file, returning stop=true if the
// tail was torn (callers must not continue to later segments).
func replaySegment(dir string, num uint64, dbUUID uuid.UUID, watermark version.Version, st *store.Store, alloc *version.Allocator, log zerolog.Logger) (bool, error) {
	path := segmentPath(dir, num)
	f, err := os.Open(path)
	if err != nil {
		return false, errs.Wrap(errs.Io, "open WAL segment for replay", err)
	}
	defer f.Close()

	if _, err := readSegmentHeader(f, dbUUID); err != nil {
		return false, err
	}

	for {
		rec, result, err := readRecord(f)
		switch result {
		case readEOF:
			return false, nil
		case readTornTail:
			return true, nil
		case readFatal:
			return false, errs.Wrap(errs.Serialization, "WAL record had a valid CRC but an unparseable payload", err)
		}

		recVersion := version.Version(rec.TxnID)
		if recVersion <= watermark {
			continue
		}
		st.ApplyBatchAt(rec.Writes, rec.Deletes, recVersion, rec.TimestampMicros)
		alloc.Observe(recVersion)
	}
}

func allSegmentNumbers(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.Io, "list WAL directory for replay", err)
	}
	var numbers []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, err := parseSegmentNumber(e.Name())
		if err != nil {
			continue
		}
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	return numbers, nil
}
