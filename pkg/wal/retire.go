package wal

import (
	"os"

	"github.com/google/uuid"

	"strata/pkg/errs"
	"strata/pkg/version"
)

// Retire deletes every non-active WAL segment under dir whose records
// are all at versions <= watermark, which a checkpoint at that
// watermark has made redundant. activeSegment is never considered,
// even if empty or fully covered, since the writer may still be
// appending to it.
// Segment numbers are scanned in ascending order and retirement stops
// at the first segment that is not fully covered, since versions only
// increase across segments written in order.
func Retire(dir string, dbUUID uuid.UUID, watermark version.Version, activeSegment uint64) (int, error) {
	numbers, err := allSegmentNumbers(dir)
	if err != nil {
		return 0, err
	}

	retired := 0
	for _, num := range numbers {
		if num >= activeSegment {
			break
		}
		covered, err := segmentFullyCovered(dir, num, dbUUID, watermark)
		if err != nil {
			return retired, err
		}
		if !covered {
			break
		}
		if err := os.Remove(segmentPath(dir, num)); err != nil {
			return retired, errs.Wrap(errs.Io, "retire WAL segment", err)
		}
		retired++
	}
	return retired, nil
}

// segmentFullyCovered reports whether every valid record in segment num
// is at a version <= watermark. A torn tail still counts as covered up
// to the point it was read; a fatal parse error propagates, since a
// segment we're about to delete must first be proven safe to discard.
func segmentFullyCovered(dir string, num uint64, dbUUID uuid.UUID, watermark version.Version) (bool, error) {
	path := segmentPath(dir, num)
	f, err := os.Open(path)
	if err != nil {
		return false, errs.Wrap(errs.Io, "open WAL segment for retirement check", err)
	}
	defer f.Close()

	if _, err := readSegmentHeader(f, dbUUID); err != nil {
		return false, err
	}

	for {
		rec, result, err := readRecord(f)
		switch result {
		case readEOF, readTornTail:
			return true, nil
		case readFatal:
			return false, errs.Wrap(errs.Serialization, "WAL record had a valid CRC but an unparseable payload", err)
		}
		if version.Version(rec.TxnID) > watermark {
			return false, nil
		}
	}
}
