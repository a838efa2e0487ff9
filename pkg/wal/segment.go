package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"strata/pkg/errs"
)

const (
	segmentMagicSize = 16
	// segmentHeaderSize is magic(16) + format_version(1) + segment_number(8) +
	// database_uuid(16), padded with reserved bytes to a round 48.
	segmentHeaderSize = segmentMagicSize + 1 + 8 + 16 + 7

	// recordFormatVersion is the only format_version this build writes
	// or accepts for record payloads.
	recordFormatVersion byte = 1
	// segmentFormatVersion is the only format_version this build writes
	// or accepts for segment headers.
	segmentFormatVersion byte = 1
)

var segmentMagic = [segmentMagicSize]byte{'S', 'T', 'R', 'A', 'T', 'A', 'W', 'A', 'L', '\x00', '\x00', '\x00', '\x00', '\x00', '\x00', '\x00'}

type segmentHeader struct {
	FormatVersion byte
	SegmentNumber uint64
	DatabaseUUID  uuid.UUID
}

func writeSegmentHeader(f *os.File, h segmentHeader) error {
	buf := make([]byte, segmentHeaderSize)
	copy(buf[0:segmentMagicSize], segmentMagic[:])
	buf[segmentMagicSize] = h.FormatVersion
	binary.LittleEndian.PutUint64(buf[segmentMagicSize+1:segmentMagicSize+9], h.SegmentNumber)
	copy(buf[segmentMagicSize+9:segmentMagicSize+9+16], h.DatabaseUUID[:])
	if _, err := f.Write(buf); err != nil {
		return errs.Wrap(errs.Io, "write segment header", err)
	}
	return nil
}

// readSegmentHeader reads and validates a segment header, checking both
// the magic and the database UUID, the safeguard against splicing WALs
// from different databases into one directory.
func readSegmentHeader(f *os.File, expectDBUUID uuid.UUID) (segmentHeader, error) {
	buf := make([]byte, segmentHeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return segmentHeader{}, errs.Wrap(errs.Io, "read segment header", err)
	}
	if !bytes.Equal(buf[0:segmentMagicSize], segmentMagic[:]) {
		return segmentHeader{}, errs.New(errs.Serialization, "segment header: bad magic")
	}
	fv := buf[segmentMagicSize]
	if fv != segmentFormatVersion {
		return segmentHeader{}, errs.New(errs.Serialization, fmt.Sprintf("segment header: unsupported format version %d", fv))
	}
	segNum := binary.LittleEndian.Uint64(buf[segmentMagicSize+1 : segmentMagicSize+9])
	var dbUUID uuid.UUID
	copy(dbUUID[:], buf[segmentMagicSize+9:segmentMagicSize+9+16])
	if dbUUID != expectDBUUID {
		return segmentHeader{}, errs.New(errs.Serialization, "segment header: database_uuid does not match MANIFEST")
	}
	return segmentHeader{FormatVersion: fv, SegmentNumber: segNum, DatabaseUUID: dbUUID}, nil
}

func segmentPath(dir string, segmentNumber uint64) string {
	return filepath.Join(dir, fmt.Sprintf("wal-%06d.seg", segmentNumber))
}
