// Package manifest implements the MANIFEST file: the fixed-format
// record of a database's physical identity (database UUID, codec id)
// and recovery checkpoint (latest watermark, latest snapshot file)
// that the recovery driver reads first, before touching the WAL.
package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/google/uuid"

	"strata/pkg/errs"
	"strata/pkg/version"
)

const magicSize = 16

var magic = [magicSize]byte{'S', 'T', 'R', 'A', 'T', 'A', 'M', 'A', 'N', 'I', 'F', 'E', 'S', 'T', 0, 0}

// formatVersion is the only format_version this build writes or
// accepts.
const formatVersion byte = 1

// CodecID identifies the WAL/checkpoint wire codec this build speaks.
// A MANIFEST naming a different codec_id is a fatal open error.
const CodecID = "strata-v1"

// Manifest is the database's physical metadata record.
type Manifest struct {
	DatabaseUUID       uuid.UUID
	CodecID            string
	LatestWatermark    version.Version
	LatestSnapshotFile string
}

// New builds a fresh Manifest for a brand-new database: no checkpoint
// exists yet, so the watermark starts at zero and the snapshot file is
// empty.
func New(dbUUID uuid.UUID) Manifest {
	return Manifest{DatabaseUUID: dbUUID, CodecID: CodecID}
}

// Load reads and validates the MANIFEST file at path, checking magic,
// format version, and codec id; an unrecognized codec id is a fatal
// open error.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, errs.Wrap(errs.Io, "read MANIFEST", err)
	}
	return decode(data)
}

// Exists reports whether a MANIFEST file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Save writes m to path, via a temp file and rename so a crash mid-write
// never leaves a torn MANIFEST at the final name.
func Save(path string, m Manifest) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encode(m), 0o644); err != nil {
		return errs.Wrap(errs.Io, "write MANIFEST", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(errs.Io, "install MANIFEST", err)
	}
	return nil
}

func encode(m Manifest) []byte {
	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.WriteByte(formatVersion)
	buf.Write(m.DatabaseUUID[:])

	codec := []byte(m.CodecID)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(codec)))
	buf.Write(lenBuf[:])
	buf.Write(codec)

	var watermarkBuf [8]byte
	binary.LittleEndian.PutUint64(watermarkBuf[:], uint64(m.LatestWatermark))
	buf.Write(watermarkBuf[:])

	snap := []byte(m.LatestSnapshotFile)
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(snap)))
	buf.Write(lenBuf[:])
	buf.Write(snap)

	return buf.Bytes()
}

func decode(data []byte) (Manifest, error) {
	if len(data) < magicSize+1+16 {
		return Manifest{}, errs.New(errs.Serialization, "MANIFEST: truncated header")
	}
	if !bytes.Equal(data[0:magicSize], magic[:]) {
		return Manifest{}, errs.New(errs.Serialization, "MANIFEST: bad magic")
	}
	off := magicSize
	fv := data[off]
	off++
	if fv != formatVersion {
		return Manifest{}, errs.New(errs.Serialization, fmt.Sprintf("MANIFEST: unsupported format version %d", fv))
	}

	var dbUUID uuid.UUID
	copy(dbUUID[:], data[off:off+16])
	off += 16

	codec, off, err := readLenPrefixed(data, off)
	if err != nil {
		return Manifest{}, err
	}

	if len(data) < off+8 {
		return Manifest{}, errs.New(errs.Serialization, "MANIFEST: truncated watermark")
	}
	watermark := binary.LittleEndian.Uint64(data[off : off+8])
	off += 8

	snap, _, err := readLenPrefixed(data, off)
	if err != nil {
		return Manifest{}, err
	}

	m := Manifest{
		DatabaseUUID:       dbUUID,
		CodecID:            string(codec),
		LatestWatermark:    version.Version(watermark),
		LatestSnapshotFile: string(snap),
	}
	if m.CodecID != CodecID {
		return Manifest{}, errs.New(errs.Serialization, fmt.Sprintf("MANIFEST: unrecognized codec_id %q", m.CodecID))
	}
	return m, nil
}

func readLenPrefixed(data []byte, off int) ([]byte, int, error) {
	if len(data) < off+4 {
		return nil, 0, errs.New(errs.Serialization, "MANIFEST: truncated length prefix")
	}
	n := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	if len(data) < off+n {
		return nil, 0, errs.New(errs.Serialization, "MANIFEST: truncated field")
	}
	return data[off : off+n], off + n, nil
}
