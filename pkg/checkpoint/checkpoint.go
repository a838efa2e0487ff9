// Package checkpoint implements the engine's snapshot checkpoint file
// (SNAPSHOTS/snap-NNNNNN.chk): a
// point-in-time dump of every live key in the store, pinned to a
// watermark version, from which the recovery driver can reconstruct
// the store's state before replaying the WAL tail beyond it. Framing
// follows the same magic+length+CRC discipline pkg/wal uses for
// records, so a corrupted checkpoint fails the same way a corrupted
// WAL segment does: loudly, with a distinguishable error kind.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"strata/pkg/errs"
	"strata/pkg/store"
	"strata/pkg/storekey"
	"strata/pkg/version"
)

const (
	magicSize = 16
	// formatVersion is the only format_version this build writes or
	// accepts.
	formatVersion byte = 1
	// fixedHeaderSize is magic(16) + format_version(1) + database_uuid(16) + watermark(8).
	fixedHeaderSize = magicSize + 1 + 16 + 8
)

var magic = [magicSize]byte{'S', 'T', 'R', 'A', 'T', 'A', 'C', 'H', 'K', 'P', 'T', 0, 0, 0, 0, 0}

// crcTable fixes the same CRC-32 Castagnoli variant pkg/wal uses, for
// the same reason: one variant, used consistently by every reader and
// writer in this module.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// FileName returns the conventional checkpoint filename for sequence n.
func FileName(n uint64) string {
	return fmt.Sprintf("snap-%06d.chk", n)
}

// ParseSequence extracts n from a filename produced by FileName, or
// reports ok=false if name doesn't match that shape.
func ParseSequence(name string) (n uint64, ok bool) {
	if len(name) != len("snap-000000.chk") {
		return 0, false
	}
	var v uint64
	if _, err := fmt.Sscanf(name, "snap-%06d.chk", &v); err != nil {
		return 0, false
	}
	return v, true
}

// Latest returns the checkpoint file with the highest sequence number
// under dir, or ok=false if none exists.
func Latest(dir string) (path string, ok bool, err error) {
	entries, readErr := os.ReadDir(dir)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return "", false, nil
		}
		return "", false, errs.Wrap(errs.Io, "list SNAPSHOTS directory", readErr)
	}
	var best uint64
	var found bool
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, matched := ParseSequence(e.Name())
		if !matched {
			continue
		}
		if !found || n > best {
			best, found = n, true
		}
	}
	if !found {
		return "", false, nil
	}
	return filepath.Join(dir, FileName(best)), true, nil
}

// Save writes a new checkpoint file at path, capturing entries at
// watermark. It writes to a temp file and renames into place so a
// process crash mid-write never leaves a partially-written file at
// the final name.
func Save(path string, dbUUID uuid.UUID, watermark version.Version, entries []store.Entry) error {
	sorted := make([]store.Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return storekey.Compare(sorted[i].Key, sorted[j].Key) < 0 })

	var body bytes.Buffer
	writeUint32(&body, uint32(len(sorted)))
	for _, e := range sorted {
		writeKey(&body, e.Key)
		writeBytes(&body, e.Value.Value)
		writeUint64(&body, uint64(e.Value.Version))
		writeUint64(&body, uint64(e.Value.TimestampMicros))
		if e.Value.TTL != nil {
			body.WriteByte(1)
			writeUint64(&body, uint64(*e.Value.TTL))
		} else {
			body.WriteByte(0)
		}
	}
	bodyBytes := body.Bytes()

	var out bytes.Buffer
	out.Write(magic[:])
	out.WriteByte(formatVersion)
	out.Write(dbUUID[:])
	writeUint64(&out, uint64(watermark))
	writeUint32(&out, uint32(len(bodyBytes)))
	out.Write(bodyBytes)
	writeUint32(&out, crc32.Checksum(bodyBytes, crcTable))

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out.Bytes(), 0o644); err != nil {
		return errs.Wrap(errs.Io, "write checkpoint file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(errs.Io, "install checkpoint file", err)
	}
	return nil
}

// Load reads and validates the checkpoint file at path, returning the
// watermark it was taken at and every entry it captured.
func Load(path string, dbUUID uuid.UUID) (version.Version, []store.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, errs.Wrap(errs.Io, "read checkpoint file", err)
	}
	if len(data) < fixedHeaderSize+4+4 {
		return 0, nil, errs.New(errs.Serialization, "checkpoint file: truncated header")
	}
	if !bytes.Equal(data[:magicSize], magic[:]) {
		return 0, nil, errs.New(errs.Serialization, "checkpoint file: bad magic")
	}
	off := magicSize
	fv := data[off]
	off++
	if fv != formatVersion {
		return 0, nil, errs.New(errs.Serialization, fmt.Sprintf("checkpoint file: unsupported format version %d", fv))
	}
	var fileUUID uuid.UUID
	copy(fileUUID[:], data[off:off+16])
	off += 16
	if fileUUID != dbUUID {
		return 0, nil, errs.New(errs.Serialization, "checkpoint file: database_uuid does not match MANIFEST")
	}
	watermark := version.Version(binary.LittleEndian.Uint64(data[off : off+8]))
	off += 8

	bodyLen := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	if bodyLen < 0 || len(data) < off+bodyLen+4 {
		return 0, nil, errs.New(errs.Serialization, "checkpoint file: truncated body")
	}
	body := data[off : off+bodyLen]
	off += bodyLen
	storedCRC := binary.LittleEndian.Uint32(data[off : off+4])
	if crc32.Checksum(body, crcTable) != storedCRC {
		return 0, nil, errs.New(errs.Serialization, "checkpoint file: checksum mismatch")
	}

	entries, err := decodeEntries(body)
	if err != nil {
		return 0, nil, err
	}
	return watermark, entries, nil
}

func decodeEntries(body []byte) ([]store.Entry, error) {
	cur := cursor{buf: body}
	n := cur.uint32()
	entries := make([]store.Entry, 0, n)
	for i := uint32(0); i < n && cur.err == nil; i++ {
		k, err := readKey(&cur)
		if err != nil {
			return nil, err
		}
		value := cur.takeBytes()
		v := version.Version(cur.uint64())
		ts := int64(cur.uint64())
		hasTTL := cur.byte()
		var ttl *time.Duration
		if hasTTL == 1 {
			d := time.Duration(cur.uint64())
			ttl = &d
		}
		entries = append(entries, store.Entry{
			Key: k,
			Value: store.StoredValue{
				Value:           value,
				Version:         v,
				TimestampMicros: ts,
				TTL:             ttl,
			},
		})
	}
	if cur.err != nil {
		return nil, errs.Wrap(errs.Serialization, "checkpoint body truncated", cur.err)
	}
	if cur.remaining() != 0 {
		return nil, errs.New(errs.Serialization, "checkpoint body has trailing bytes")
	}
	return entries, nil
}

func writeKey(buf *bytes.Buffer, k storekey.Key) {
	writeString(buf, k.Namespace.BranchID)
	writeString(buf, k.Namespace.Tenant)
	writeString(buf, k.Namespace.App)
	writeString(buf, k.Namespace.Agent)
	buf.WriteByte(byte(k.Type))
	writeBytes(buf, k.UserKey)
}

func readKey(cur *cursor) (storekey.Key, error) {
	ns := storekey.Namespace{
		BranchID: cur.takeString(),
		Tenant:   cur.takeString(),
		App:      cur.takeString(),
		Agent:    cur.takeString(),
	}
	typ := storekey.TypeTag(cur.byte())
	userKey := cur.takeBytes()
	if cur.err != nil {
		return storekey.Key{}, errs.Wrap(errs.Serialization, "checkpoint key truncated", cur.err)
	}
	return storekey.Key{Namespace: ns, Type: typ, UserKey: userKey}, nil
}
