package wal

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strata/pkg/store"
	"strata/pkg/storekey"
	"strata/pkg/txn"
	"strata/pkg/version"
)

func writeSampleRecords(t *testing.T, dir string, dbUUID uuid.UUID, n int) {
	t.Helper()
	w, err := Open(dir, dbUUID, Options{Mode: Always, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer w.Close()

	for i := 1; i <= n; i++ {
		k := sampleKey(t, "default", string(rune('a'+i)), storekey.KV)
		rec := txn.Record{
			TxnID:    uint64(i),
			BranchID: dbUUID,
			Writes:   []store.WriteEntry{{Key: k, Value: []byte{byte(i)}}},
		}
		require.NoError(t, w.Append(rec))
	}
}

func TestReplay_AppliesEveryRecordAboveWatermark(t *testing.T) {
	dir := t.TempDir()
	dbUUID := uuid.New()
	writeSampleRecords(t, dir, dbUUID, 5)

	st := store.New(version.New(), 4)
	alloc := version.New()
	require.NoError(t, Replay(dir, dbUUID, 0, st, alloc, zerolog.Nop()))

	for i := 1; i <= 5; i++ {
		k := sampleKey(t, "default", string(rune('a'+i)), storekey.KV)
		sv, ok := st.Get(k)
		require.True(t, ok)
		assert.Equal(t, []byte{byte(i)}, sv.Value)
	}
	assert.Equal(t, version.Version(5), alloc.Current())
}

func TestReplay_SkipsRecordsAtOrBelowWatermark(t *testing.T) {
	dir := t.TempDir()
	dbUUID := uuid.New()
	writeSampleRecords(t, dir, dbUUID, 5)

	st := store.New(version.New(), 4)
	alloc := version.New()
	require.NoError(t, Replay(dir, dbUUID, 3, st, alloc, zerolog.Nop()))

	for i := 1; i <= 3; i++ {
		k := sampleKey(t, "default", string(rune('a'+i)), storekey.KV)
		_, ok := st.Get(k)
		assert.False(t, ok, "record at or below the watermark must not be reapplied")
	}
	for i := 4; i <= 5; i++ {
		k := sampleKey(t, "default", string(rune('a'+i)), storekey.KV)
		_, ok := st.Get(k)
		assert.True(t, ok)
	}
}

func TestReplay_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	dbUUID := uuid.New()
	writeSampleRecords(t, dir, dbUUID, 5)

	st1 := store.New(version.New(), 4)
	alloc1 := version.New()
	require.NoError(t, Replay(dir, dbUUID, 0, st1, alloc1, zerolog.Nop()))

	st2 := store.New(version.New(), 4)
	alloc2 := version.New()
	require.NoError(t, Replay(dir, dbUUID, 0, st2, alloc2, zerolog.Nop()))
	require.NoError(t, Replay(dir, dbUUID, 0, st2, alloc2, zerolog.Nop()))

	for i := 1; i <= 5; i++ {
		k := sampleKey(t, "default", string(rune('a'+i)), storekey.KV)
		sv1, ok1 := st1.Get(k)
		sv2, ok2 := st2.Get(k)
		require.True(t, ok1)
		require.True(t, ok2)
		assert.Equal(t, sv1.Value, sv2.Value)
		assert.Equal(t, sv1.Version, sv2.Version)
	}
	assert.Equal(t, alloc1.Current(), alloc2.Current())
}

func TestReplay_IsIdempotentForMultiVersionKey(t *testing.T) {
	dir := t.TempDir()
	dbUUID := uuid.New()
	w, err := Open(dir, dbUUID, Options{Mode: Always, Logger: zerolog.Nop()})
	require.NoError(t, err)
	k := sampleKey(t, "default", "hot", storekey.KV)
	for i := 1; i <= 3; i++ {
		rec := txn.Record{
			TxnID:    uint64(i),
			BranchID: dbUUID,
			Writes:   []store.WriteEntry{{Key: k, Value: []byte{byte(i)}}},
		}
		require.NoError(t, w.Append(rec))
	}
	require.NoError(t, w.Close())

	st := store.New(version.New(), 4)
	alloc := version.New()
	require.NoError(t, Replay(dir, dbUUID, 0, st, alloc, zerolog.Nop()))
	require.NoError(t, Replay(dir, dbUUID, 0, st, alloc, zerolog.Nop()))

	chain := st.GetChain(k)
	require.Len(t, chain, 3, "a second replay pass must not duplicate or reorder chain entries")
	for i := 0; i+1 < len(chain); i++ {
		assert.Greater(t, chain[i].Version, chain[i+1].Version)
	}
	sv, ok := st.Get(k)
	require.True(t, ok)
	assert.Equal(t, []byte{3}, sv.Value)
}

func TestReplay_PreservesRecordTimestamps(t *testing.T) {
	dir := t.TempDir()
	dbUUID := uuid.New()
	w, err := Open(dir, dbUUID, Options{Mode: Always, Logger: zerolog.Nop()})
	require.NoError(t, err)
	k := sampleKey(t, "default", "a", storekey.KV)
	rec := txn.Record{
		TxnID:           1,
		BranchID:        dbUUID,
		TimestampMicros: 987654,
		Writes:          []store.WriteEntry{{Key: k, Value: []byte("v")}},
	}
	require.NoError(t, w.Append(rec))
	require.NoError(t, w.Close())

	st := store.New(version.New(), 4)
	require.NoError(t, Replay(dir, dbUUID, 0, st, version.New(), zerolog.Nop()))

	sv, ok := st.Get(k)
	require.True(t, ok)
	assert.EqualValues(t, 987654, sv.TimestampMicros, "replay must re-apply records at their original commit time, not now()")
}

func TestReplay_StopsCleanlyAtTornTailWithoutError(t *testing.T) {
	dir := t.TempDir()
	dbUUID := uuid.New()
	writeSampleRecords(t, dir, dbUUID, 3)

	path := segmentPath(dir, 1)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	require.NoError(t, f.Truncate(info.Size()-3))
	require.NoError(t, f.Close())

	st := store.New(version.New(), 4)
	alloc := version.New()
	err = Replay(dir, dbUUID, 0, st, alloc, zerolog.Nop())
	require.NoError(t, err, "a torn tail must stop replay without surfacing an error")

	k1 := sampleKey(t, "default", string(rune('a'+1)), storekey.KV)
	_, ok := st.Get(k1)
	assert.True(t, ok, "records before the torn tail must still be applied")
}

func TestReplay_AbortsOnFatalUnparseablePayload(t *testing.T) {
	dir := t.TempDir()
	dbUUID := uuid.New()

	w, err := Open(dir, dbUUID, Options{Mode: Always, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rec := txn.Record{TxnID: 1, BranchID: dbUUID, Writes: []store.WriteEntry{{Key: sampleKey(t, "default", "a", storekey.KV), Value: []byte("v")}}}
	corrupted := corruptWritesetLength(t, rec)

	f, err := os.OpenFile(segmentPath(dir, 1), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write(corrupted)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	st := store.New(version.New(), 4)
	alloc := version.New()
	err = Replay(dir, dbUUID, 0, st, alloc, zerolog.Nop())
	assert.Error(t, err, "a valid-CRC, unparseable-payload record must abort recovery")
}
