// Package wal implements the write-ahead log and durability layer:
// rotating segment files, bit-exact record framing, the
// Always/Standard durability modes, and WAL-tail replay for recovery.
package wal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"strata/pkg/errs"
	"strata/pkg/txn"
)

// DefaultSegmentSize is the default rotation threshold in bytes.
const DefaultSegmentSize = 64 << 20 // 64 MiB

// DefaultFlushInterval is the default background-fsync period for
// Standard mode.
const DefaultFlushInterval = 200 * time.Millisecond

// Counter counts occurrences of an event. prometheus counters satisfy
// it; a nil Counter is a no-op.
type Counter interface {
	Inc()
}

// Writer is the single shared WAL writer for a database. One mutex
// serializes inline appends; in Standard mode the background flusher
// acquires the same mutex around fsync.
type Writer struct {
	dir           string
	dbUUID        uuid.UUID
	mode          Mode
	segmentSize   int64
	flushInterval time.Duration
	log           zerolog.Logger
	appends       Counter
	fsyncs        Counter

	mu            sync.Mutex
	file          *os.File
	bufw          *bufio.Writer
	segmentNumber uint64
	written       int64
	dirty         bool
	closed        bool

	stopFlusher chan struct{}
	flusherDone chan struct{}
}

// Options configures a Writer.
type Options struct {
	Mode          Mode
	SegmentSize   int64
	FlushInterval time.Duration
	Logger        zerolog.Logger
	// Appends and Fsyncs, when non-nil, count appended records and
	// fsync calls (inline or background).
	Appends Counter
	Fsyncs  Counter
}

// Open opens (or creates) the WAL directory at dir for database
// dbUUID and positions the writer at the end of the newest segment, or
// creates segment 1 if the directory is empty.
func Open(dir string, dbUUID uuid.UUID, opts Options) (*Writer, error) {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.Io, "create WAL directory", err)
	}

	w := &Writer{
		dir:           dir,
		dbUUID:        dbUUID,
		mode:          opts.Mode,
		segmentSize:   opts.SegmentSize,
		flushInterval: opts.FlushInterval,
		log:           opts.Logger,
		appends:       opts.Appends,
		fsyncs:        opts.Fsyncs,
	}

	latest, err := latestSegmentNumber(dir)
	if err != nil {
		return nil, err
	}
	if latest == 0 {
		if err := w.createSegment(1); err != nil {
			return nil, err
		}
	} else if err := w.openSegmentForAppend(latest); err != nil {
		return nil, err
	}

	if w.mode == Standard {
		w.stopFlusher = make(chan struct{})
		w.flusherDone = make(chan struct{})
		go w.runFlusher()
	}
	return w, nil
}

func latestSegmentNumber(dir string) (uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errs.Wrap(errs.Io, "list WAL directory", err)
	}
	var numbers []uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "wal-") || !strings.HasSuffix(e.Name(), ".seg") {
			continue
		}
		n, err := parseSegmentNumber(e.Name())
		if err != nil {
			continue
		}
		numbers = append(numbers, n)
	}
	if len(numbers) == 0 {
		return 0, nil
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	return numbers[len(numbers)-1], nil
}

func parseSegmentNumber(name string) (uint64, error) {
	base := strings.TrimSuffix(strings.TrimPrefix(name, "wal-"), ".seg")
	var n uint64
	if _, err := fmt.Sscanf(base, "%d", &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (w *Writer) createSegment(num uint64) error {
	path := segmentPath(w.dir, num)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return errs.Wrap(errs.Io, "create WAL segment", err)
	}
	if err := writeSegmentHeader(f, segmentHeader{
		FormatVersion: segmentFormatVersion,
		SegmentNumber: num,
		DatabaseUUID:  w.dbUUID,
	}); err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.bufw = bufio.NewWriter(f)
	w.segmentNumber = num
	w.written = segmentHeaderSize
	return nil
}

func (w *Writer) openSegmentForAppend(num uint64) error {
	path := segmentPath(w.dir, num)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return errs.Wrap(errs.Io, "open WAL segment", err)
	}
	if _, err := readSegmentHeader(f, w.dbUUID); err != nil {
		f.Close()
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errs.Wrap(errs.Io, "stat WAL segment", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return errs.Wrap(errs.Io, "seek WAL segment", err)
	}
	w.file = f
	w.bufw = bufio.NewWriter(f)
	w.segmentNumber = num
	w.written = info.Size()
	return nil
}

// Append implements txn.Appender: it frames rec, appends it to the
// active segment, rotating first if the segment would exceed
// segmentSize, and synchronizes per the configured durability mode.
func (w *Writer) Append(rec txn.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errs.New(errs.Io, "WAL writer is closed")
	}

	frame := encodeRecord(rec)
	if w.written+int64(len(frame)) > w.segmentSize {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	if _, err := w.bufw.Write(frame); err != nil {
		return errs.Wrap(errs.Io, "append WAL record", err)
	}
	w.written += int64(len(frame))
	w.dirty = true
	if w.appends != nil {
		w.appends.Inc()
	}

	if w.mode == Always {
		if err := w.flushAndSyncLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) rotateLocked() error {
	if err := w.flushAndSyncLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return errs.Wrap(errs.Io, "close WAL segment", err)
	}
	return w.createSegment(w.segmentNumber + 1)
}

func (w *Writer) flushAndSyncLocked() error {
	if err := w.bufw.Flush(); err != nil {
		return errs.Wrap(errs.Io, "flush WAL buffer", err)
	}
	if err := w.file.Sync(); err != nil {
		return errs.Wrap(errs.Io, "fsync WAL segment", err)
	}
	w.dirty = false
	if w.fsyncs != nil {
		w.fsyncs.Inc()
	}
	return nil
}

func (w *Writer) runFlusher() {
	defer close(w.flusherDone)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			if w.dirty {
				if err := w.flushAndSyncLocked(); err != nil {
					w.log.Error().Err(err).Msg("background WAL fsync failed")
				}
			}
			w.mu.Unlock()
		case <-w.stopFlusher:
			w.mu.Lock()
			if w.dirty {
				if err := w.flushAndSyncLocked(); err != nil {
					w.log.Error().Err(err).Msg("final WAL fsync on close failed")
				}
			}
			w.mu.Unlock()
			return
		}
	}
}

// Close stops the background flusher (if any), performs a final fsync,
// and closes the active segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	if w.mode == Standard {
		close(w.stopFlusher)
		<-w.flusherDone
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushAndSyncLocked(); err != nil {
		return err
	}
	return w.file.Close()
}

// Dir returns the WAL directory, used by the recovery driver to locate
// segments.
func (w *Writer) Dir() string { return w.dir }

// ActiveSegment returns the number of the segment currently being
// appended to, used by the checkpointer to know which segment
// retirement must never touch.
func (w *Writer) ActiveSegment() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segmentNumber
}
