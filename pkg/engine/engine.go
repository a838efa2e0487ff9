// Package engine is Strata's top-level entry point: it owns the
// on-disk directory layout, wires the version allocator, sharded
// store, WAL writer, transaction manager, and branch registry into one
// running Database, and drives the recovery, checkpoint, and retention
// GC lifecycles. Every one of the six primitive facades is exposed as
// a field, already wired to the shared transaction manager.
package engine

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"strata/internal/flock"
	"strata/pkg/branch"
	"strata/pkg/checkpoint"
	"strata/pkg/config"
	"strata/pkg/errs"
	"strata/pkg/eventlog"
	"strata/pkg/jsondoc"
	"strata/pkg/kv"
	"strata/pkg/logging"
	"strata/pkg/manifest"
	"strata/pkg/metrics"
	"strata/pkg/statecell"
	"strata/pkg/store"
	"strata/pkg/trace"
	"strata/pkg/txn"
	"strata/pkg/vector"
	"strata/pkg/version"
	"strata/pkg/wal"
)

const (
	manifestFileName = "MANIFEST"
	configFileName   = "strata.toml"
	lockFileName     = "LOCK"
	walDirName       = "WAL"
	snapshotsDirName = "SNAPSHOTS"
	dataDirName      = "DATA"
)

// Options customizes Open. The zero value is every documented default.
type Options struct {
	// ShardCount is the sharded store's shard count (default
	// store.DefaultShardCount).
	ShardCount int
	// SegmentSize is the WAL rotation threshold in bytes (default
	// wal.DefaultSegmentSize).
	SegmentSize int64
	// FlushInterval is the Standard-mode background fsync period
	// (default wal.DefaultFlushInterval).
	FlushInterval time.Duration
	// CheckpointInterval is how often the background checkpointer runs.
	// Zero disables it; callers may still call Checkpoint directly.
	CheckpointInterval time.Duration
	// RetentionInterval is how often the background retention GC runs.
	// Zero disables it; callers may still call GC directly.
	RetentionInterval time.Duration
	// RetentionVersions bounds how much version history GC keeps: each
	// retention pass prunes entries older than current_version minus
	// this many versions. Zero disables the background GC pass even if
	// RetentionInterval is set.
	RetentionVersions uint64
	// Logger overrides the base logger every component logs through. Nil
	// (the default) uses pkg/logging's global logger, which is a no-op
	// until logging.Init is called.
	Logger *zerolog.Logger
}

// Database is the opened, running embedded database: the stack of
// five core components (version allocator, sharded store, snapshot
// view, transaction manager, WAL/durability) plus the six primitive
// facades and the branch registry, all sharing one directory.
type Database struct {
	path    string
	dbUUID  uuid.UUID
	cfg     config.Config
	log     zerolog.Logger
	Metrics *metrics.Registry

	lock  *flock.Lock
	alloc *version.Allocator
	store *store.Store
	wal   *wal.Writer
	mgr   *txn.Manager

	Branches *branch.Registry
	KV       *kv.KV
	Events   *eventlog.EventLog
	State    *statecell.StateCell
	JSON     *jsondoc.JSON
	Trace    *trace.Trace
	Vectors  *vector.Vector

	checkpointSeq atomic.Uint64

	closeMu sync.Mutex
	closed  bool

	stopBg chan struct{}
	bgDone sync.WaitGroup
}

// Open opens the database directory at path, creating it (and
// strata.toml, MANIFEST, and the WAL/SNAPSHOTS/DATA subdirectories)
// with documented defaults if it does not already exist, then runs the
// recovery driver before accepting new transactions.
func Open(path string, opts Options) (*Database, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errs.Wrap(errs.Io, "create database directory", err)
	}
	if err := os.MkdirAll(filepath.Join(path, dataDirName), 0o755); err != nil {
		return nil, errs.Wrap(errs.Io, "create DATA directory", err)
	}
	snapshotsDir := filepath.Join(path, snapshotsDirName)
	if err := os.MkdirAll(snapshotsDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.Io, "create SNAPSHOTS directory", err)
	}

	lk, err := flock.Acquire(filepath.Join(path, lockFileName))
	if err != nil {
		return nil, err
	}

	db, err := openLocked(path, snapshotsDir, opts, lk)
	if err != nil {
		lk.Release()
		return nil, err
	}
	return db, nil
}

func openLocked(path, snapshotsDir string, opts Options, lk *flock.Lock) (*Database, error) {
	log := componentLogger(opts.Logger, "engine")
	cfg, err := config.Load(filepath.Join(path, configFileName))
	if err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(path, manifestFileName)
	var man manifest.Manifest
	if manifest.Exists(manifestPath) {
		man, err = manifest.Load(manifestPath)
		if err != nil {
			return nil, err
		}
	} else {
		man = manifest.New(uuid.New())
		if err := manifest.Save(manifestPath, man); err != nil {
			return nil, err
		}
	}

	mets := metrics.New()
	alloc := version.NewFrom(man.LatestWatermark + 1)
	st := store.New(alloc, opts.ShardCount)
	st.SetSnapshotGauge(mets.SnapshotsOpen)

	// Load the newest valid checkpoint, if any, before replaying the
	// WAL tail.
	if snapPath, ok, err := checkpoint.Latest(snapshotsDir); err != nil {
		return nil, err
	} else if ok {
		watermark, entries, err := checkpoint.Load(snapPath, man.DatabaseUUID)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			st.Restore(e.Key, e.Value)
		}
		alloc.Observe(watermark)
	}

	walDir := filepath.Join(path, walDirName)
	if err := wal.Replay(walDir, man.DatabaseUUID, man.LatestWatermark, st, alloc, componentLogger(opts.Logger, "recovery")); err != nil {
		return nil, err
	}

	writer, err := wal.Open(walDir, man.DatabaseUUID, wal.Options{
		Mode:          cfg.Mode(),
		SegmentSize:   opts.SegmentSize,
		FlushInterval: opts.FlushInterval,
		Logger:        componentLogger(opts.Logger, "wal"),
		Appends:       mets.WALAppendsTotal,
		Fsyncs:        mets.WALFsyncsTotal,
	})
	if err != nil {
		return nil, err
	}

	branches := branch.NewRegistry(st, alloc, writer)
	if _, err := branches.EnsureDefault(); err != nil {
		writer.Close()
		return nil, err
	}

	mgr := txn.New(st, writer, branches)
	mgr.Conflicts = mets.CommitConflictsTotal

	db := &Database{
		path:     path,
		dbUUID:   man.DatabaseUUID,
		cfg:      cfg,
		log:      log,
		Metrics:  mets,
		lock:     lk,
		alloc:    alloc,
		store:    st,
		wal:      writer,
		mgr:      mgr,
		Branches: branches,
		KV:       kv.New(mgr),
		Events:   eventlog.New(mgr),
		State:    statecell.New(mgr),
		JSON:     jsondoc.New(mgr),
		Trace:    trace.New(mgr),
		Vectors:  vector.New(mgr),
		stopBg:   make(chan struct{}),
	}
	db.checkpointSeq.Store(latestCheckpointSeq(snapshotsDir))

	if opts.CheckpointInterval > 0 {
		db.bgDone.Add(1)
		go db.runCheckpointer(opts.CheckpointInterval)
	}
	if opts.RetentionInterval > 0 && opts.RetentionVersions > 0 {
		db.bgDone.Add(1)
		go db.runRetention(opts.RetentionInterval, opts.RetentionVersions)
	}

	return db, nil
}

func latestCheckpointSeq(snapshotsDir string) uint64 {
	path, ok, err := checkpoint.Latest(snapshotsDir)
	if err != nil || !ok {
		return 0
	}
	n, _ := checkpoint.ParseSequence(filepath.Base(path))
	return n
}

// componentLogger builds a component-scoped child logger. If the caller
// didn't supply one in Options, it falls back to pkg/logging's global
// logger the way every other Strata component does: a no-op until
// logging.Init runs, structured output after.
func componentLogger(base *zerolog.Logger, component string) zerolog.Logger {
	if base == nil {
		return logging.WithComponent(component)
	}
	return base.With().Str("component", component).Logger()
}

// Path returns the database directory.
func (db *Database) Path() string { return db.path }

// DatabaseUUID returns the database's physical identity, the same
// value recorded in MANIFEST and every WAL segment header.
func (db *Database) DatabaseUUID() uuid.UUID { return db.dbUUID }

// Config returns the durability configuration this database opened
// with (loaded from, or defaulted and written to, strata.toml).
func (db *Database) Config() config.Config { return db.cfg }

// Manager exposes the transaction manager for callers that need to
// begin/commit/rollback transactions spanning more than one primitive
// in a single WAL record.
func (db *Database) Manager() *txn.Manager { return db.mgr }

// Close stops any background workers, closes the WAL (with its own
// final fsync), and releases the directory lock. A second call returns
// an Internal-kind error and does nothing else.
func (db *Database) Close() error {
	db.closeMu.Lock()
	defer db.closeMu.Unlock()
	if db.closed {
		return errs.New(errs.Internal, "database already closed")
	}
	db.closed = true

	close(db.stopBg)
	db.bgDone.Wait()

	walErr := db.wal.Close()
	lockErr := db.lock.Release()
	if walErr != nil {
		return walErr
	}
	return lockErr
}
