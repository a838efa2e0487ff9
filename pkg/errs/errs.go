// Package errs defines the tagged error-kind taxonomy shared by every
// Strata component. A single sum type with structured fields keeps
// callers from having to pattern-match on error strings: storage,
// transaction, and primitive layers all return *Error, and the kind
// tells the caller whether a retry (Conflict), a config fix
// (InvalidInput), or a bug report (Internal) is in order.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies the category of failure. Kinds are never collapsed
// into one another: a commit that fails for a reason other than OCC
// validation must not come back as Conflict.
type Kind int

const (
	// Unknown is the zero value and should never be returned deliberately.
	Unknown Kind = iota

	// InvalidInput covers malformed request parameters rejected before
	// any state change (bad vector dimension, bad branch name, ...).
	InvalidInput
	// InvalidKey covers key validation failures (empty, NUL-bearing,
	// reserved prefix, over-length).
	InvalidKey
	// InvalidPath covers malformed JSON document paths.
	InvalidPath

	// Conflict is reserved for true OCC validation failures: a read-set
	// or CAS mismatch detected during commit. Always safe to retry with
	// a fresh snapshot.
	Conflict

	// ConstraintViolation covers operations against a closed branch,
	// deletion of the default branch, upserts into a missing vector
	// collection, and other invalid state transitions.
	ConstraintViolation

	// KeyNotFound covers entity-does-not-exist failures for operations
	// that require the entity to exist. Plain get() reports absence as
	// ok == false with a nil error instead of this.
	KeyNotFound

	// HistoryTrimmed is returned when a version-chain read targets a
	// version older than the oldest surviving entry after GC.
	HistoryTrimmed

	// Io covers WAL, manifest, and checkpoint file I/O failures.
	Io
	// Serialization covers CRC mismatches, format-version mismatches,
	// and codec decode failures, each carrying enough context to tell
	// them apart.
	Serialization

	// Internal indicates an invariant violation. It means a bug.
	Internal
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "InvalidInput"
	case InvalidKey:
		return "InvalidKey"
	case InvalidPath:
		return "InvalidPath"
	case Conflict:
		return "Conflict"
	case ConstraintViolation:
		return "ConstraintViolation"
	case KeyNotFound:
		return "KeyNotFound"
	case HistoryTrimmed:
		return "HistoryTrimmed"
	case Io:
		return "Io"
	case Serialization:
		return "Serialization"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned across Strata's layers.
// Fields beyond Kind and Msg are populated only when relevant to the
// failure, so most call sites only set Kind/Msg/Err.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // wrapped cause, if any

	// Durability/integrity context: enough to tell a failed decode
	// apart from a failed CRC.
	CodecID string
	DataLen int
	Segment uint64
	Offset  int64

	// OCC / CAS context.
	Expected uint64
	Actual   uint64
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, errs.ErrConflict) work by comparing Kind against
// a sentinel *Error carrying only that Kind (see the Sentinel helpers).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Msg == "" && t.Err == nil {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Msg == t.Msg
}

// New builds a plain *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds a *Error of the given kind wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf extracts the Kind from err, or Unknown if err is not (or does
// not wrap) a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Sentinel kind-only values for use with errors.Is, e.g.
// errors.Is(err, errs.ErrConflict).
var (
	ErrConflict            = &Error{Kind: Conflict}
	ErrKeyNotFound         = &Error{Kind: KeyNotFound}
	ErrConstraintViolation = &Error{Kind: ConstraintViolation}
	ErrInvalidInput        = &Error{Kind: InvalidInput}
	ErrInvalidKey          = &Error{Kind: InvalidKey}
	ErrInvalidPath         = &Error{Kind: InvalidPath}
	ErrHistoryTrimmed      = &Error{Kind: HistoryTrimmed}
	ErrIo                  = &Error{Kind: Io}
	ErrSerialization       = &Error{Kind: Serialization}
	ErrInternal            = &Error{Kind: Internal}
)
