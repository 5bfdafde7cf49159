package sv

import "github.com/pkg/errors"

var errNilRef = errors.New("nil reference")

// Kind distinguishes the error taxonomy the engine and its callers reason
// about explicitly, independent of the wrapped error chain pkg/errors
// builds underneath.
type Kind int

const (
	// IoError covers stream read/write failures. It aborts the run.
	IoError Kind = iota
	// MalformedRecord covers records missing structural fields (tid/pos).
	// It aborts the run only if those fields are unreadable; otherwise the
	// record is skipped by the caller before an Error is ever produced.
	MalformedRecord
	// UnknownReadGroup is recovered locally: the record is skipped and a
	// diagnostic line is emitted.
	UnknownReadGroup
	// NumericUnderflow is recovered locally: the Fisher combination step
	// falls back to its pre-Fisher value.
	NumericUnderflow
	// InvariantViolated signals an internal bug. It aborts the run.
	InvariantViolated
)

func (k Kind) String() string {
	switch k {
	case IoError:
		return "IoError"
	case MalformedRecord:
		return "MalformedRecord"
	case UnknownReadGroup:
		return "UnknownReadGroup"
	case NumericUnderflow:
		return "NumericUnderflow"
	case InvariantViolated:
		return "InvariantViolated"
	default:
		return "Unknown"
	}
}

// Error is the typed error the engine produces. Callers distinguish the
// abort-vs-recover kinds by inspecting Kind.
type Error struct {
	Kind Kind
	err  error
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.err.Error()
}

// Unwrap exposes the underlying error to errors.Is/As and pkg/errors'
// Cause().
func (e *Error) Unwrap() error { return e.err }

// Cause implements the github.com/pkg/errors Causer interface.
func (e *Error) Cause() error { return e.err }

// newError wraps msg as an Error of the given kind.
func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, err: errors.New(msg)}
}

func wrapError(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, err: errors.Wrap(err, msg)}
}

// Fatal reports whether err (an *Error) should abort the run.
func Fatal(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return true
	}
	return e.Kind == IoError || e.Kind == InvariantViolated || e.Kind == MalformedRecord
}
