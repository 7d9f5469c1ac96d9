package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrorKind is the closed set of failure categories the core reports.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindStaleWrite
	KindMalformedEvent
	KindDependencyUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindStaleWrite:
		return "stale_write"
	case KindMalformedEvent:
		return "malformed_event"
	case KindDependencyUnavailable:
		return "dependency_unavailable"
	default:
		return "unknown"
	}
}

// Error carries a kind plus the structured context callers need to react to it.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string

	// ConflictingIDs is set for KindConflict.
	ConflictingIDs []uuid.UUID

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if len(e.ConflictingIDs) > 0 {
		ids := make([]string, len(e.ConflictingIDs))
		for i, id := range e.ConflictingIDs {
			ids[i] = id.String()
		}
		fmt.Fprintf(&b, " [%s]", strings.Join(ids, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the Err* sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == ""
}

// Sentinels for errors.Is matching by kind.
var (
	ErrValidation            = &Error{Kind: KindValidation}
	ErrConflict              = &Error{Kind: KindConflict}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrStaleWrite            = &Error{Kind: KindStaleWrite}
	ErrMalformedEvent        = &Error{Kind: KindMalformedEvent}
	ErrDependencyUnavailable = &Error{Kind: KindDependencyUnavailable}
)

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ConflictingIDs returns the IDs carried by a conflict error, or nil.
func ConflictingIDs(err error) []uuid.UUID {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindConflict {
		return e.ConflictingIDs
	}
	return nil
}

func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Conflict(op string, ids []uuid.UUID) error {
	return &Error{Kind: KindConflict, Op: op, Message: "time slot overlaps existing appointments", ConflictingIDs: ids}
}

func StaleWrite(op, format string, args ...any) error {
	return &Error{Kind: KindStaleWrite, Op: op, Message: fmt.Sprintf(format, args...)}
}

func MalformedEvent(op string, err error) error {
	return &Error{Kind: KindMalformedEvent, Op: op, Message: "event payload does not match schema", Err: err}
}

func DependencyUnavailable(op, dependency string, err error) error {
	return &Error{Kind: KindDependencyUnavailable, Op: op, Message: dependency + " unavailable", Err: err}
}
