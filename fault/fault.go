// Package fault defines the closed error taxonomy shared by the payment,
// work-item and dispute state machines. Callers classify with KindOf and
// errors.Is; services wrap with the constructors so the kind survives %w
// chains.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for handling policy.
type Kind int

const (
	// KindUnknown is the zero kind for errors outside the taxonomy.
	KindUnknown Kind = iota
	// KindValidation marks malformed input, rejected before any state change.
	KindValidation
	// KindGuardViolation marks an illegal transition for the current state.
	KindGuardViolation
	// KindConcurrentModification marks a lost race with another writer.
	// Callers retry a bounded number of times by re-reading current state.
	KindConcurrentModification
	// KindExternalDependency marks a gateway or collaborator failure. The
	// transition was not applied and the operation is safe to retry.
	KindExternalDependency
	// KindInconsistent marks a violated invariant. It indicates a bug; the
	// entity is frozen pending manual review, never silently repaired.
	KindInconsistent
	// KindNotFound marks a missing entity.
	KindNotFound
	// KindForbidden marks an actor without the capability for the operation.
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindGuardViolation:
		return "guard_violation"
	case KindConcurrentModification:
		return "concurrent_modification"
	case KindExternalDependency:
		return "external_dependency"
	case KindInconsistent:
		return "inconsistent"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Error carries a kind alongside a wrapped cause or message.
type Error struct {
	kind Kind
	err  error
}

func (e *Error) Error() string {
	return e.err.Error()
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is lets errors.Is match two fault errors of the same kind, and also match
// against the bare kind sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.kind == e.kind && t.err == nil
}

// Kind sentinels usable with errors.Is when only the classification matters.
var (
	Validation             = &Error{kind: KindValidation}
	GuardViolation         = &Error{kind: KindGuardViolation}
	ConcurrentModification = &Error{kind: KindConcurrentModification}
	ExternalDependency     = &Error{kind: KindExternalDependency}
	Inconsistent           = &Error{kind: KindInconsistent}
	NotFound               = &Error{kind: KindNotFound}
	Forbidden              = &Error{kind: KindForbidden}
)

// New builds a fault of the given kind from a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error, preserving the chain.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: err}
}

// KindOf reports the kind of err, or KindUnknown when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindUnknown
}
