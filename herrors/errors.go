// Package herrors defines the structured error taxonomy used across the
// module host: every fallible operation returns (or wraps) an *Error so
// callers can switch on Phase/Kind instead of matching strings.
package herrors

import "fmt"

// Phase identifies which stage of the host's lifecycle produced an error.
type Phase string

const (
	PhaseBind      Phase = "bind"
	PhaseLoad      Phase = "load"
	PhaseLink      Phase = "link"
	PhaseMemory    Phase = "memory"
	PhaseTable     Phase = "table"
	PhaseExecute   Phase = "execute"
	PhaseSnapshot  Phase = "snapshot"
	PhaseTeardown  Phase = "teardown"
)

// Kind is a stable, switchable error category within a Phase.
type Kind string

const (
	KindAlreadyBound     Kind = "already_bound"
	KindUnbound          Kind = "unbound"
	KindFuncMismatch     Kind = "func_mismatch"
	KindBadArity         Kind = "bad_arity"
	KindOutOfMemory      Kind = "out_of_memory"
	KindOutOfMaxSize     Kind = "out_of_max_size"
	KindOutOfQuota       Kind = "out_of_quota"
	KindUnstableFileMap  Kind = "unstable_file_map"
	KindInvalidArgument  Kind = "invalid_argument"
	KindMissingImport    Kind = "missing_import"
	KindTypeMismatch     Kind = "type_mismatch"
	KindMissingGOTEntry  Kind = "missing_got_entry"
	KindInvalidLayout    Kind = "invalid_layout"
	KindDuplicateExport  Kind = "duplicate_export"
	KindTrap             Kind = "trap"
	KindExit             Kind = "exit"
	KindCtorFailed       Kind = "ctor_failed"
	KindZygoteFailed     Kind = "zygote_failed"
	KindNotFound         Kind = "not_found"
)

// Error is the structured error value returned by bind, execute, and
// dynamic_load.
type Error struct {
	Phase  Phase
	Kind   Kind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (caused by: %v)", e.Phase, e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Phase == t.Phase && e.Kind == t.Kind
}

// New builds an *Error with the given phase/kind and a formatted detail.
func New(phase Phase, kind Kind, format string, args ...any) *Error {
	return &Error{Phase: phase, Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error carrying an underlying cause.
func Wrap(phase Phase, kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Phase: phase, Kind: kind, Detail: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is a herrors.Error of the given phase/kind,
// unwrapping along the way.
func Is(err error, phase Phase, kind Kind) bool {
	var e *Error
	for err != nil {
		if he, ok := err.(*Error); ok {
			e = he
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Phase == phase && e.Kind == kind
}
