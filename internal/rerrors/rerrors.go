// Package rerrors implements the debugger's closed error taxonomy:
// every error the engine returns to a client carries a Kind and a
// Fatal bit.
package rerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error within the closed taxonomy.
type Kind int

const (
	// Lookup failures.
	PlaceNotFound Kind = iota
	FunctionNotFound
	UnitNotFound
	DieNotFound
	RegisterNotFound
	TypeNotFound

	// Value-parse failures.
	UnexpectedBinaryRepr
	NoData
	UnknownSize
	UnsupportedType
	IncorrectAssumption

	// Dwarf-eval failures.
	EvalOptionRequired
	EvalUnsupportedRequire
	NoFBA
	ImplicitPointer

	// Syscall failures.
	Waitpid
	Ptrace
	Syscall

	// Debuggee lifecycle.
	ProcessExit
	ProcessNotStarted
	AlreadyRun

	// Call-injector failures.
	Mmap
	Munmap
	Jmp
	FunctionNotFoundOrTooMany
	UnsupportedLiteral
	InvalidArgumentCount
	TooManyArguments
	UnsupportedRustC

	// Watchpoint failures.
	NotEnoughSlots
	WrongSize

	// Stepping / breakpoint failures.
	UnsupportedDeref
	NotFatal
)

var kindNames = map[Kind]string{
	PlaceNotFound:             "PlaceNotFound",
	FunctionNotFound:          "FunctionNotFound",
	UnitNotFound:              "UnitNotFound",
	DieNotFound:               "DieNotFound",
	RegisterNotFound:          "RegisterNotFound",
	TypeNotFound:              "TypeNotFound",
	UnexpectedBinaryRepr:      "UnexpectedBinaryRepr",
	NoData:                    "NoData",
	UnknownSize:               "UnknownSize",
	UnsupportedType:           "UnsupportedType",
	IncorrectAssumption:       "IncorrectAssumption",
	EvalOptionRequired:        "EvalOptionRequired",
	EvalUnsupportedRequire:    "EvalUnsupportedRequire",
	NoFBA:                     "NoFBA",
	ImplicitPointer:           "ImplicitPointer",
	Waitpid:                   "Waitpid",
	Ptrace:                    "Ptrace",
	Syscall:                   "Syscall",
	ProcessExit:               "ProcessExit",
	ProcessNotStarted:         "ProcessNotStarted",
	AlreadyRun:                "AlreadyRun",
	Mmap:                      "Mmap",
	Munmap:                    "Munmap",
	Jmp:                       "Jmp",
	FunctionNotFoundOrTooMany: "FunctionNotFoundOrTooMany",
	UnsupportedLiteral:        "UnsupportedLiteral",
	InvalidArgumentCount:      "InvalidArgumentCount",
	TooManyArguments:          "TooManyArguments",
	UnsupportedRustC:          "UnsupportedRustC",
	NotEnoughSlots:            "NotEnoughSlots",
	WrongSize:                 "WrongSize",
	UnsupportedDeref:          "UnsupportedDeref",
	NotFatal:                  "NotFatal",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "UnknownKind"
}

// fatalKinds lists the kinds that are fatal by default: the failure
// originated in the main event loop and the session cannot continue.
var fatalKinds = map[Kind]bool{
	Waitpid: true,
	Ptrace:  true,
	Syscall: true,
}

// Error is the single exported error type for the engine. Wrap any
// underlying cause with %w so errors.Is/As still see through it.
type Error struct {
	Kind  Kind
	Fatal bool
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, rerrors.New(SomeKind, "")) style matching
// on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an Error, deriving Fatal from the kind's default unless
// the kind is a syscall-class kind originating outside the main loop
// (callers may override with WithFatal).
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Fatal: fatalKinds[kind], Msg: msg}
}

// Wrap builds an Error around an underlying cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Fatal: fatalKinds[kind], Msg: msg, Cause: cause}
}

// WithFatal overrides the default fatality, for example a Waitpid
// failure encountered outside the main loop (non-fatal) or a
// lookup failure encountered while the tracer itself is unwinding
// after a fatal syscall error.
func (e *Error) WithFatal(fatal bool) *Error {
	e.Fatal = fatal
	return e
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsFatal reports whether err is a fatal *Error. A non-*Error error is
// never considered fatal by this taxonomy.
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Fatal
	}
	return false
}
