// Package kerrno is the closed taxonomy of kernel-surfaced failures and the wire encoding used to
// return them from a system call. Every subsystem error carries a [Kind]; the syscall dispatcher is
// the only place that collapses a Kind into the negative wire code a user program observes in its
// return register.
package kerrno

import (
	"errors"
	"fmt"
)

// Kind is one of the kernel's well-known failure categories. The zero value, Unknown, is not a
// reserved wire code: it exists so a zero Kind is never mistaken for success.
type Kind int

// The closed set of kernel failure kinds and their wire-protocol codes. Negative values are part of
// the syscall ABI and must not be renumbered.
const (
	Unknown Kind = iota

	PermissionDenied  // -1
	ResourceNotFound  // -2
	TaskCreationFail  // -3
	Interrupted       // -4
	InvalidHandle     // -9
	ResourceBusy      // -11
	OutOfMemory       // -12
	InvalidAddress    // -14
	NamingError       // -17
	InvalidParameter  // -22
	NotSupported      // -38
	UnknownSyscall    // not in §6's table but required by the syscall dispatcher's contract
	HandleLimitExceeded
)

var codes = map[Kind]int64{
	PermissionDenied:    -1,
	ResourceNotFound:    -2,
	TaskCreationFail:    -3,
	Interrupted:         -4,
	InvalidHandle:       -9,
	ResourceBusy:        -11,
	OutOfMemory:         -12,
	InvalidAddress:      -14,
	NamingError:         -17,
	InvalidParameter:    -22,
	NotSupported:        -38,
	UnknownSyscall:      -100,
	HandleLimitExceeded: -101,
}

var names = map[Kind]string{
	Unknown:             "unknown",
	PermissionDenied:    "permission denied",
	ResourceNotFound:    "resource not found",
	TaskCreationFail:    "task creation failed",
	Interrupted:         "interrupted",
	InvalidHandle:       "invalid handle",
	ResourceBusy:        "resource busy",
	OutOfMemory:         "out of memory",
	InvalidAddress:      "invalid address",
	NamingError:         "naming error",
	InvalidParameter:    "invalid parameter",
	NotSupported:        "not supported",
	UnknownSyscall:      "unknown system call",
	HandleLimitExceeded: "handle limit exceeded",
}

func (k Kind) String() string {
	if name, ok := names[k]; ok {
		return name
	}

	return fmt.Sprintf("kerrno(%d)", int(k))
}

// Encode returns the negative wire value for a Kind, as written into a syscall's result register.
// It is the single collapsing point the specification requires of the syscall dispatcher.
func Encode(kind Kind) int64 {
	if code, ok := codes[kind]; ok {
		return code
	}

	return codes[UnknownSyscall]
}

// Error wraps a Kind as an error, carrying an optional contextual message. Subsystem error types
// embed or produce an *Error so callers can use errors.Is/errors.As against a Kind.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "heap.Allocate"
	Msg  string // optional extra context
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}

	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

// Is reports whether target is an *Error with the same Kind. Any other target does not match.
func (e *Error) Is(target error) bool {
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}

	return false
}

// New creates an *Error for op with the given kind and formatted message.
func New(op string, kind Kind, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Of returns the Kind carried by err, if any, and whether one was found.
func Of(err error) (Kind, bool) {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind, true
	}

	return Unknown, false
}
