// Package errs defines the closed set of error kinds the rollup manager
// raises, and maps them onto gRPC status codes at the RPC boundary.
package errs

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is one of the manager's closed set of error categories.
type Kind int

const (
	// InvalidArgument covers malformed requests, unknown ids, and
	// size/alignment violations.
	InvalidArgument Kind = iota
	// AlreadyExists covers a duplicate session id.
	AlreadyExists
	// FailedPrecondition covers a machine-server version incompatible
	// with the manager's compiled-in version.
	FailedPrecondition
	// OutOfRange covers numeric overflow, unaligned ranges, and unknown
	// yield reasons.
	OutOfRange
	// Aborted covers a concurrent call on a locked session.
	Aborted
	// DataLoss covers an attempted mutation on a tainted session.
	DataLoss
	// ResourceExhausted covers failure to establish a machine stub.
	ResourceExhausted
	// Internal covers invariant violations and unexpected failures.
	Internal
)

var kindNames = map[Kind]string{
	InvalidArgument:     "invalid_argument",
	AlreadyExists:       "already_exists",
	FailedPrecondition:  "failed_precondition",
	OutOfRange:          "out_of_range",
	Aborted:             "aborted",
	DataLoss:            "data_loss",
	ResourceExhausted:   "resource_exhausted",
	Internal:            "internal",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Code maps a Kind onto its gRPC status code.
func (k Kind) Code() codes.Code {
	switch k {
	case InvalidArgument:
		return codes.InvalidArgument
	case AlreadyExists:
		return codes.AlreadyExists
	case FailedPrecondition:
		return codes.FailedPrecondition
	case OutOfRange:
		return codes.OutOfRange
	case Aborted:
		return codes.Aborted
	case DataLoss:
		return codes.DataLoss
	case ResourceExhausted:
		return codes.ResourceExhausted
	case Internal:
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// Error is a manager error carrying a Kind, suitable both for internal
// taint bookkeeping and for conversion to a gRPC status at the RPC
// boundary.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error {
	return e.err
}

// GRPCStatus implements the interface google.golang.org/grpc/status.FromError
// uses to recover a status directly from an error value.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Kind.Code(), e.Error())
}

// New constructs an *Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given kind, wrapping an underlying
// error for %w-style unwrapping.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// defaulting to Internal for any other error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// DeadlineExceeded reports whether err represents a transport deadline
// expiring, which is propagated as-is rather than reclassified.
func DeadlineExceeded(err error) bool {
	return status.Code(err) == codes.DeadlineExceeded
}
