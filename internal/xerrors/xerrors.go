// Package xerrors defines the error taxonomy shared by the replay engine.
//
// Core packages (selectors, chunk store, rate limiter, table) return these
// kinds; the server maps them onto gRPC status codes at the transport
// boundary and clients map them back.
package xerrors

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies an error the way the wire protocol does.
type Kind int

const (
	OK Kind = iota
	InvalidArgument
	NotFound
	FailedPrecondition
	ResourceExhausted
	DeadlineExceeded
	Cancelled
	Unavailable
	Aborted
	Internal
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "OK"
	case InvalidArgument:
		return "InvalidArgument"
	case NotFound:
		return "NotFound"
	case FailedPrecondition:
		return "FailedPrecondition"
	case ResourceExhausted:
		return "ResourceExhausted"
	case DeadlineExceeded:
		return "DeadlineExceeded"
	case Cancelled:
		return "Cancelled"
	case Unavailable:
		return "Unavailable"
	case Aborted:
		return "Aborted"
	default:
		return "Internal"
	}
}

// Error carries a kind, a message and an optional wrapped cause.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the classification of the error.
func (e *Error) Kind() Kind { return e.kind }

// Message returns the message without the kind prefix.
func (e *Error) Message() string { return e.msg }

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, err error, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

func InvalidArgumentf(format string, args ...any) error {
	return New(InvalidArgument, format, args...)
}

func NotFoundf(format string, args ...any) error {
	return New(NotFound, format, args...)
}

func FailedPreconditionf(format string, args ...any) error {
	return New(FailedPrecondition, format, args...)
}

func ResourceExhaustedf(format string, args ...any) error {
	return New(ResourceExhausted, format, args...)
}

func DeadlineExceededf(format string, args ...any) error {
	return New(DeadlineExceeded, format, args...)
}

func Cancelledf(format string, args ...any) error {
	return New(Cancelled, format, args...)
}

func Unavailablef(format string, args ...any) error {
	return New(Unavailable, format, args...)
}

func Internalf(format string, args ...any) error {
	return New(Internal, format, args...)
}

// KindOf extracts the kind from an error produced by this package or by the
// gRPC transport. Unclassified errors report Internal.
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	if s, ok := status.FromError(err); ok {
		return kindFromCode(s.Code())
	}
	return Internal
}

// rateLimiterTimeoutMessage is the marker that distinguishes a rate-limiter
// timeout from any other DeadlineExceeded. Dataset iterators use it to turn
// the timeout into end-of-sequence.
const rateLimiterTimeoutMessage = "Rate Limiter: Timeout exceeded before the right to insert was acquired."

// RateLimiterTimeout returns the tagged DeadlineExceeded the rate limiter
// reports when a caller's wait expires.
func RateLimiterTimeout() error {
	return New(DeadlineExceeded, rateLimiterTimeoutMessage)
}

// IsRateLimiterTimeout reports whether err is a rate-limiter timeout,
// regardless of whether it crossed the wire.
func IsRateLimiterTimeout(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == DeadlineExceeded &&
		strings.Contains(err.Error(), rateLimiterTimeoutMessage)
}

// ToStatus converts an error into the gRPC status error sent on the wire.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var e *Error
	if errors.As(err, &e) {
		return status.Error(codeFromKind(e.kind), strings.TrimPrefix(err.Error(), e.kind.String()+": "))
	}
	return status.Error(codes.Internal, err.Error())
}

// FromStatus converts a gRPC status error received from the wire back into
// the local taxonomy.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	s, ok := status.FromError(err)
	if !ok {
		return Wrap(Internal, err, "non-status transport error")
	}
	return New(kindFromCode(s.Code()), "%s", s.Message())
}

func codeFromKind(k Kind) codes.Code {
	switch k {
	case InvalidArgument:
		return codes.InvalidArgument
	case NotFound:
		return codes.NotFound
	case FailedPrecondition:
		return codes.FailedPrecondition
	case ResourceExhausted:
		return codes.ResourceExhausted
	case DeadlineExceeded:
		return codes.DeadlineExceeded
	case Cancelled:
		return codes.Canceled
	case Unavailable:
		return codes.Unavailable
	case Aborted:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

func kindFromCode(c codes.Code) Kind {
	switch c {
	case codes.OK:
		return OK
	case codes.InvalidArgument:
		return InvalidArgument
	case codes.NotFound:
		return NotFound
	case codes.FailedPrecondition:
		return FailedPrecondition
	case codes.ResourceExhausted:
		return ResourceExhausted
	case codes.DeadlineExceeded:
		return DeadlineExceeded
	case codes.Canceled:
		return Cancelled
	case codes.Unavailable:
		return Unavailable
	case codes.Aborted:
		return Aborted
	default:
		return Internal
	}
}

// IsTransient reports whether the writer should retry the stream after err.
func IsTransient(err error) bool {
	k := KindOf(err)
	return k == Unavailable || k == Aborted
}
