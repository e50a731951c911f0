// ABOUTME: Error taxonomy for the connection engine
// ABOUTME: Each Kind maps to one recovery policy: retry, reconnect, invalidate, or stop

package gateway

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error by how the engine recovers from it.
type Kind int

const (
	// KindTransport covers dial, TLS, socket and API lookup failures. Retried with backoff.
	KindTransport Kind = iota + 1
	// KindHandshakeTimeout means Hello or ResumeAck did not arrive in time. Retried as a fresh connect.
	KindHandshakeTimeout
	// KindDecode is a frame that could not be decoded. Connection-fatal ones force a reconnect.
	KindDecode
	// KindProtocolViolation is a payload the server should not have sent. Forces a reconnect.
	KindProtocolViolation
	// KindSessionRejected means the server refused to resume. The session is invalidated.
	KindSessionRejected
	// KindFatalShutdown ends the engine and is delivered to the consumer.
	KindFatalShutdown
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindHandshakeTimeout:
		return "handshake_timeout"
	case KindDecode:
		return "decode"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindSessionRejected:
		return "session_rejected"
	case KindFatalShutdown:
		return "fatal_shutdown"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is an engine error with a Kind.
type Error struct {
	Kind Kind
	// Code is the gateway's hello or reconnect code, when there was one.
	Code int
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (code %d)", msg, e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same Kind, so errors.Is(err, &Error{Kind: KindTransport}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Op == "" && t.Err == nil && t.Code == 0
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of err, or zero when err is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsFatal reports whether err stops the engine for good.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatalShutdown
}

// ErrClosed is returned by Run after Close or context cancellation.
var ErrClosed = errors.New("gateway engine closed")

// ErrRetryBudgetExhausted is wrapped in the fatal error delivered when
// consecutive handshake failures exceed the configured budget.
var ErrRetryBudgetExhausted = errors.New("handshake retry budget exhausted")
