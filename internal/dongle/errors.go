package dongle

import (
	"errors"
	"fmt"
)

// Kind classifies a failure surfaced by the dongle package.
type Kind int

const (
	KindUnknown Kind = iota
	// KindIncomplete means a frame needs more bytes. The frame reader
	// consumes it internally; callers only see it wrapped in KindComm when a
	// handshake reply is missing fields.
	KindIncomplete
	// KindBadEncoding means non UTF-8 bytes arrived where text was expected.
	KindBadEncoding
	// KindEndOfStream means the stream closed in the middle of a read.
	KindEndOfStream
	// KindIO is a transport level failure (open, write or read).
	KindIO
	// KindComm wraps framing failures at the connection boundary.
	KindComm
	// KindDongle means the handshake was explicitly refused by the device.
	KindDongle
	// KindJSON means a JSON value was malformed or did not fit the expected payload.
	KindJSON
	// KindProtocol means a reply carried no recognizable acknowledgement.
	KindProtocol
	// KindUnsupported is returned by operations the driver cannot perform yet.
	KindUnsupported
	// KindPhase is returned when a connection value is used after it
	// transitioned to another phase or was closed.
	KindPhase
)

func (k Kind) String() string {
	switch k {
	case KindIncomplete:
		return "incomplete"
	case KindBadEncoding:
		return "bad encoding"
	case KindEndOfStream:
		return "end of stream"
	case KindIO:
		return "io"
	case KindComm:
		return "comm"
	case KindDongle:
		return "dongle"
	case KindJSON:
		return "json"
	case KindProtocol:
		return "protocol"
	case KindUnsupported:
		return "unsupported"
	case KindPhase:
		return "phase"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Framing sentinels. They are matched with errors.Is through any *Error wrapper.
var (
	ErrIncomplete  = errors.New("dongle: need more bytes")
	ErrBadEncoding = errors.New("dongle: failed to decode serial data as text")
	ErrEndOfStream = errors.New("dongle: expected more bytes but reached end of stream")

	ErrNoDongle = errors.New("dongle: no dongle detected")
	ErrConsumed = errors.New("dongle: connection already left this phase")
)

// Error is the error type returned at the connection API boundary.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "initialize" or "get-blind"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("dongle: %s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("dongle: %s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first *Error in err's chain. Bare framing
// sentinels map to their own kinds.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	switch {
	case errors.Is(err, ErrIncomplete):
		return KindIncomplete
	case errors.Is(err, ErrBadEncoding):
		return KindBadEncoding
	case errors.Is(err, ErrEndOfStream):
		return KindEndOfStream
	}
	return KindUnknown
}

// IsTransport reports whether err means the underlying stream can no longer
// be trusted and the connection should be reopened.
func IsTransport(err error) bool {
	switch KindOf(err) {
	case KindIO, KindComm, KindEndOfStream, KindBadEncoding, KindPhase:
		return true
	}
	return false
}

// RejectedError carries a failure message reported by the dongle for an
// otherwise successful exchange (DONGLE_KO).
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return "dongle: command rejected"
	}
	return "dongle: command rejected: " + e.Message
}

func ioError(op string, err error) *Error {
	return &Error{Kind: KindIO, Op: op, Err: err}
}

func commError(op string, err error) *Error {
	return &Error{Kind: KindComm, Op: op, Msg: "failed to read from serial", Err: err}
}

func unsupported(op, msg string) *Error {
	return &Error{Kind: KindUnsupported, Op: op, Msg: msg}
}
