package http2

import (
	"errors"
	"fmt"
)

// ErrorCode defines the HTTP/2 error codes:
//
// Error codes are defined here http://httpwg.org/specs/rfc7540.html#ErrorCodes
//
// Errors must be uint32 because of FrameReset
type ErrorCode uint32

const (
	NoError              ErrorCode = 0x0
	ProtocolError        ErrorCode = 0x1
	InternalError        ErrorCode = 0x2
	FlowControlError     ErrorCode = 0x3
	SettingsTimeoutError ErrorCode = 0x4
	StreamClosedError    ErrorCode = 0x5
	FrameSizeError       ErrorCode = 0x6
	RefusedStreamError   ErrorCode = 0x7
	StreamCanceled       ErrorCode = 0x8
	CompressionError     ErrorCode = 0x9
	ConnectionError      ErrorCode = 0xa
	EnhanceYourCalm      ErrorCode = 0xb
	InadequateSecurity   ErrorCode = 0xc
	HTTP11Required       ErrorCode = 0xd
)

func (e ErrorCode) String() string {
	if int(e) >= len(errParser) {
		return "Unknown"
	}

	return errParser[e]
}

var errParser = []string{
	NoError:              "No errors",
	ProtocolError:        "Protocol error",
	InternalError:        "Internal error",
	FlowControlError:     "Flow control error",
	SettingsTimeoutError: "Settings timeout",
	StreamClosedError:    "Stream have been closed",
	FrameSizeError:       "Frame size error",
	RefusedStreamError:   "Refused stream",
	StreamCanceled:       "Stream canceled",
	CompressionError:     "Compression error",
	ConnectionError:      "Connection error",
	EnhanceYourCalm:      "Enhance your calm",
	InadequateSecurity:   "Inadequate security",
	HTTP11Required:       "HTTP/1.1 required",
}

// Error defines a protocol error. Every Error is scoped either to the
// whole connection (it will carry a GOAWAY) or to a single stream (it
// will carry a RST_STREAM).
type Error struct {
	code     ErrorCode
	debug    string
	isStream bool
}

// NewError creates a new connection-scoped Error.
func NewError(e ErrorCode, debug string) Error {
	return Error{
		code:  e,
		debug: debug,
	}
}

// NewStreamError creates a new stream-scoped Error.
func NewStreamError(e ErrorCode, debug string) Error {
	return Error{
		code:     e,
		debug:    debug,
		isStream: true,
	}
}

// Code returns the error code.
func (e Error) Code() ErrorCode {
	return e.code
}

// Debug returns the debug data attached to the error.
func (e Error) Debug() string {
	return e.debug
}

// IsStream tells whether the error affects a single stream only.
func (e Error) IsStream() bool {
	return e.isStream
}

func (e Error) Is(target error) bool {
	var err Error
	if errors.As(target, &err) {
		return err.code == e.code
	}

	return false
}

func (e Error) Error() string {
	if len(e.debug) == 0 {
		return e.code.String()
	}

	return fmt.Sprintf("%s: %s", e.code, e.debug)
}

var (
	// ErrServerSupport indicates whether the server supports HTTP/2 or not.
	ErrServerSupport = errors.New("server doesn't support HTTP/2")
	// ErrNotAvailableStreams is returned when the peer's concurrent
	// stream limit has been reached. The request can be retried later.
	ErrNotAvailableStreams = errors.New("ran out of available streams")
	// ErrStreamExhausted is returned when the connection ran out of
	// stream identifiers. The connection must be rotated.
	ErrStreamExhausted = errors.New("stream identifiers exhausted, reopen the connection")
	// ErrConnDisposed is returned on any operation over a disposed connection.
	ErrConnDisposed = errors.New("connection has been disposed")
	// ErrNotProcessed is returned for streams above the GOAWAY's last
	// stream id. The request was never acted on and is safe to retry.
	ErrNotProcessed = errors.New("request not processed by the server")
	// ErrBodyTooLarge is returned when the response body exceeds the
	// configured limit.
	ErrBodyTooLarge = errors.New("response body is too large")
	// ErrTimeout is returned when the settings handshake doesn't
	// complete in time or the server stops answering pings.
	ErrTimeout = errors.New("timeout waiting for the server")

	ErrUnknownFrameType = errors.New("unknown frame type")
	ErrZeroPayload      = errors.New("frame payload len = 0")
	ErrMissingBytes     = errors.New("missing payload bytes")
	ErrBitOverflow      = errors.New("bit overflow")
	ErrPayloadExceeds   = errors.New("frame payload exceeds the negotiated maximum size")
)
