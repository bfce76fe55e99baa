package ftpsession

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a bounded read or write moved no bytes
	// before its deadline elapsed.
	ErrTimeout = errors.New("ftp: i/o deadline exceeded")

	// ErrBrokenPipe is returned when the peer forcibly closed a connection
	// in the middle of a read or write.
	ErrBrokenPipe = errors.New("ftp: connection broken by peer")

	// ErrCanceled is returned when a blocking operation was interrupted by
	// context cancellation.
	ErrCanceled = errors.New("ftp: operation canceled")

	// ErrConnectionLost is returned when the control connection closed
	// while a reply was still expected. The session is torn down.
	ErrConnectionLost = errors.New("ftp: control connection lost")

	// ErrServiceClosing is returned when the server answered 421. The
	// session is torn down.
	ErrServiceClosing = errors.New("ftp: service shutting down")

	// ErrNotConnected is returned by operations on a closed session.
	ErrNotConnected = errors.New("ftp: not connected")

	// ErrTransferInProgress is returned when a transfer is requested while
	// another one still owns the data channel.
	ErrTransferInProgress = errors.New("ftp: transfer already in progress")

	// ErrPassiveRefused is returned when the server refused PASV and
	// falling back to PORT was not allowed.
	ErrPassiveRefused = errors.New("ftp: passive mode refused")

	// ErrActiveRefused is returned when the server refused PORT.
	ErrActiveRefused = errors.New("ftp: active mode refused")
)

// ProtocolError represents an FTP protocol error with full context of the
// command/response conversation. This provides detailed debugging information
// beyond simple error messages.
type ProtocolError struct {
	// Command is the FTP command that was sent (e.g., "STOR file.txt")
	Command string

	// Response is the raw response received from the server (e.g., "550 Permission denied")
	Response string

	// Code is the numeric FTP response code (e.g., 550)
	Code int
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ftp: %s failed: %s (code %d)", e.Command, e.Response, e.Code)
}

// IsTemporary returns true if the error is a temporary failure (4xx).
// This can be used to implement retry logic.
func (e *ProtocolError) IsTemporary() bool {
	return e.Code >= 400 && e.Code < 500
}

// IsPermanent returns true if the error is a permanent failure (5xx).
func (e *ProtocolError) IsPermanent() bool {
	return e.Code >= 500 && e.Code < 600
}

func newProtocolError(cmd string, resp *Response) *ProtocolError {
	return &ProtocolError{
		Command:  redactCommand(cmd),
		Response: resp.Message,
		Code:     resp.Code,
	}
}

// ConnectKind classifies connect-time failures for redial decisions.
type ConnectKind int

const (
	// ConnectFatal failures will not go away by retrying (unknown host,
	// malformed address, permanent refusal in the greeting).
	ConnectFatal ConnectKind = iota

	// ConnectRetryable failures are network-level and transient
	// (refused, unreachable, timed out).
	ConnectRetryable

	// ConnectRetryableGreeting means the peer accepted the connection but
	// hung up or sent 421 before a usable greeting.
	ConnectRetryableGreeting
)

func (k ConnectKind) String() string {
	switch k {
	case ConnectFatal:
		return "fatal"
	case ConnectRetryable:
		return "retryable"
	case ConnectRetryableGreeting:
		return "retryable after greeting failure"
	default:
		return "unknown"
	}
}

// ConnectError is returned by Dial.
type ConnectError struct {
	Addr string
	Kind ConnectKind
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ftp: connect %s (%s): %v", e.Addr, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Temporary reports whether redialing may succeed.
func (e *ConnectError) Temporary() bool {
	return e.Kind != ConnectFatal
}

// LoginError is returned when the login handshake ends in the rejected state.
type LoginError struct {
	// Step is the command whose reply rejected the login (USER, PASS or ACCT).
	Step string

	// Response is the raw server text, or nil when the connection was lost.
	Response *Response

	Err error
}

func (e *LoginError) Error() string {
	if e.Response != nil {
		return fmt.Sprintf("ftp: login rejected at %s: %s", e.Step, e.Response.String())
	}
	return fmt.Sprintf("ftp: login failed at %s: %v", e.Step, e.Err)
}

func (e *LoginError) Unwrap() error { return e.Err }

// TransferError describes a failed or aborted transfer. The data channel is
// always closed when a TransferError is returned.
type TransferError struct {
	Op         string
	BytesMoved int64

	// Aborted is set when the ABOR handshake was performed.
	Aborted bool

	// SessionClosed reports that the control channel was torn down as a
	// side effect. When false the session is still usable.
	SessionClosed bool

	Err error
}

func (e *TransferError) Error() string {
	state := "session usable"
	if e.SessionClosed {
		state = "session closed"
	}
	return fmt.Sprintf("ftp: %s failed after %d bytes (%s): %v", e.Op, e.BytesMoved, state, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
