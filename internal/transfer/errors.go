package transfer

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying transfer failures.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrDataChannelTimeout indicates the transport never became ready to send
	// within the configured window.
	ErrDataChannelTimeout = errors.New("data channel timeout")

	// ErrChecksumValidation indicates a digest mismatch between the received
	// checksum frame and the content actually received.
	ErrChecksumValidation = errors.New("checksum validation failed")

	// ErrFailedToTransfer wraps any failure while driving a send.
	ErrFailedToTransfer = errors.New("failed to transfer")

	// ErrFailedToDownload wraps I/O failures while writing restored files.
	ErrFailedToDownload = errors.New("failed to download")

	// ErrProtocolViolation indicates malformed or out-of-order frames.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrRestoreLocationMissing indicates no persisted data was found for a
	// fragment being restored.
	ErrRestoreLocationMissing = errors.New("restore location missing")

	// ErrAborted indicates the peer cancelled the data channel.
	ErrAborted = errors.New("data channel aborted")
)

// Error wraps an underlying error with a transfer classification.
type Error struct {
	// Kind is the sentinel error for classification.
	Kind error
	// Op describes what was being done, e.g. "send backup.txt".
	Op string
	// Err is the underlying error, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

func newError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func protocolViolation(format string, args ...any) *Error {
	return &Error{Kind: ErrProtocolViolation, Op: "assemble", Err: fmt.Errorf(format, args...)}
}

// AbortError carries the reason a peer gave when it cancelled the channel.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	if e.Reason == "" {
		return ErrAborted.Error()
	}
	return fmt.Sprintf("%v: %s", ErrAborted, e.Reason)
}

func (e *AbortError) Is(target error) bool {
	return target == ErrAborted
}

// NewProtocolError classifies err as a protocol violation.
func NewProtocolError(op string, err error) *Error {
	return newError(ErrProtocolViolation, op, err)
}

// NewError classifies err with one of the sentinel kinds above.
func NewError(kind error, op string, err error) *Error {
	return newError(kind, op, err)
}
