package stream

import (
	"github.com/pkg/errors"
)

// Usage errors. They indicate a caller bug and are never stored as the terminal error.
var (
	// ErrReadPending is returned when Read or ReadUntil is called while another read call is outstanding.
	ErrReadPending = errors.New("another read call already pending")
	// ErrDrainPending is returned when Drain is called while another drain call is outstanding.
	ErrDrainPending = errors.New("another drain call already pending")
	// ErrLimitExceeded is returned when a read call asks for more bytes than the buffer limit allows,
	// or when the buffer limit is reached while a ReadUntil call is waiting for its delimiter.
	ErrLimitExceeded = errors.New("buffer limit exceeded")
	// ErrFeedAfterEOF is returned when data is fed to a reader which has already seen EOF.
	ErrFeedAfterEOF = errors.New("feed data after EOF")
	// ErrInvalidArgument is returned for negative counts and empty delimiters.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Transport errors.
var (
	// ErrPauseUnsupported is returned by transports which cannot pause or resume reading.
	// A reader that fails to pause stores it as a terminal error since the buffer can no longer be bounded.
	ErrPauseUnsupported = errors.New("transport cannot pause or resume reading")
	// ErrConnectionLost is stored on the writer when the transport is closed without an error.
	ErrConnectionLost = errors.New("connection lost")
)
