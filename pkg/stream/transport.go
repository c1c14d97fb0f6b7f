package stream

// Transport is the duplex byte-stream endpoint a Reader and a Writer are bound to.
// All methods must be safe for concurrent use and must never block on the network.
type Transport interface {
	// Write queues p to be sent. The transport must not retain p after Write returns.
	Write(p []byte) error

	// WriteEOF closes the write end after all queued data has been sent.
	WriteEOF() error

	// CanWriteEOF reports whether WriteEOF is supported.
	CanWriteEOF() bool

	// Close flushes queued data and closes the transport.
	Close() error

	// Abort closes the transport immediately, dropping queued data, and reports err
	// as the reason the connection was lost.
	Abort(err error)

	// PauseReading stops the delivery of data until ResumeReading is called.
	// Transports which cannot do that return an error wrapping ErrPauseUnsupported.
	PauseReading() error

	// ResumeReading restarts the delivery of data.
	ResumeReading() error

	// ExtraInfo returns optional information about the transport, such as "peername".
	ExtraInfo(name string) (any, bool)
}
