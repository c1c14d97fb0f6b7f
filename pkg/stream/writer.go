package stream

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Writer forwards writes to a Transport. Write never blocks; callers that produce
// bursts of data should call Drain between them so that the transport send buffer
// stays bounded.
type Writer struct {
	t Transport

	mu      sync.Mutex // guards following
	paused  bool
	pending *waiter
	err     error // terminal
	closed  bool

	lg *zap.Logger
}

// NewWriter creates a Writer bound to t.
func NewWriter(t Transport, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		t:  t,
		lg: logger,
	}
}

// Write hands p to the transport. It fails only if a terminal error has been stored
// or the transport refuses the data.
func (w *Writer) Write(p []byte) error {
	if err := w.Err(); err != nil {
		return err
	}
	return w.t.Write(p)
}

// WriteString is like Write, but writes the contents of string s.
func (w *Writer) WriteString(s string) error {
	return w.Write([]byte(s))
}

// WriteEOF closes the write end of the transport after queued data has been sent.
func (w *Writer) WriteEOF() error {
	if err := w.Err(); err != nil {
		return err
	}
	return w.t.WriteEOF()
}

// CanWriteEOF reports whether the transport supports WriteEOF.
func (w *Writer) CanWriteEOF() bool {
	return w.t.CanWriteEOF()
}

// ExtraInfo returns optional transport information, such as "peername".
func (w *Writer) ExtraInfo(name string) (any, bool) {
	return w.t.ExtraInfo(name)
}

// Close closes the transport. Calling Close more than once is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	return w.t.Close()
}

// Drain waits until the transport can accept more data. It returns immediately if
// the transport is not paused, and fails immediately if a terminal error has been stored.
// Only one Drain call may be outstanding at a time.
func (w *Writer) Drain(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if !w.paused {
		return nil
	}
	if w.pending != nil {
		return ErrDrainPending
	}

	wt := newWaiter()
	w.pending = wt
	w.mu.Unlock()

	var err error
	select {
	case err = <-wt.done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	w.mu.Lock()
	w.pending = nil
	return err
}

// Pause is called by the transport when its send buffer is above its high-water mark.
func (w *Writer) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = true
	if w.lg.Core().Enabled(zapcore.DebugLevel) {
		w.lg.Debug("pause writing")
	}
}

// Resume is called by the transport when its send buffer has drained. It releases the pending Drain call.
func (w *Writer) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = false
	if w.pending != nil {
		w.pending.resolve(nil)
	}
	if w.lg.Core().Enabled(zapcore.DebugLevel) {
		w.lg.Debug("resume writing")
	}
}

// SetError stores err as the terminal error. The pending Drain call and all later
// calls fail with it. Only the first error is kept.
func (w *Writer) SetError(err error) {
	if err == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
	if w.pending != nil {
		w.pending.resolve(w.err)
	}
}

// Err returns the terminal error, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Paused reports whether the transport asked to stop writing.
func (w *Writer) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}
