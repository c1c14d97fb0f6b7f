package stream

import (
	"bytes"
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultLimit is the default high-water mark of a Reader buffer.
const DefaultLimit = 1 << 16

// Reader buffers data pushed by a Transport and hands it out to a single consumer,
// either as fixed-size blocks (Read) or as delimiter-terminated records (ReadUntil).
//
// At most one Read or ReadUntil call may be outstanding at a time.
// Feed, FeedEOF and SetError are called by the transport side and never block.
type Reader struct {
	t     Transport
	limit int

	mu      sync.Mutex // guards following
	buf     []byte
	eof     bool
	paused  bool
	pending *request
	err     error // terminal

	lg *zap.Logger
}

// NewReader creates a Reader bound to t. A non-positive limit means DefaultLimit.
func NewReader(t Transport, limit int, logger *zap.Logger) *Reader {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{
		t:     t,
		limit: limit,
		lg:    logger,
	}
}

// Feed appends p to the buffer and wakes the pending read call if it can now be satisfied.
// It returns ErrFeedAfterEOF if called after FeedEOF, or the error of a failed pause.
func (r *Reader) Feed(p []byte) error {
	if len(p) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.eof {
		return ErrFeedAfterEOF
	}

	r.buf = append(r.buf, p...)

	if req := r.pending; req != nil && !req.resolved {
		if req.delim == nil {
			if len(r.buf) >= req.n {
				req.resolve(nil)
			}
		} else {
			// the delimiter could not be found before the new chunk, or the request would have been resolved
			start := len(r.buf) - len(p) - len(req.delim) + 1
			if start < 0 {
				start = 0
			}
			if bytes.Contains(r.buf[start:], req.delim) {
				req.resolve(nil)
			}
		}
	}

	return r.maybePauseLocked()
}

// FeedEOF marks the end of the stream. The pending read call, if any, is released
// and returns whatever is buffered.
func (r *Reader) FeedEOF() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.eof = true
	if req := r.pending; req != nil {
		req.resolve(nil)
	}
}

// SetError stores err as the terminal error of the reader. The pending read call and
// all later ones fail with it. Only the first error is kept.
func (r *Reader) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setErrorLocked(err)
}

func (r *Reader) setErrorLocked(err error) {
	if err == nil {
		return
	}
	if r.err == nil {
		r.err = err
	}
	if req := r.pending; req != nil {
		req.resolve(r.err)
	}
}

// Read returns exactly n bytes, waiting for them if necessary. At EOF it returns the
// remaining bytes, which may be fewer than n or none at all.
//
// n must not exceed the buffer limit. If ctx is done before the data arrives, Read
// returns ctx.Err() and the buffered data is kept for the next call.
func (r *Reader) Read(ctx context.Context, n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "read %d bytes", n)
	}
	if n == 0 {
		return []byte{}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkLocked(); err != nil {
		return nil, err
	}
	if n > r.limit {
		return nil, errors.Wrapf(ErrLimitExceeded, "read %d bytes with limit %d", n, r.limit)
	}

	if !r.eof && len(r.buf) < n {
		err := r.waitLocked(ctx, &request{waiter: newWaiter(), n: n})
		if err != nil {
			return nil, err
		}
	}

	if n > len(r.buf) {
		n = len(r.buf)
	}
	data := r.consumeLocked(n, n)
	return data, r.maybeResumeLocked()
}

// ReadUntil returns the bytes before the first occurrence of delim and discards the
// delimiter itself. At EOF without a delimiter, it returns all remaining bytes.
//
// ReadUntil fails with ErrLimitExceeded if the buffer fills up before delim shows up;
// the buffered bytes are kept and can still be consumed with Read.
func (r *Reader) ReadUntil(ctx context.Context, delim []byte) ([]byte, error) {
	if len(delim) == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "empty delimiter")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkLocked(); err != nil {
		return nil, err
	}

	if !r.eof && !bytes.Contains(r.buf, delim) {
		if r.paused {
			return nil, errors.Wrapf(ErrLimitExceeded, "delimiter not found in %d buffered bytes", len(r.buf))
		}
		err := r.waitLocked(ctx, &request{waiter: newWaiter(), delim: delim})
		if err != nil {
			return nil, err
		}
	}

	var data []byte
	if idx := bytes.Index(r.buf, delim); idx >= 0 {
		data = r.consumeLocked(idx, idx+len(delim))
	} else {
		// EOF without delimiter
		data = r.consumeLocked(len(r.buf), len(r.buf))
	}
	return data, r.maybeResumeLocked()
}

// AtEOF reports whether EOF was fed and the buffer is empty.
func (r *Reader) AtEOF() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eof && len(r.buf) == 0
}

// Buffered returns the number of bytes that can be read without waiting.
func (r *Reader) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Limit returns the buffer limit.
func (r *Reader) Limit() int {
	return r.limit
}

// Err returns the terminal error, if any.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Reader) checkLocked() error {
	if r.err != nil {
		return r.err
	}
	if r.pending != nil {
		return ErrReadPending
	}
	return nil
}

// waitLocked registers req as the pending request and waits for it to be resolved.
// r.mu is released while waiting.
func (r *Reader) waitLocked(ctx context.Context, req *request) error {
	r.pending = req
	r.mu.Unlock()

	var err error
	select {
	case err = <-req.done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	r.mu.Lock()
	r.pending = nil
	return err
}

// consumeLocked returns a copy of the first n bytes and drops the first drop bytes.
func (r *Reader) consumeLocked(n, drop int) []byte {
	data := make([]byte, n)
	copy(data, r.buf)
	rest := copy(r.buf, r.buf[drop:])
	r.buf = r.buf[:rest]
	return data
}

func (r *Reader) maybePauseLocked() error {
	logger := r.lg
	if r.paused || len(r.buf) <= r.limit {
		return nil
	}

	if err := r.t.PauseReading(); err != nil {
		err = errors.Wrap(err, "pause reading")
		logger.Error("failed to pause transport", zap.Int("buffered", len(r.buf)), zap.Int("limit", r.limit), zap.Error(err))
		r.setErrorLocked(err)
		return err
	}
	r.paused = true
	if logger.Core().Enabled(zapcore.DebugLevel) {
		logger.Debug("pause reading", zap.Int("buffered", len(r.buf)), zap.Int("limit", r.limit))
	}

	// A byte count request is always satisfied here since it never exceeds the limit.
	// A delimiter request is not, and no more data will come until the buffer shrinks.
	if req := r.pending; req != nil && !req.resolved {
		req.resolve(errors.Wrapf(ErrLimitExceeded, "delimiter not found in %d buffered bytes", len(r.buf)))
	}
	return nil
}

func (r *Reader) maybeResumeLocked() error {
	logger := r.lg
	if !r.paused || len(r.buf) >= r.limit {
		return nil
	}

	if err := r.t.ResumeReading(); err != nil {
		err = errors.Wrap(err, "resume reading")
		logger.Error("failed to resume transport", zap.Int("buffered", len(r.buf)), zap.Int("limit", r.limit), zap.Error(err))
		r.setErrorLocked(err)
		return err
	}
	r.paused = false
	if logger.Core().Enabled(zapcore.DebugLevel) {
		logger.Debug("resume reading", zap.Int("buffered", len(r.buf)), zap.Int("limit", r.limit))
	}
	return nil
}
