package stream

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/streamio/pkg/util/logutil"
)

// Handler serves one connection. It runs in its own goroutine once the Reader and the
// Writer are ready. ctx is canceled when the connection is lost.
type Handler func(ctx context.Context, r *Reader, w *Writer)

// Protocol binds the push callbacks of a Transport to one Reader and one Writer.
// It does not retry or reinterpret transport errors.
type Protocol struct {
	handler Handler
	limit   int

	t      Transport
	reader *Reader
	writer *Writer
	ready  chan struct{} // closed by ConnectionMade

	ctx      context.Context
	cancel   context.CancelFunc
	handlers sync.WaitGroup

	lg *zap.Logger
}

// NewProtocol creates a Protocol. handler may be nil, in which case the pair is only
// available through Reader and Writer once Ready is closed.
func NewProtocol(ctx context.Context, handler Handler, limit int, logger *zap.Logger) *Protocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Protocol{
		handler: handler,
		limit:   limit,
		ready:   make(chan struct{}),
		lg:      logger,
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	return p
}

// ConnectionMade creates the Reader and the Writer and starts the handler.
// It must be called exactly once, before any other callback.
func (p *Protocol) ConnectionMade(t Transport) {
	p.t = t
	p.reader = NewReader(t, p.limit, p.lg)
	p.writer = NewWriter(t, p.lg)
	close(p.ready)

	if p.handler != nil {
		p.handlers.Add(1)
		go p.runHandler()
	}
}

// DataReceived feeds data to the reader. If the reader rejects it, the transport is aborted.
func (p *Protocol) DataReceived(data []byte) {
	if err := p.reader.Feed(data); err != nil {
		p.lg.Error("failed to feed data, abort transport", zap.Int("length", len(data)), zap.Error(err))
		p.t.Abort(err)
	}
}

// EOFReceived feeds EOF to the reader. It returns true to keep the write end open.
func (p *Protocol) EOFReceived() bool {
	p.reader.FeedEOF()
	return true
}

// ConnectionLost tears the pair down. A nil err means a clean close: the reader sees EOF
// and the writer fails with ErrConnectionLost.
func (p *Protocol) ConnectionLost(err error) {
	if err == nil {
		p.reader.FeedEOF()
		p.writer.SetError(ErrConnectionLost)
	} else {
		p.reader.SetError(err)
		p.writer.SetError(err)
	}
	p.cancel()
}

// PauseWriting is called when the transport send buffer is above its high-water mark.
func (p *Protocol) PauseWriting() {
	p.writer.Pause()
}

// ResumeWriting is called when the transport send buffer has drained.
func (p *Protocol) ResumeWriting() {
	p.writer.Resume()
}

// Ready is closed once the Reader and the Writer are available.
func (p *Protocol) Ready() <-chan struct{} {
	return p.ready
}

// Reader returns the reader. It is nil until Ready is closed.
func (p *Protocol) Reader() *Reader {
	return p.reader
}

// Writer returns the writer. It is nil until Ready is closed.
func (p *Protocol) Writer() *Writer {
	return p.writer
}

// Wait waits for the handler to return.
func (p *Protocol) Wait() {
	p.handlers.Wait()
}

func (p *Protocol) runHandler() {
	defer p.handlers.Done()
	defer logutil.RecoverPanic(p.lg, func(e interface{}) {
		p.t.Abort(errors.Errorf("handler panic: %v", e))
	})
	p.handler(p.ctx, p.reader, p.writer)
}
