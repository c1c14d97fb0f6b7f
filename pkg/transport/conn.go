// Package transport drives a stream.Protocol over any io.ReadWriteCloser.
package transport

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/AutoMQ/streamio/pkg/metrics"
	"github.com/AutoMQ/streamio/pkg/stream"
	"github.com/AutoMQ/streamio/pkg/util/logutil"
)

const (
	_defaultReadChunkSize  = 64 * 1024
	_defaultWriteHighWater = 64 * 1024
)

var (
	// ErrClosed is returned by writes on a Conn that is closing or closed.
	ErrClosed = errors.New("transport closed")
	// ErrWriteEOFUnsupported is returned by WriteEOF if the underlying connection cannot be half-closed.
	ErrWriteEOFUnsupported = errors.New("write EOF not supported")
)

// Protocol receives the events of a Conn. Data events are delivered on a single goroutine.
type Protocol interface {
	ConnectionMade(t stream.Transport)
	DataReceived(data []byte)
	// EOFReceived is called when the peer closed its write end. Returning false closes the Conn.
	EOFReceived() bool
	// ConnectionLost is called exactly once. err is nil on a clean close.
	ConnectionLost(err error)
	PauseWriting()
	ResumeWriting()
}

// Config is the configuration of a Conn.
type Config struct {
	// ReadChunkSize is the size of the buffer used for each read.
	ReadChunkSize int
	// WriteHighWater is the number of queued bytes above which the protocol is asked to pause writing.
	WriteHighWater int
	// WriteLowWater is the number of queued bytes at or below which writing is resumed.
	// It defaults to a quarter of WriteHighWater.
	WriteLowWater int
	// DisableRead makes the Conn report EOF immediately without reading, e.g. for write-only files.
	DisableRead bool

	Metrics *metrics.Registry
}

// Adjust fills in the default values.
func (c *Config) Adjust() {
	if c.ReadChunkSize <= 0 {
		c.ReadChunkSize = _defaultReadChunkSize
	}
	if c.WriteHighWater <= 0 {
		c.WriteHighWater = _defaultWriteHighWater
	}
	if c.WriteLowWater <= 0 || c.WriteLowWater > c.WriteHighWater {
		c.WriteLowWater = c.WriteHighWater / 4
	}
}

type readResult struct {
	data []byte
	free func()
	err  error
}

type closeWriter interface {
	CloseWrite() error
}

// Conn implements stream.Transport. It reads on one goroutine, writes on another,
// and delivers events to its Protocol from a serve loop.
type Conn struct {
	// Immutable:
	id  string
	rwc io.ReadWriteCloser
	p   Protocol
	cfg Config

	readCh      chan readResult // written by readLoop
	serveMsgCh  chan struct{}   // wakes the serve loop after a resume
	writerDone  chan struct{}   // closed when writeLoop has closed rwc
	doneServing chan struct{}   // closed when serve ends
	readPaused  atomic.Bool
	startOnce   sync.Once
	closeOnce   sync.Once

	wmu      sync.Mutex // guards following
	wqueue   [][]byte
	wpending int
	wpaused  bool
	weof     bool // WriteEOF requested
	eofSent  bool
	closing  bool
	aborted  bool
	err      error         // passed to ConnectionLost
	wnotify  chan struct{} // wakes writeLoop

	lg *zap.Logger
}

// New creates a Conn. Nothing happens until Start is called.
func New(rwc io.ReadWriteCloser, p Protocol, cfg Config, logger *zap.Logger) *Conn {
	cfg.Adjust()
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Conn{
		id:          id,
		rwc:         rwc,
		p:           p,
		cfg:         cfg,
		readCh:      make(chan readResult),
		serveMsgCh:  make(chan struct{}, 1),
		writerDone:  make(chan struct{}),
		doneServing: make(chan struct{}),
		wnotify:     make(chan struct{}, 1),
		lg:          logger.With(zap.String("conn-id", id)),
	}
}

// ID returns the unique ID of the connection.
func (c *Conn) ID() string {
	return c.id
}

// Start calls ConnectionMade and starts serving. It has no effect after the first call.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.p.ConnectionMade(c)
		go c.serve()
	})
}

// Done is closed after ConnectionLost has returned.
func (c *Conn) Done() <-chan struct{} {
	return c.doneServing
}

func (c *Conn) serve() {
	logger := c.lg
	defer logutil.LogPanic(logger)

	logger.Info("start to serve connection")
	go c.writeLoop()

	readDone := c.cfg.DisableRead
	if readDone {
		c.eofReceived()
	} else {
		go c.readLoop() // stopped by c.rwc.Close in writeLoop
	}

	for {
		var readCh chan readResult
		if !readDone && !c.readPaused.Load() {
			readCh = c.readCh
		}

		select {
		case res := <-readCh:
			if res.err == nil {
				c.cfg.Metrics.Received(len(res.data))
				c.p.DataReceived(res.data)
				res.free()
				continue
			}
			readDone = true
			if errors.Is(res.err, io.EOF) {
				c.eofReceived()
				continue
			}
			if c.isClosing() {
				// our own close interrupted the read
				continue
			}
			logger.Error("failed to read from connection", zap.Error(res.err))
			c.Abort(errors.Wrap(res.err, "read"))
		case <-c.serveMsgCh:
		case <-c.writerDone:
			err := c.closeErr()
			c.p.ConnectionLost(err)
			logger.Info("connection closed", zap.Error(err))
			close(c.doneServing)
			return
		}
	}
}

func (c *Conn) eofReceived() {
	if logger := c.lg; logger.Core().Enabled(zapcore.DebugLevel) {
		logger.Debug("eof received")
	}
	if !c.p.EOFReceived() {
		_ = c.Close()
	}
}

// readLoop is the loop that reads incoming data.
// It runs on its own goroutine.
func (c *Conn) readLoop() {
	for {
		buf := mcache.Malloc(c.cfg.ReadChunkSize)
		n, err := c.rwc.Read(buf)
		if n > 0 {
			if !c.sendRead(readResult{data: buf[:n], free: func() { mcache.Free(buf) }}) {
				mcache.Free(buf)
				return
			}
		} else {
			mcache.Free(buf)
		}
		if err != nil {
			c.sendRead(readResult{err: err})
			return
		}
	}
}

func (c *Conn) sendRead(res readResult) bool {
	select {
	case c.readCh <- res:
		return true
	case <-c.doneServing:
		return false
	}
}

// writeLoop sends queued data until the Conn is closed or aborted, then closes rwc.
// It runs on its own goroutine.
func (c *Conn) writeLoop() {
	logger := c.lg
	defer close(c.writerDone)

	for {
		c.wmu.Lock()
		if c.aborted {
			c.freeQueueLocked()
			c.wmu.Unlock()
			break
		}
		if len(c.wqueue) == 0 {
			if c.weof && !c.eofSent {
				c.eofSent = true
				c.wmu.Unlock()
				c.closeWrite()
				continue
			}
			if c.closing {
				c.wmu.Unlock()
				break
			}
			c.wmu.Unlock()
			<-c.wnotify
			continue
		}
		queue := c.wqueue
		c.wqueue = nil
		c.wmu.Unlock()

		for i, buf := range queue {
			if c.isAborted() {
				freeAll(queue[i:])
				break
			}
			n, err := c.rwc.Write(buf)
			mcache.Free(buf)
			if err != nil {
				freeAll(queue[i+1:])
				if !c.isAborted() {
					logger.Error("failed to write to connection", zap.Error(err))
					c.Abort(errors.Wrap(err, "write"))
				}
				break
			}
			c.wrote(n)
		}
	}

	c.closeRWC()
}

func (c *Conn) closeRWC() {
	c.closeOnce.Do(func() {
		if err := c.rwc.Close(); err != nil {
			c.lg.Warn("failed to close connection", zap.Error(err))
		}
	})
}

func (c *Conn) closeWrite() {
	cw, ok := c.rwc.(closeWriter)
	if !ok {
		return
	}
	if err := cw.CloseWrite(); err != nil {
		c.lg.Warn("failed to close write end", zap.Error(err))
	}
}

func (c *Conn) wrote(n int) {
	c.cfg.Metrics.Sent(n)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.wpending -= n
	if c.wpaused && c.wpending <= c.cfg.WriteLowWater {
		c.wpaused = false
		if logger := c.lg; logger.Core().Enabled(zapcore.DebugLevel) {
			logger.Debug("resume writing", zap.Int("pending", c.wpending))
		}
		c.p.ResumeWriting()
	}
}

func (c *Conn) notifyWriter() {
	select {
	case c.wnotify <- struct{}{}:
	default:
	}
}

func (c *Conn) freeQueueLocked() {
	freeAll(c.wqueue)
	c.wqueue = nil
	c.wpending = 0
}

func freeAll(bufs [][]byte) {
	for _, buf := range bufs {
		mcache.Free(buf)
	}
}

// Write queues a copy of p. The Protocol is asked to pause writing once the queue
// grows above WriteHighWater.
func (c *Conn) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closing || c.weof {
		return ErrClosed
	}

	buf := mcache.Malloc(len(p))
	copy(buf, p)
	c.wqueue = append(c.wqueue, buf)
	c.wpending += len(p)
	c.notifyWriter()

	if !c.wpaused && c.wpending > c.cfg.WriteHighWater {
		c.wpaused = true
		c.cfg.Metrics.WritePaused()
		if logger := c.lg; logger.Core().Enabled(zapcore.DebugLevel) {
			logger.Debug("pause writing", zap.Int("pending", c.wpending))
		}
		c.p.PauseWriting()
	}
	return nil
}

// WriteEOF half-closes the connection after the queued data has been sent.
func (c *Conn) WriteEOF() error {
	if !c.CanWriteEOF() {
		return ErrWriteEOFUnsupported
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closing {
		return ErrClosed
	}
	c.weof = true
	c.notifyWriter()
	return nil
}

// CanWriteEOF reports whether the underlying connection can be half-closed.
func (c *Conn) CanWriteEOF() bool {
	_, ok := c.rwc.(closeWriter)
	return ok
}

// Close closes the connection after the queued data has been sent.
func (c *Conn) Close() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closing {
		return nil
	}
	c.closing = true
	c.notifyWriter()
	return nil
}

// Abort closes the connection immediately, dropping queued data. err is passed to
// ConnectionLost unless an earlier error has been recorded.
func (c *Conn) Abort(err error) {
	c.wmu.Lock()
	if c.aborted {
		c.wmu.Unlock()
		return
	}
	c.aborted = true
	c.closing = true
	if c.err == nil {
		c.err = err
	}
	c.notifyWriter()
	c.wmu.Unlock()

	c.lg.Warn("abort connection", zap.Error(err))
	// unblocks a pending read or write
	c.closeRWC()
}

// PauseReading stops delivering data to the Protocol.
func (c *Conn) PauseReading() error {
	if !c.readPaused.Swap(true) {
		c.cfg.Metrics.ReadPaused()
	}
	return nil
}

// ResumeReading resumes delivering data to the Protocol.
func (c *Conn) ResumeReading() error {
	if c.readPaused.Swap(false) {
		select {
		case c.serveMsgCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// ExtraInfo returns optional information about the connection: "conn-id", and,
// depending on the underlying connection, "peername", "sockname" and "filename".
func (c *Conn) ExtraInfo(name string) (any, bool) {
	switch name {
	case "conn-id":
		return c.id, true
	case "peername":
		if nc, ok := c.rwc.(interface{ RemoteAddr() net.Addr }); ok {
			return nc.RemoteAddr(), true
		}
	case "sockname":
		if nc, ok := c.rwc.(interface{ LocalAddr() net.Addr }); ok {
			return nc.LocalAddr(), true
		}
	case "filename":
		if f, ok := c.rwc.(interface{ Name() string }); ok {
			return f.Name(), true
		}
	}
	return nil, false
}

func (c *Conn) isClosing() bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.closing
}

func (c *Conn) isAborted() bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.aborted
}

func (c *Conn) closeErr() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.err
}
