// Package client dials stream servers.
package client

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/streamio/pkg/stream"
	"github.com/AutoMQ/streamio/pkg/transport"
)

// Config is the configuration of a Dialer.
type Config struct {
	// Timeout is the maximum amount of time a dial will wait for a connect to complete.
	// If zero, only the context passed to Dial applies.
	Timeout time.Duration
	// Limit is the buffer limit of the Reader. Zero means stream.DefaultLimit.
	Limit     int
	Transport transport.Config
}

// A Dialer connects to stream servers over TCP.
// It is safe for concurrent use by multiple goroutines.
type Dialer struct {
	cfg Config

	lg *zap.Logger
}

// NewDialer creates a Dialer.
func NewDialer(cfg Config, logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{
		cfg: cfg,
		lg:  logger,
	}
}

// Dial connects to addr and returns the Reader and the Writer of the connection.
// ctx only bounds the connect; the connection lives until the Writer is closed
// or the connection is lost.
func (d *Dialer) Dial(ctx context.Context, addr string) (*stream.Reader, *stream.Writer, error) {
	nd := net.Dialer{Timeout: d.cfg.Timeout}
	rw, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "dial %s", addr)
	}

	logger := d.lg.With(zap.String("remote-server-addr", rw.RemoteAddr().String()))
	p := stream.NewProtocol(context.Background(), nil, d.cfg.Limit, logger)
	c := transport.New(rw, p, d.cfg.Transport, logger)
	c.Start()
	<-p.Ready()

	logger.Info("connection created", zap.String("conn-id", c.ID()))
	return p.Reader(), p.Writer(), nil
}

// Dial connects to addr with a Dialer created from cfg.
func Dial(ctx context.Context, addr string, cfg Config, logger *zap.Logger) (*stream.Reader, *stream.Writer, error) {
	return NewDialer(cfg, logger).Dial(ctx, addr)
}
