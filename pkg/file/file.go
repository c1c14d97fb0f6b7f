// Package file binds regular files to a stream Reader and Writer.
package file

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/streamio/pkg/stream"
	"github.com/AutoMQ/streamio/pkg/transport"
)

// Config is the configuration used by Open.
type Config struct {
	// Limit is the buffer limit of the Reader. Zero means stream.DefaultLimit.
	Limit     int
	Transport transport.Config
}

// Open opens the named file with the specified flag and perm (see os.OpenFile) and
// returns a Reader and a Writer over it. The Reader reports EOF at the end of the file,
// and immediately for write-only files. The file is closed when the Writer is closed.
func Open(name string, flag int, perm os.FileMode, cfg Config, logger *zap.Logger) (*stream.Reader, *stream.Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open file %s", name)
	}

	tcfg := cfg.Transport
	if flag&(os.O_RDONLY|os.O_WRONLY|os.O_RDWR) == os.O_WRONLY {
		tcfg.DisableRead = true
	}

	logger = logger.With(zap.String("file-name", name))
	p := stream.NewProtocol(context.Background(), nil, cfg.Limit, logger)
	c := transport.New(f, p, tcfg, logger)
	c.Start()
	<-p.Ready()

	return p.Reader(), p.Writer(), nil
}
