package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/AutoMQ/streamio/pkg/metrics"
	"github.com/AutoMQ/streamio/pkg/stream"
	"github.com/AutoMQ/streamio/pkg/transport"
	"github.com/AutoMQ/streamio/pkg/util/traceutil"
)

const _waitTimeout = 5 * time.Second

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func helloHandler(ctx context.Context, r *stream.Reader, w *stream.Writer) {
	if _, err := r.ReadUntil(ctx, []byte("\r\n\r\n")); err != nil {
		return
	}
	_ = w.WriteString("HELLO\n")
}

func echoHandler(ctx context.Context, r *stream.Reader, w *stream.Writer) {
	lines := stream.NewLineIterator(r, nil)
	for {
		line, err := lines.Next(ctx)
		if err != nil {
			return
		}
		if err := w.Write(append(line, '\n')); err != nil {
			return
		}
		if err := w.Drain(ctx); err != nil {
			return
		}
	}
}

func shutdown(t *testing.T, s *Server) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), _waitTimeout)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestServer_Hello(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	reg := metrics.NewRegistry(prometheus.NewRegistry())
	cfg := Config{Transport: transport.Config{Metrics: reg}}
	s, addr, err := Start(context.Background(), "127.0.0.1:0", helloHandler, cfg, zaptest.NewLogger(t))
	re.NoError(err)

	conn, err := net.Dial("tcp", addr.String())
	re.NoError(err)
	defer conn.Close()
	_, err = conn.Write([]byte("GET /\r\n\r\n"))
	re.NoError(err)

	// the writer is closed once the handler returns
	reply, err := io.ReadAll(conn)
	re.NoError(err)
	re.Equal("HELLO\n", string(reply))

	re.Eventually(func() bool {
		return s.ActiveConns() == 0
	}, _waitTimeout, 10*time.Millisecond)
	shutdown(t, s)
	re.Equal(float64(1), testutil.ToFloat64(reg.ConnectionsTotal))
	re.Equal(float64(0), testutil.ToFloat64(reg.ConnectionsActive))
}

func TestServer_Echo(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	s, addr, err := Start(context.Background(), "127.0.0.1:0", echoHandler, Config{Limit: 1024}, zaptest.NewLogger(t))
	re.NoError(err)
	defer shutdown(t, s)

	faker := gofakeit.New(42)
	lines := make([][]string, 8)
	for i := range lines {
		for j := 0; j < 16; j++ {
			lines[i] = append(lines[i], faker.Sentence(8))
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(lines))
	for i := range lines {
		wg.Add(1)
		go func(lines []string) {
			defer wg.Done()
			errCh <- echo(addr, lines)
		}(lines[i])
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		re.NoError(err)
	}
}

func echo(addr net.Addr, lines []string) error {
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		return err
	}
	defer conn.Close()

	br := bufio.NewReader(conn)
	for _, line := range lines {
		if _, err := conn.Write([]byte(line + "\n")); err != nil {
			return err
		}
		got, err := br.ReadString('\n')
		if err != nil {
			return err
		}
		if got != line+"\n" {
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}

func TestServer_ShutdownCancelsHandlers(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	errCh := make(chan error, 1)
	handler := func(ctx context.Context, r *stream.Reader, w *stream.Writer) {
		_, err := r.Read(ctx, 1)
		errCh <- err
	}
	s, addr, err := Start(context.Background(), "127.0.0.1:0", handler, Config{}, zaptest.NewLogger(t))
	re.NoError(err)

	conn, err := net.Dial("tcp", addr.String())
	re.NoError(err)
	defer conn.Close()
	re.Eventually(func() bool {
		return s.ActiveConns() == 1
	}, _waitTimeout, 10*time.Millisecond)

	shutdown(t, s)
	re.ErrorIs(<-errCh, context.Canceled)
	re.Equal(0, s.ActiveConns())

	_, err = io.ReadAll(conn)
	re.NoError(err)
}

func TestServer_ShutdownTimeout(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	release := make(chan struct{})
	handler := func(context.Context, *stream.Reader, *stream.Writer) {
		<-release
	}
	s, addr, err := Start(context.Background(), "127.0.0.1:0", handler, Config{}, zap.NewNop())
	re.NoError(err)

	conn, err := net.Dial("tcp", addr.String())
	re.NoError(err)
	defer conn.Close()
	re.Eventually(func() bool {
		return s.ActiveConns() == 1
	}, _waitTimeout, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	re.ErrorIs(s.Shutdown(ctx), context.DeadlineExceeded)

	// the connection has been aborted
	_ = conn.SetReadDeadline(time.Now().Add(_waitTimeout))
	_, err = conn.Read(make([]byte, 1))
	re.Error(err)

	close(release)
	re.Eventually(func() bool {
		return s.ActiveConns() == 0
	}, _waitTimeout, 10*time.Millisecond)
}

func TestServer_ConnID(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	idCh := make(chan string, 1)
	handler := func(ctx context.Context, r *stream.Reader, w *stream.Writer) {
		idCh <- traceutil.ConnID(ctx)
	}
	s, addr, err := Start(context.Background(), "127.0.0.1:0", handler, Config{}, zaptest.NewLogger(t))
	re.NoError(err)
	defer shutdown(t, s)

	conn, err := net.Dial("tcp", addr.String())
	re.NoError(err)
	defer conn.Close()
	re.NotEmpty(<-idCh)
}

func TestServer_ServeAfterShutdown(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	s := NewServer(context.Background(), helloHandler, Config{}, zaptest.NewLogger(t))
	shutdown(t, s)
	// shutting down twice is a no-op
	shutdown(t, s)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	re.NoError(err)
	re.ErrorIs(s.Serve(l), ErrServerClosed)
	re.ErrorIs(s.ListenAndServe("127.0.0.1:0"), ErrServerClosed)
}

func TestServer_ContextCanceled(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(ctx, helloHandler, Config{}, zaptest.NewLogger(t))
	l, err := net.Listen("tcp", "127.0.0.1:0")
	re.NoError(err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(l)
	}()
	re.Eventually(func() bool {
		conn, err := net.Dial("tcp", l.Addr().String())
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, _waitTimeout, 10*time.Millisecond)

	cancel()
	shutdown(t, s)
	re.ErrorIs(<-errCh, ErrServerClosed)
}

func TestStart_InvalidAddr(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	_, _, err := Start(context.Background(), "invalid-addr", helloHandler, Config{}, zaptest.NewLogger(t))
	re.Error(err)
}
