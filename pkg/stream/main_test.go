package stream

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockTransport records the calls made by a Reader, a Writer or a Protocol.
type mockTransport struct {
	mu         sync.Mutex
	written    bytes.Buffer
	eofWritten bool
	closed     int
	aborted    error
	pauses     int
	resumes    int
	pauseErr   error
	resumeErr  error
	info       map[string]any
}

func (m *mockTransport) Write(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written.Write(p)
	return nil
}

func (m *mockTransport) WriteEOF() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eofWritten = true
	return nil
}

func (m *mockTransport) CanWriteEOF() bool {
	return true
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *mockTransport) Abort(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted = err
}

func (m *mockTransport) PauseReading() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pauseErr != nil {
		return m.pauseErr
	}
	m.pauses++
	return nil
}

func (m *mockTransport) ResumeReading() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resumeErr != nil {
		return m.resumeErr
	}
	m.resumes++
	return nil
}

func (m *mockTransport) ExtraInfo(name string) (any, bool) {
	v, ok := m.info[name]
	return v, ok
}

func (m *mockTransport) counts() (pauses, resumes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pauses, m.resumes
}

func (m *mockTransport) abortErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborted
}

type readResult struct {
	data []byte
	err  error
}

// waitPending waits until a read call is registered on r.
func waitPending(tb testing.TB, r *Reader) {
	require.Eventually(tb, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.pending != nil
	}, time.Second, time.Millisecond)
}

// waitDraining waits until a drain call is registered on w.
func waitDraining(tb testing.TB, w *Writer) {
	require.Eventually(tb, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.pending != nil
	}, time.Second, time.Millisecond)
}
