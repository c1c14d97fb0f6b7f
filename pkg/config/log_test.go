package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

const zapInfo = zapcore.InfoLevel

func TestLog_Adjust(t *testing.T) {
	t.Parallel()

	wd, err := os.Getwd()
	require.NoError(t, err)

	tests := []struct {
		name        string
		log         func() *Log
		wantOutputs []string
		wantErrOuts []string
		wantLevel   zapcore.Level
		errMsg      string
	}{
		{
			name:        "default",
			log:         NewLog,
			wantOutputs: []string{"stderr"},
			wantErrOuts: []string{"stderr"},
			wantLevel:   zapcore.InfoLevel,
		},
		{
			name: "error outputs follow outputs",
			log: func() *Log {
				l := NewLog()
				l.Zap.OutputPaths = []string{"stdout", "/var/log/streamd.log"}
				l.Zap.ErrorOutputPaths = nil
				l.Level = "debug"
				return l
			},
			wantOutputs: []string{"stdout", "/var/log/streamd.log"},
			wantErrOuts: []string{"stdout", "/var/log/streamd.log"},
			wantLevel:   zapcore.DebugLevel,
		},
		{
			name: "rotation",
			log: func() *Log {
				l := NewLog()
				l.Zap.OutputPaths = []string{"stderr", "streamd.log", "/var/log/streamd.log"}
				l.EnableRotation = true
				return l
			},
			wantOutputs: []string{"stderr", "rotate:" + filepath.Join(wd, "streamd.log"), "rotate:/var/log/streamd.log"},
			wantErrOuts: []string{"stderr"},
			wantLevel:   zapcore.InfoLevel,
		},
		{
			name: "invalid level",
			log: func() *Log {
				l := NewLog()
				l.Level = "verbose"
				return l
			},
			errMsg: "parse log level",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			l := tt.log()
			err := l.Adjust()
			if tt.errMsg != "" {
				re.ErrorContains(err, tt.errMsg)
				return
			}
			re.NoError(err)
			re.Equal(tt.wantOutputs, l.Zap.OutputPaths)
			re.Equal(tt.wantErrOuts, l.Zap.ErrorOutputPaths)
			re.Equal(tt.wantLevel, l.Zap.Level.Level())
		})
	}
}

func TestLog_LoggerWithRotation(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	name := filepath.Join(t.TempDir(), "streamd.log")
	l := NewLog()
	l.Zap.OutputPaths = []string{name}
	l.EnableRotation = true
	l.Rotate.MaxSize = 1
	re.NoError(l.Adjust())

	logger, err := l.Logger()
	re.NoError(err)
	logger.Info("hello rotation")
	_ = logger.Sync()

	content, err := os.ReadFile(name)
	re.NoError(err)
	re.Contains(string(content), "hello rotation")
}

func TestEncodeCaller(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		caller zapcore.EntryCaller
		want   string
	}{
		{
			name:   "undefined",
			caller: zapcore.EntryCaller{},
			want:   "<unknown>",
		},
		{
			name:   "long path",
			caller: zapcore.EntryCaller{Defined: true, File: "/root/module/pkg/stream/reader.go", Line: 42},
			want:   "pkg/stream/reader.go:42",
		},
		{
			name:   "short path",
			caller: zapcore.EntryCaller{Defined: true, File: "stream/reader.go", Line: 7},
			want:   "stream/reader.go:7",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			enc := &stringArrayEncoder{}
			encodeCaller(tt.caller, enc)
			re.Equal([]string{tt.want}, enc.elems)
		})
	}
}

type stringArrayEncoder struct {
	zapcore.PrimitiveArrayEncoder
	elems []string
}

func (s *stringArrayEncoder) AppendString(v string) {
	s.elems = append(s.elems, v)
}
