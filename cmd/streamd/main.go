// Package main is the entrypoint for streamd, a line echo server.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/AutoMQ/streamio/pkg/config"
	"github.com/AutoMQ/streamio/pkg/metrics"
	"github.com/AutoMQ/streamio/pkg/server"
	"github.com/AutoMQ/streamio/pkg/stream"
	"github.com/AutoMQ/streamio/pkg/util/traceutil"
)

func main() {
	cfg, err := config.NewConfig(os.Args[1:])
	if errors.Cause(err) == pflag.ErrHelp {
		os.Exit(0)
	}

	// create a temporary logger until the configured one is built
	logger, zapErr := zap.NewProduction()
	if zapErr != nil {
		fmt.Printf("error creating zap logger %v", zapErr)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to parse config", zap.Error(err))
		os.Exit(1)
	}

	// check config
	err = cfg.Adjust()
	if err != nil {
		logger.Error("failed to adjust config", zap.Error(err))
		os.Exit(1)
	}
	err = cfg.Validate()
	if err != nil {
		logger.Error("failed to validate config", zap.Error(err))
		os.Exit(1)
	}
	logger, err = cfg.Log.Logger()
	if err != nil {
		fmt.Printf("error creating logger %v", err)
		os.Exit(1)
	}
	syncLogger := func() { _ = logger.Sync() }
	logger.Info("running", zap.Strings("args", os.Args), zap.String("config-file", cfg.ConfigFileUsed()))

	// metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	svrCfg := server.Config{
		Limit:     cfg.BufferLimit,
		Transport: cfg.Transport(),
	}
	svrCfg.Transport.Metrics = metrics.NewRegistry(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metricsSvr *http.Server
	if cfg.MetricsAddr != "" {
		metricsSvr = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		}
		go func() {
			if err := metricsSvr.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		logger.Info("metrics server started", zap.String("addr", cfg.MetricsAddr))
	}

	// start server
	svr, addr, err := server.Start(ctx, cfg.Listen, echoLines(logger), svrCfg, logger)
	if err != nil {
		logger.Error("failed to start server", zap.Error(err))
		exit(1, syncLogger)
	}
	logger.Info("server started", zap.Stringer("addr", addr))

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	// close server
	sig := <-sc
	logger.Info("got signal to exit", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := svr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shut down server gracefully", zap.Error(err))
	}
	if metricsSvr != nil {
		_ = metricsSvr.Shutdown(shutdownCtx)
	}

	switch sig {
	case syscall.SIGTERM:
		exit(0, syncLogger)
	default:
		exit(1, syncLogger)
	}
}

// echoLines writes every line it reads back to the peer, until an empty line or the end of the stream.
func echoLines(logger *zap.Logger) stream.Handler {
	return func(ctx context.Context, r *stream.Reader, w *stream.Writer) {
		logger := traceutil.Logger(ctx, logger)
		var peer string
		if addr, ok := w.ExtraInfo("peername"); ok {
			peer = addr.(net.Addr).String()
		}
		lines := stream.NewLineIterator(r, nil)
		for {
			line, err := lines.Next(ctx)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					logger.Warn("failed to read line", zap.String("peer", peer), zap.Error(err))
				}
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
}

func exit(code int, deferred func()) {
	deferred()
	os.Exit(code)
}
