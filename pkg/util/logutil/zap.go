package logutil

import (
	"go.uber.org/zap"
)

// LogPanic logs the panic reason and stack, then exit the process.
// Commonly used with a `defer`.
func LogPanic(logger *zap.Logger) {
	if e := recover(); e != nil {
		logger.Fatal("panic", zap.Reflect("recover", e))
	}
}

// RecoverPanic recovers a panic, logs it with its stack and hands it to onPanic.
// It must be deferred directly, e.g. `defer logutil.RecoverPanic(logger, abort)`.
func RecoverPanic(logger *zap.Logger, onPanic func(e interface{})) {
	if e := recover(); e != nil {
		logger.Error("panic serving", zap.Reflect("panic", e), zap.Stack("stack"))
		if onPanic != nil {
			onPanic(e)
		}
	}
}
