// Package recovery guards goroutines against panics.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers a panic and logs it with its stack.
// Use with defer at the top of a goroutine.
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback is RecoverWithLog followed by onPanic, which lets the
// owner mark the goroutine's unit of work as failed.
func RecoverWithCallback(logger *slog.Logger, name string, onPanic func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if onPanic != nil {
			onPanic(r)
		}
	}
}

func logPanic(logger *slog.Logger, name string, r any) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
