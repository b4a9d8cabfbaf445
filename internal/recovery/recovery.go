// Package recovery keeps a panicking goroutine from taking the whole
// client down with the terminal still in raw mode.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Use it with defer at the start of every long-lived goroutine:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "hub.readLoop")
//	    // ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverToError recovers from a panic, logs it and hands it to fail as an
// error. Session goroutines use this so a panic ends the session with an
// error instead of leaving the caller waiting forever.
func RecoverToError(logger *slog.Logger, name string, fail func(error)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if fail != nil {
			fail(fmt.Errorf("%s: panic: %v", name, r))
		}
	}
}

func logPanic(logger *slog.Logger, name string, r any) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
