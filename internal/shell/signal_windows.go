//go:build windows

package shell

import (
	"os"
)

// notifyResize is a no-op on Windows: there is no SIGWINCH, and console
// resize events are not wired up.
func notifyResize(ch chan<- os.Signal) {}

func stopResize(ch chan<- os.Signal) {}
