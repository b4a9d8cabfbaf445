package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/postalsys/bzconnect/internal/logging"
	"github.com/postalsys/bzconnect/internal/recovery"
)

var (
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

// Terminal connects a Controller to the local tty: raw mode, stdin pump,
// resize signals and user-facing notices. Raw mode is always restored
// before Run returns.
type Terminal struct {
	in     *os.File
	out    io.Writer
	errOut io.Writer
	logger *slog.Logger

	mu       sync.Mutex
	oldState *term.State
}

// NewTerminal creates a terminal front-end over in, out and errOut.
func NewTerminal(in *os.File, out, errOut io.Writer, logger *slog.Logger) *Terminal {
	return &Terminal{
		in:     in,
		out:    out,
		errOut: errOut,
		logger: logging.OrNop(logger).With(logging.KeyComponent, "terminal"),
	}
}

// Output is where remote output should be written.
func (t *Terminal) Output() io.Writer {
	return t.out
}

// Interactive reports whether stdin is a terminal.
func (t *Terminal) Interactive() bool {
	return term.IsTerminal(int(t.in.Fd()))
}

// Size returns the current terminal size, or DefaultGeometry.
func (t *Terminal) Size() Geometry {
	if !t.Interactive() {
		return DefaultGeometry
	}
	width, height, err := term.GetSize(int(t.in.Fd()))
	if err != nil || width <= 0 || height <= 0 {
		return DefaultGeometry
	}
	return Geometry{Rows: uint16(height), Cols: uint16(width)}
}

// Notify prints a styled notice. It is safe to call while in raw mode.
func (t *Terminal) Notify(msg string) {
	fmt.Fprintf(t.errOut, "\r\n%s\r\n", noticeStyle.Render(msg))
}

// Run starts c, switches the terminal to raw mode and pumps input until
// the session ends or ctx is cancelled. It always disposes c. If ctx is
// cancelled first, the returned error wraps ctx.Err().
func (t *Terminal) Run(ctx context.Context, c *Controller, targetName string) error {
	// Start before raw mode so connection errors print normally.
	if err := c.Start(ctx, t.Size()); err != nil {
		c.Dispose()
		return err
	}

	if t.Interactive() {
		fmt.Fprintf(t.errOut, "%s\r\n", dimStyle.Render("Connected to "+targetName))
		if err := t.makeRaw(); err != nil {
			c.Dispose()
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
	}
	defer t.restore()

	stopResize := t.watchResize(ctx, c)
	defer stopResize()

	// The stdin pump is not waited for: a blocking read on stdin cannot be
	// interrupted, so the goroutine ends with the process.
	go t.pumpStdin(c)

	var interrupted error
	select {
	case <-c.Done():
	case <-ctx.Done():
		interrupted = fmt.Errorf("session interrupted: %w", ctx.Err())
	}
	c.Dispose()
	t.restore()

	t.printClosing(c, targetName)
	if err := c.Err(); err != nil {
		return err
	}
	return interrupted
}

func (t *Terminal) pumpStdin(c *Controller) {
	defer recovery.RecoverWithLog(t.logger, "terminal.pumpStdin")

	buf := make([]byte, 4096)
	for {
		n, err := t.in.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.WriteInput(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				t.logger.Debug("stdin read failed", logging.KeyError, err)
			}
			return
		}
		select {
		case <-c.Done():
			return
		default:
		}
	}
}

func (t *Terminal) watchResize(ctx context.Context, c *Controller) func() {
	sigCh := make(chan os.Signal, 1)
	notifyResize(sigCh)

	stop := make(chan struct{})
	go func() {
		defer recovery.RecoverWithLog(t.logger, "terminal.watchResize")
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-c.Done():
				return
			case <-sigCh:
				c.Resize(t.Size())
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stopResize(sigCh)
			close(stop)
		})
	}
}

func (t *Terminal) makeRaw() error {
	state, err := term.MakeRaw(int(t.in.Fd()))
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.oldState = state
	t.mu.Unlock()
	return nil
}

func (t *Terminal) restore() {
	t.mu.Lock()
	state := t.oldState
	t.oldState = nil
	t.mu.Unlock()

	if state != nil {
		if err := term.Restore(int(t.in.Fd()), state); err != nil {
			t.logger.Warn("failed to restore terminal", logging.KeyError, err)
		}
	}
}

func (t *Terminal) printClosing(c *Controller, targetName string) {
	switch c.EndReason() {
	case ReasonUnattached:
		fmt.Fprintln(t.errOut, successStyle.Render("Session taken over by another client."))
	case ReasonDisposed:
		fmt.Fprintln(t.errOut, dimStyle.Render("Connection to "+targetName+" closed."))
	}
}
