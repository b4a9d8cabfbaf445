package tunnel

import (
	"context"
	"errors"
	"io"

	"github.com/postalsys/bzconnect/internal/logging"
	"github.com/postalsys/bzconnect/internal/recovery"
)

// readChunk bounds one ssh/input message.
const readChunk = 16 * 1024

// Pipe forwards r to the target until r is exhausted, ctx is cancelled or
// the tunnel ends. End of input closes the tunnel after the queued bytes
// are delivered. The reader goroutine is left to finish on its own when r
// blocks past the tunnel's end, so r should be closed by the caller.
func (t *Tunnel) Pipe(ctx context.Context, r io.Reader) error {
	readErr := make(chan error, 1)

	go func() {
		defer recovery.RecoverWithLog(t.logger, "tunnel.pipe")

		buf := make([]byte, readChunk)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				if sendErr := t.SendData(buf[:n]); sendErr != nil {
					readErr <- sendErr
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		t.CloseTunnel()
		return ctx.Err()

	case <-t.Done():
		return t.Err()

	case err := <-readErr:
		if errors.Is(err, ErrTunnelClosed) {
			return t.Err()
		}
		if !errors.Is(err, io.EOF) {
			t.logger.Debug("local input failed", logging.KeyError, err)
		}
		t.CloseTunnel()
		if errors.Is(err, io.EOF) {
			return t.Err()
		}
		return err
	}
}
