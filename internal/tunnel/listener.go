package tunnel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/postalsys/bzconnect/internal/identity"
	"github.com/postalsys/bzconnect/internal/logging"
	"github.com/postalsys/bzconnect/internal/recovery"
)

// Opener creates a tunnel whose output is out and runs its setup. A tunnel
// returned without error has completed SetupTunnel.
type Opener func(ctx context.Context, out io.Writer) (*Tunnel, error)

// ListenerConfig holds listener configuration.
type ListenerConfig struct {
	// Address is the local address to listen on.
	Address string

	// MaxConnections limits concurrent connections (0 = unlimited).
	MaxConnections int

	// ManagedIdentityFile, when set, is claimed and regenerated on Start
	// and discarded on Stop. Every connection's tunnel presents this one
	// key, so its tunnels must treat it as a user key rather than manage
	// it themselves.
	ManagedIdentityFile string

	Logger *slog.Logger
}

// Listener accepts local TCP connections and gives each one its own
// tunnel.
type Listener struct {
	cfg      ListenerConfig
	open     Opener
	listener net.Listener
	logger   *slog.Logger

	mu          sync.Mutex
	connections map[net.Conn]struct{}
	releaseKey  func()
	connCount   atomic.Int64

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewListener creates a tunnel listener.
func NewListener(cfg ListenerConfig, open Opener) *Listener {
	return &Listener{
		cfg:         cfg,
		open:        open,
		logger:      logging.OrNop(cfg.Logger).With(logging.KeyComponent, "tunnel.listener"),
		connections: make(map[net.Conn]struct{}),
		stopCh:      make(chan struct{}),
	}
}

// Start starts listening.
func (l *Listener) Start() error {
	if l.running.Load() {
		return fmt.Errorf("listener already running")
	}

	if path := l.cfg.ManagedIdentityFile; path != "" {
		release, err := claimManagedKey(path)
		if err != nil {
			return err
		}
		if _, err := identity.RegenerateSSHKey(path); err != nil {
			release()
			return fmt.Errorf("%w: %v", ErrKeyExtraction, err)
		}
		l.mu.Lock()
		l.releaseKey = release
		l.mu.Unlock()
	}

	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		l.discardKey()
		return fmt.Errorf("listen on %s: %w", l.cfg.Address, err)
	}

	l.listener = ln
	l.running.Store(true)

	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.Info("tunnel listener started", logging.KeyLocalAddr, ln.Addr().String())
	return nil
}

// Stop closes the listener and every active connection, then waits for
// their tunnels to close.
func (l *Listener) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		l.running.Store(false)
		close(l.stopCh)

		if l.listener != nil {
			err = l.listener.Close()
		}

		l.mu.Lock()
		for conn := range l.connections {
			conn.Close()
		}
		l.mu.Unlock()

		l.logger.Info("tunnel listener stopped")
	})

	l.wg.Wait()
	l.discardKey()
	return err
}

// discardKey removes a listener-owned key once no tunnel can use it.
func (l *Listener) discardKey() {
	l.mu.Lock()
	release := l.releaseKey
	l.releaseKey = nil
	l.mu.Unlock()
	if release == nil {
		return
	}

	if err := identity.DiscardSSHKey(l.cfg.ManagedIdentityFile); err != nil {
		l.logger.Warn("discard listener key", logging.KeyError, err)
	}
	release()
}

// Address returns the listening address.
func (l *Listener) Address() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// ConnectionCount returns the number of active connections.
func (l *Listener) ConnectionCount() int64 {
	return l.connCount.Load()
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "tunnel.Listener.acceptLoop")

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
				l.logger.Debug("accept error", logging.KeyError, err)
				continue
			}
		}

		if l.cfg.MaxConnections > 0 && l.connCount.Load() >= int64(l.cfg.MaxConnections) {
			l.logger.Debug("connection limit reached", "limit", l.cfg.MaxConnections)
			conn.Close()
			continue
		}

		l.mu.Lock()
		l.connections[conn] = struct{}{}
		l.mu.Unlock()
		l.connCount.Add(1)

		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

func (l *Listener) handleConnection(conn net.Conn) {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "tunnel.Listener.handleConnection")
	defer func() {
		conn.Close()
		l.mu.Lock()
		delete(l.connections, conn)
		l.mu.Unlock()
		l.connCount.Add(-1)
	}()

	remote := conn.RemoteAddr().String()
	l.logger.Debug("new tunnel connection", logging.KeyRemoteAddr, remote)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-l.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	t, err := l.open(ctx, conn)
	if err != nil {
		l.logger.Warn("tunnel setup failed",
			logging.KeyRemoteAddr, remote,
			logging.KeyError, err)
		return
	}
	defer t.CloseTunnel()

	if err := t.Pipe(ctx, conn); err != nil && ctx.Err() == nil {
		l.logger.Warn("tunnel ended with error",
			logging.KeyRemoteAddr, remote,
			logging.KeyError, err)
		return
	}

	l.logger.Debug("tunnel connection closed", logging.KeyRemoteAddr, remote)
}
