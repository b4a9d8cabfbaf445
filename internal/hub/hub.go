// Package hub implements the client side of the control plane's hub-style
// websocket: named method invocation, named event subscription, keepalive,
// and reconnection after a broken socket.
package hub

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/postalsys/bzconnect/internal/logging"
	"github.com/postalsys/bzconnect/internal/metrics"
	"github.com/postalsys/bzconnect/internal/recovery"
)

// Subprotocol is negotiated during the websocket upgrade.
const Subprotocol = "bzero-hub"

const (
	defaultReadLimit    = 4 * 1024 * 1024
	defaultDialTimeout  = 30 * time.Second
	defaultPingInterval = 15 * time.Second
	stateBufferSize     = 32
)

var (
	// ErrTransport wraps every socket, TLS or auth failure.
	ErrTransport = errors.New("transport error")

	// ErrNotConnected is returned by Invoke while the socket is down.
	ErrNotConnected = fmt.Errorf("%w: not connected", ErrTransport)
)

// State is the connection state reported on the States channel.
type State int

const (
	StateConnected State = iota
	StateBroken
	StateReconnecting
	StateReconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateBroken:
		return "broken"
	case StateReconnecting:
		return "reconnecting"
	case StateReconnected:
		return "reconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateChange is emitted whenever the connection state changes. Err is set
// for StateBroken and for a StateClosed caused by a failure.
type StateChange struct {
	State   State
	Err     error
	Attempt int
}

// Handler receives the arguments of an inbound event.
type Handler func(args []json.RawMessage)

// AuthHeaderProvider returns the headers to attach to every (re)dial.
type AuthHeaderProvider func(ctx context.Context) (http.Header, error)

// Hub is the connection abstraction the session controllers depend on.
type Hub interface {
	// Invoke sends a named remote call. Calls from one caller keep order.
	Invoke(ctx context.Context, method string, args ...any) error

	// On registers a handler for a named event. Handlers for the same name
	// run in registration order.
	On(event string, h Handler)

	// States reports connection state changes.
	States() <-chan StateChange

	// Close releases the socket. Safe to call more than once.
	Close() error
}

// Options configures a Conn.
type Options struct {
	HTTPClient         *http.Client
	InsecureSkipVerify bool
	ReadLimit          int64
	DialTimeout        time.Duration
	PingInterval       time.Duration
	Reconnect          ReconnectConfig
	Logger             *slog.Logger
	Metrics            *metrics.Metrics
}

// Conn is a hub connection over a websocket.
type Conn struct {
	url     string
	auth    AuthHeaderProvider
	opts    Options
	logger  *slog.Logger
	backoff *Backoff

	mu       sync.Mutex
	ws       *websocket.Conn
	handlers map[string][]Handler

	writeMu sync.Mutex

	states    chan StateChange
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens a hub connection to rawURL. Failures wrap ErrTransport.
func Dial(ctx context.Context, rawURL string, auth AuthHeaderProvider, opts Options) (*Conn, error) {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.Reconnect.InitialDelay <= 0 {
		opts.Reconnect = DefaultReconnectConfig()
	}
	if opts.HTTPClient == nil && opts.InsecureSkipVerify {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}

	wsURL, err := websocketURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		url:      wsURL,
		auth:     auth,
		opts:     opts,
		logger:   logging.OrNop(opts.Logger).With(logging.KeyComponent, "hub"),
		backoff:  NewBackoff(opts.Reconnect),
		handlers: make(map[string][]Handler),
		states:   make(chan StateChange, stateBufferSize),
		ctx:      connCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	ws, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	c.ws = ws

	c.logger.Debug("hub connected", logging.KeyURL, redactURL(wsURL))
	c.emit(StateChange{State: StateConnected})

	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// dial performs a single websocket handshake.
func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	var header http.Header
	if c.auth != nil {
		h, err := c.auth(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: auth headers: %v", ErrTransport, err)
		}
		header = h
	}

	ws, resp, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPClient:   c.opts.HTTPClient,
		HTTPHeader:   header,
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: authentication rejected (%s)", ErrTransport, resp.Status)
		}
		return nil, fmt.Errorf("%w: websocket dial failed: %v", ErrTransport, err)
	}

	ws.SetReadLimit(c.opts.ReadLimit)
	return ws, nil
}

// Invoke sends a named remote call. There is no retry.
func (c *Conn) Invoke(ctx context.Context, method string, args ...any) error {
	data, err := EncodeInvocation(uuid.NewString(), method, args...)
	if err != nil {
		return err
	}

	if err := c.write(ctx, data); err != nil {
		return fmt.Errorf("invoke %s: %w", method, err)
	}

	c.opts.Metrics.RecordInvocation(method)
	return nil
}

func (c *Conn) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	if ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// On registers a handler for a named event.
func (c *Conn) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// States reports connection state changes.
func (c *Conn) States() <-chan StateChange {
	return c.states
}

// Done is closed once the connection is permanently closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close releases the socket and stops the receive loop.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		ws := c.ws
		c.ws = nil
		c.mu.Unlock()

		c.cancel()
		if ws != nil {
			ws.Close(websocket.StatusNormalClosure, "client closed")
		}

		c.emit(StateChange{State: StateClosed, Err: cause})
		close(c.done)

		if cause != nil {
			c.logger.Warn("hub closed", logging.KeyError, cause)
		} else {
			c.logger.Debug("hub closed")
		}
	})
}

// emit publishes a state change without blocking past shutdown.
func (c *Conn) emit(sc StateChange) {
	select {
	case c.states <- sc:
		return
	default:
	}
	select {
	case c.states <- sc:
	case <-c.done:
	case <-time.After(time.Second):
		c.logger.Warn("dropping hub state change", logging.KeyState, sc.State.String())
	}
}

func (c *Conn) dispatch(event string, args []json.RawMessage) {
	c.mu.Lock()
	hs := append([]Handler(nil), c.handlers[event]...)
	c.mu.Unlock()

	if len(hs) == 0 {
		c.logger.Debug("no handler for event", logging.KeyEvent, event)
		return
	}
	for _, h := range hs {
		h(args)
	}
}

// readLoop receives frames and dispatches events in arrival order.
func (c *Conn) readLoop() {
	defer recovery.RecoverToError(c.logger, "hub.readLoop", c.shutdown)

	for {
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()
		if ws == nil {
			return
		}

		_, data, err := ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("hub connection broken", logging.KeyError, err)
			c.emit(StateChange{State: StateBroken, Err: fmt.Errorf("%w: %v", ErrTransport, err)})

			if err := c.reconnect(); err != nil {
				c.shutdown(err)
				return
			}
			continue
		}

		f, err := DecodeFrame(data)
		if err != nil {
			c.logger.Warn("discarding malformed frame", logging.KeyError, err)
			continue
		}

		switch f.Type {
		case FrameInvocation:
			c.dispatch(f.Target, f.Arguments)
		case FramePing:
		case FrameClose:
			if f.Error != "" {
				c.shutdown(fmt.Errorf("%w: server closed connection: %s", ErrTransport, f.Error))
			} else {
				c.shutdown(nil)
			}
			return
		default:
			c.logger.Debug("ignoring frame", "type", f.Type)
		}
	}
}

// reconnect redials with exponential backoff until it succeeds, the retry
// budget runs out, or the connection is closed.
func (c *Conn) reconnect() error {
	c.mu.Lock()
	old := c.ws
	c.ws = nil
	c.mu.Unlock()
	if old != nil {
		old.Close(websocket.StatusGoingAway, "reconnecting")
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if c.backoff.Exhausted(attempt) {
			return fmt.Errorf("%w: gave up after %d reconnect attempts: %v", ErrTransport, attempt-1, lastErr)
		}

		delay := c.backoff.JitteredDelay(attempt - 1)
		c.emit(StateChange{State: StateReconnecting, Attempt: attempt})
		c.logger.Info("reconnecting to hub",
			logging.KeyAttempt, attempt,
			logging.KeyDuration, delay)

		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return nil
		}

		ws, err := c.dial(c.ctx)
		if err != nil {
			lastErr = err
			c.logger.Debug("reconnect attempt failed", logging.KeyAttempt, attempt, logging.KeyError, err)
			continue
		}

		c.mu.Lock()
		if c.ctx.Err() != nil {
			c.mu.Unlock()
			ws.Close(websocket.StatusNormalClosure, "client closed")
			return nil
		}
		c.ws = ws
		c.mu.Unlock()

		c.opts.Metrics.RecordReconnect()
		c.logger.Info("hub reconnected", logging.KeyAttempt, attempt)
		c.emit(StateChange{State: StateReconnected, Attempt: attempt})
		return nil
	}
}

func (c *Conn) pingLoop() {
	defer recovery.RecoverWithLog(c.logger, "hub.pingLoop")

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(&Frame{Type: FramePing})

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, c.opts.PingInterval)
			if err := c.write(ctx, ping); err != nil && !errors.Is(err, ErrNotConnected) {
				c.logger.Debug("ping failed", logging.KeyError, err)
			}
			cancel()
		}
	}
}

// websocketURL maps http(s) URLs to ws(s).
func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid hub url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid hub url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid hub url: missing host")
	}

	return u.String(), nil
}

// redactURL strips query parameters, which may carry auth tokens.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}
