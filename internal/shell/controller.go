package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/bzconnect/internal/api"
	"github.com/postalsys/bzconnect/internal/hub"
	"github.com/postalsys/bzconnect/internal/keysplitting"
	"github.com/postalsys/bzconnect/internal/logging"
	"github.com/postalsys/bzconnect/internal/metrics"
	"github.com/postalsys/bzconnect/internal/recovery"
)

var (
	// ErrConnect wraps every failure before the first ShellConnect is
	// acknowledged.
	ErrConnect = errors.New("failed to connect to shell")

	// The texts below are shown to the user verbatim.
	ErrTargetDisconnected = errors.New("Target Disconnected.")
	ErrConnectionClosed   = errors.New("Connection was closed.")
	ErrTerminalKilled     = errors.New("Terminal killed")
)

// End reasons, also used as metric labels.
const (
	ReasonUnattached = "unattached"
	ReasonDisconnect = "disconnect"
	ReasonDelete     = "delete"
	ReasonKilled     = "killed"
	ReasonError      = "error"
	ReasonDisposed   = "disposed"
)

const (
	defaultInputWindow    = 30 * time.Millisecond
	defaultConnectTimeout = 60 * time.Second
	eventQueueSize        = 256
	sendQueueSize         = 256
	ctrlC                 = 0x03
)

// State is the session state.
type State int

const (
	StateConnecting State = iota
	StateAwaitingStart
	StateRunning
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingStart:
		return "awaiting_start"
	case StateRunning:
		return "running"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Chain is the message chain the controller signs its calls with.
type Chain interface {
	OpenHandshake(ctx context.Context) (*keysplitting.SynAckPayload, error)
	SendData(ctx context.Context, method, action string, payload []byte) (*keysplitting.DataAckPayload, error)
	Close()
}

// TargetFetcher refreshes target info.
type TargetFetcher interface {
	GetTarget(ctx context.Context, id string) (*api.Target, error)
}

// Config configures a Controller.
type Config struct {
	ConnectionID string
	TargetID     string
	TargetUser   string

	// AgentVersion is the target's agent version if known. When empty the
	// target is re-fetched on Ready and checked against MinAgentVersion.
	AgentVersion    string
	MinAgentVersion string
	Targets         TargetFetcher

	Hub   hub.Hub
	Chain Chain

	// Output receives remote terminal output.
	Output io.Writer
	// Notify receives user-facing notices such as reconnect warnings.
	Notify func(msg string)

	InputWindow    time.Duration
	ConnectTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type eventKind int

const (
	evConnected eventKind = iota
	evReady
	evStart
	evUnattached
	evDisconnect
	evDelete
	evBroken
	evReconnected
	evClosed
	evOutput
	evReplay
	evResize
	evInterrupt
	evFail
)

var eventNames = map[eventKind]string{
	evConnected:   "connected",
	evReady:       "ready",
	evStart:       "start",
	evUnattached:  "unattached",
	evDisconnect:  "disconnect",
	evDelete:      "delete",
	evBroken:      "broken_websocket",
	evReconnected: "reconnected",
	evClosed:      "closed",
	evOutput:      "output",
	evReplay:      "replay",
	evResize:      "resize",
	evInterrupt:   "interrupt",
	evFail:        "fail",
}

func (k eventKind) String() string {
	return eventNames[k]
}

type event struct {
	kind     eventKind
	data     []byte
	geometry Geometry
	err      error
}

type opKind int

const (
	opConnect opKind = iota
	opInput
	opGeometry
	opReplayDone
)

type op struct {
	kind     opKind
	data     []byte
	geometry Geometry
}

// Controller runs one interactive shell session. Events from the hub are
// consumed by a single goroutine; outbound calls are made in order by a
// second one so the consumer never waits on the network.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	events chan event
	ops    chan op

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	state         State
	geometry      Geometry
	inputBlocked  bool
	broken        bool
	refreshNeeded bool
	agentVersion  string
	pending       []byte
	flushTimer    *time.Timer
	err           error
	reason        string
	counted       bool

	started     chan struct{}
	startedOnce sync.Once
	done        chan struct{}
	endOnce     sync.Once
	disposeOnce sync.Once
	startOnce   sync.Once
}

// NewController creates a controller. Call Start to begin the session.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Hub == nil {
		return nil, errors.New("shell: hub is required")
	}
	if cfg.Chain == nil {
		return nil, errors.New("shell: chain is required")
	}
	if cfg.TargetID == "" {
		return nil, errors.New("shell: target id is required")
	}
	if cfg.Output == nil {
		cfg.Output = io.Discard
	}
	if cfg.Notify == nil {
		cfg.Notify = func(string) {}
	}
	if cfg.InputWindow <= 0 {
		cfg.InputWindow = defaultInputWindow
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg: cfg,
		logger: logging.OrNop(cfg.Logger).With(
			logging.KeyComponent, "shell",
			logging.KeyConnectionID, cfg.ConnectionID,
			logging.KeyTargetID, cfg.TargetID),
		events:       make(chan event, eventQueueSize),
		ops:          make(chan op, sendQueueSize),
		ctx:          ctx,
		cancel:       cancel,
		state:        StateConnecting,
		inputBlocked: true,
		agentVersion: cfg.AgentVersion,
		started:      make(chan struct{}),
		done:         make(chan struct{}),
	}, nil
}

// Start subscribes to the hub and blocks until the first ShellConnect has
// been acknowledged. Failures are wrapped in ErrConnect.
func (c *Controller) Start(ctx context.Context, g Geometry) error {
	first := false
	c.startOnce.Do(func() { first = true })
	if !first {
		return fmt.Errorf("%w: already started", ErrConnect)
	}

	c.mu.Lock()
	c.geometry = g
	if c.agentVersion == "" {
		c.refreshNeeded = true
	}
	c.counted = true
	c.mu.Unlock()

	c.cfg.Metrics.RecordSessionStart("shell")
	c.subscribe()

	c.wg.Add(3)
	go c.consume()
	go c.send()
	go c.watchStates()

	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-c.started:
		c.logger.Info("shell session started", logging.KeyTargetUser, c.cfg.TargetUser)
		return nil
	case <-c.done:
		err := c.Err()
		if err == nil {
			err = ErrConnectionClosed
		}
		return fmt.Errorf("%w: %w", ErrConnect, err)
	case <-timer.C:
		err := fmt.Errorf("%w: timed out after %s", ErrConnect, c.cfg.ConnectTimeout)
		c.end(err, ReasonError)
		return err
	case <-ctx.Done():
		c.end(ctx.Err(), ReasonError)
		return fmt.Errorf("%w: %w", ErrConnect, ctx.Err())
	}
}

// Resize forwards a new local terminal size.
func (c *Controller) Resize(g Geometry) {
	c.post(event{kind: evResize, geometry: g})
}

// WriteInput queues keystrokes. Bytes arriving within the input window are
// sent as one ShellInput. While input is blocked the bytes are dropped,
// except that Ctrl-C ends the session.
func (c *Controller) WriteInput(data []byte) {
	if len(data) == 0 {
		return
	}

	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	if c.inputBlocked {
		c.mu.Unlock()
		if bytes.IndexByte(data, ctrlC) >= 0 {
			c.post(event{kind: evInterrupt})
			return
		}
		c.logger.Debug("dropping input while blocked", logging.KeyBytes, len(data))
		return
	}

	c.pending = append(c.pending, data...)
	if c.flushTimer == nil {
		c.flushTimer = time.AfterFunc(c.cfg.InputWindow, c.flushInput)
	}
	c.mu.Unlock()
}

// Done is closed when the session ends.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Err returns why the session ended; nil for a graceful end.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// EndReason returns the end reason, or "" while running.
func (c *Controller) EndReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dispose ends the session if needed, stops all goroutines and closes the
// chain and the hub. It never closes the remote session. Safe to call more
// than once.
func (c *Controller) Dispose() {
	c.disposeOnce.Do(func() {
		c.end(nil, ReasonDisposed)
		c.cancel()
		c.cfg.Chain.Close()
		if err := c.cfg.Hub.Close(); err != nil {
			c.logger.Debug("hub close failed", logging.KeyError, err)
		}
		c.wg.Wait()
	})
}

func (c *Controller) subscribe() {
	simple := map[string]eventKind{
		EventReady:           evReady,
		EventShellStart:      evStart,
		EventShellUnattached: evUnattached,
		EventShellDisconnect: evDisconnect,
		EventShellDelete:     evDelete,
	}
	for name, kind := range simple {
		kind := kind
		c.cfg.Hub.On(name, func([]json.RawMessage) {
			c.post(event{kind: kind})
		})
	}

	for name, kind := range map[string]eventKind{EventShellOutput: evOutput, EventShellReplay: evReplay} {
		name, kind := name, kind
		c.cfg.Hub.On(name, func(args []json.RawMessage) {
			data, err := decodeData(args)
			if err != nil {
				c.logger.Warn("discarding malformed shell data", logging.KeyEvent, name, logging.KeyError, err)
				return
			}
			c.post(event{kind: kind, data: data})
		})
	}
}

// post hands an event to the consumer. Events after the end are dropped.
func (c *Controller) post(ev event) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) queue(o op) {
	select {
	case c.ops <- o:
	case <-c.done:
	}
}

func (c *Controller) watchStates() {
	defer c.wg.Done()
	defer recovery.RecoverWithLog(c.logger, "shell.watchStates")

	states := c.cfg.Hub.States()
	for {
		select {
		case <-c.done:
			return
		case sc, ok := <-states:
			if !ok {
				return
			}
			switch sc.State {
			case hub.StateConnected:
				c.post(event{kind: evConnected})
			case hub.StateBroken:
				c.post(event{kind: evBroken, err: sc.Err})
			case hub.StateReconnected:
				c.post(event{kind: evReconnected})
			case hub.StateClosed:
				c.post(event{kind: evClosed, err: sc.Err})
			}
		}
	}
}

func (c *Controller) consume() {
	defer c.wg.Done()
	defer recovery.RecoverToError(c.logger, "shell.consume", func(err error) { c.end(err, ReasonError) })

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// handle applies one event to the state machine. It runs only on the
// consumer goroutine.
func (c *Controller) handle(ev event) {
	c.cfg.Metrics.RecordShellEvent(ev.kind.String())

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch ev.kind {
	case evConnected:
		c.mu.Lock()
		if state == StateConnecting && c.agentVersion == "" {
			c.refreshNeeded = true
		}
		c.mu.Unlock()

	case evReady:
		if state != StateConnecting {
			c.ignore(ev, state)
			return
		}
		c.mu.Lock()
		c.state = StateAwaitingStart
		g := c.geometry
		c.mu.Unlock()
		c.queue(op{kind: opConnect, geometry: g})

	case evStart:
		if state != StateAwaitingStart {
			c.ignore(ev, state)
			return
		}
		c.mu.Lock()
		c.state = StateRunning
		c.inputBlocked = c.broken
		g := c.geometry
		c.mu.Unlock()

		// Nudge the remote pty into redrawing.
		c.queue(op{kind: opGeometry, geometry: Geometry{Rows: g.Rows + 1, Cols: g.Cols + 1}})
		c.queue(op{kind: opGeometry, geometry: g})

	case evResize:
		c.mu.Lock()
		c.geometry = ev.geometry
		forward := c.state == StateRunning && !c.broken
		c.mu.Unlock()
		if forward {
			c.queue(op{kind: opGeometry, geometry: ev.geometry})
		}

	case evUnattached:
		if state != StateRunning {
			c.ignore(ev, state)
			return
		}
		c.cfg.Notify("Session was attached from another client.")
		c.end(nil, ReasonUnattached)

	case evDisconnect:
		if state != StateRunning {
			c.ignore(ev, state)
			return
		}
		c.end(ErrTargetDisconnected, ReasonDisconnect)

	case evDelete:
		if state != StateRunning {
			c.ignore(ev, state)
			return
		}
		c.end(ErrConnectionClosed, ReasonDelete)

	case evBroken:
		c.blockInput()
		c.mu.Lock()
		c.broken = true
		c.mu.Unlock()
		c.logger.Warn("connection broken, waiting to reconnect", logging.KeyError, ev.err)
		c.cfg.Notify("Connection lost, attempting to reconnect...")

	case evReconnected:
		c.mu.Lock()
		wasBroken := c.broken
		c.broken = false
		if wasBroken {
			c.state = StateConnecting
		}
		c.mu.Unlock()
		if !wasBroken {
			c.ignore(ev, state)
			return
		}
		c.logger.Info("reconnected, waiting for target")
		c.cfg.Notify("Reconnected.")

	case evClosed:
		if ev.err == nil {
			c.end(ErrConnectionClosed, ReasonError)
			return
		}
		c.end(ev.err, ReasonError)

	case evOutput:
		c.write(ev.data)

	case evReplay:
		c.write(ev.data)
		c.mu.Lock()
		g := c.geometry
		c.mu.Unlock()
		c.queue(op{kind: opReplayDone, geometry: g})

	case evInterrupt:
		c.end(ErrTerminalKilled, ReasonKilled)

	case evFail:
		c.end(ev.err, ReasonError)
	}
}

func (c *Controller) ignore(ev event, state State) {
	c.logger.Debug("ignoring event",
		logging.KeyEvent, ev.kind.String(),
		logging.KeyState, state.String())
}

func (c *Controller) write(data []byte) {
	if len(data) == 0 {
		return
	}
	if _, err := c.cfg.Output.Write(data); err != nil {
		c.logger.Warn("output write failed", logging.KeyError, err)
	}
}

func (c *Controller) blockInput() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputBlocked = true
	c.pending = nil
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
}

func (c *Controller) flushInput() {
	c.mu.Lock()
	data := c.pending
	c.pending = nil
	c.flushTimer = nil
	blocked := c.inputBlocked
	c.mu.Unlock()

	if len(data) == 0 || blocked {
		return
	}
	c.queue(op{kind: opInput, data: data})
}

// send performs outbound calls one at a time, in queue order.
func (c *Controller) send() {
	defer c.wg.Done()
	defer recovery.RecoverToError(c.logger, "shell.send", func(err error) { c.end(err, ReasonError) })

	for {
		select {
		case <-c.done:
			return
		case o := <-c.ops:
			if err := c.perform(o); err != nil {
				select {
				case <-c.done:
					return
				default:
				}
				c.post(event{kind: evFail, err: err})
			}
		}
	}
}

func (c *Controller) perform(o op) error {
	switch o.kind {
	case opConnect:
		return c.connect(o.geometry)
	case opInput:
		payload, _ := json.Marshal(InputRequest{Data: o.data})
		_, err := c.cfg.Chain.SendData(c.ctx, MethodShellInput, ActionInput, payload)
		return err
	case opGeometry:
		payload, _ := json.Marshal(o.geometry)
		_, err := c.cfg.Chain.SendData(c.ctx, MethodShellGeometry, ActionResize, payload)
		return err
	case opReplayDone:
		payload, _ := json.Marshal(o.geometry)
		_, err := c.cfg.Chain.SendData(c.ctx, MethodShellReplayDone, ActionReplayDone, payload)
		return err
	}
	return nil
}

// connect refreshes the target if needed, gates on the agent version,
// performs the handshake and sends ShellConnect.
func (c *Controller) connect(g Geometry) error {
	c.mu.Lock()
	refresh := c.refreshNeeded
	version := c.agentVersion
	c.mu.Unlock()

	if refresh {
		if err := c.refreshTarget(); err != nil {
			return err
		}
	} else if err := api.CheckAgentVersion(version, c.cfg.MinAgentVersion); err != nil {
		return err
	}

	if _, err := c.cfg.Chain.OpenHandshake(c.ctx); err != nil {
		return err
	}

	payload, _ := json.Marshal(ConnectRequest{Rows: g.Rows, Cols: g.Cols, Replay: true})
	if _, err := c.cfg.Chain.SendData(c.ctx, MethodShellConnect, ActionConnect, payload); err != nil {
		return err
	}

	c.startedOnce.Do(func() { close(c.started) })
	return nil
}

func (c *Controller) refreshTarget() error {
	if c.cfg.Targets == nil {
		return fmt.Errorf("%w: agent version unknown and no target source", api.ErrTargetIncompatible)
	}

	target, err := c.cfg.Targets.GetTarget(c.ctx, c.cfg.TargetID)
	if err != nil {
		return fmt.Errorf("refresh target info: %w", err)
	}
	if err := api.CheckAgentVersion(target.AgentVersion, c.cfg.MinAgentVersion); err != nil {
		return err
	}

	c.mu.Lock()
	c.agentVersion = target.AgentVersion
	c.refreshNeeded = false
	c.mu.Unlock()

	c.logger.Debug("refreshed target info", logging.KeyAgentVersion, target.AgentVersion)
	return nil
}

// end moves the session to Ended. The first call wins.
func (c *Controller) end(err error, reason string) {
	c.endOnce.Do(func() {
		c.mu.Lock()
		c.state = StateEnded
		c.err = err
		c.reason = reason
		c.inputBlocked = true
		c.pending = nil
		if c.flushTimer != nil {
			c.flushTimer.Stop()
			c.flushTimer = nil
		}
		counted := c.counted
		c.mu.Unlock()

		close(c.done)
		if counted {
			c.cfg.Metrics.RecordSessionEnd("shell", reason)
		}

		if err != nil {
			c.logger.Info("shell session ended", "reason", reason, logging.KeyError, err)
		} else {
			c.logger.Info("shell session ended", "reason", reason)
		}
	})
}
