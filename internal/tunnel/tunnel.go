// Package tunnel carries a native SSH byte stream to a target over the hub.
// Outbound bytes go through the keysplitting chain one message at a time in
// submission order; inbound bytes arrive as sequenced ReceiveData events and
// are written to the local consumer in sequence order.
package tunnel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/bzconnect/internal/api"
	"github.com/postalsys/bzconnect/internal/hub"
	"github.com/postalsys/bzconnect/internal/identity"
	"github.com/postalsys/bzconnect/internal/keysplitting"
	"github.com/postalsys/bzconnect/internal/logging"
	"github.com/postalsys/bzconnect/internal/metrics"
	"github.com/postalsys/bzconnect/internal/recovery"
)

// Hub names used by tunnels.
const (
	MethodSendData = "SendData"

	EventReceiveData = "ReceiveData"
	EventSshClosed   = "SshClosed"
)

// Data actions.
const (
	ActionOpen  = "ssh/open"
	ActionInput = "ssh/input"
	ActionClose = "ssh/close"
)

// DefaultMinAgentVersion is the oldest agent that supports SSH tunnels.
const DefaultMinAgentVersion = "5.0.0"

const (
	defaultQueueSize     = 256
	defaultReceiveWindow = 1024
	defaultPort          = 22
	closeTimeout         = 5 * time.Second
	errorBuffer          = 8
	metricsKind          = "tunnel"
)

var (
	// ErrTunnelClosed is returned by SendData once the tunnel has ended.
	ErrTunnelClosed = errors.New("tunnel closed")

	// ErrAlreadySetUp is reported when SetupTunnel is called twice.
	ErrAlreadySetUp = errors.New("tunnel already set up")

	// ErrReceiveWindow is reported when the target sends a chunk too far
	// ahead of the next expected sequence number.
	ErrReceiveWindow = errors.New("inbound data outside receive window")

	// ErrInterrupted is reported when the hub connection drops under a
	// running tunnel. SSH bytes in flight are lost, so the tunnel ends.
	ErrInterrupted = fmt.Errorf("%w: tunnel connection interrupted", hub.ErrTransport)
)

// Chain is the part of the keysplitting engine a tunnel uses.
type Chain interface {
	OpenHandshake(ctx context.Context) (*keysplitting.SynAckPayload, error)
	SendData(ctx context.Context, method, action string, payload []byte) (*keysplitting.DataAckPayload, error)
	Close()
}

// ChainFactory builds a chain bound to a resolved target.
type ChainFactory func(targetID string) (Chain, error)

// Config configures a Tunnel.
type Config struct {
	Hub      hub.Hub
	NewChain ChainFactory
	Targets  Resolver

	// Output receives the bytes sent by the target.
	Output io.Writer

	// ManagedIdentityFile is the tool's own key path; it is regenerated on
	// every setup and discarded on close. A tunnel using it owns it
	// exclusively until CloseTunnel.
	ManagedIdentityFile string
	MinAgentVersion     string
	QueueSize           int

	// ReceiveWindow bounds how far ahead of the next expected chunk an
	// inbound sequence number may be.
	ReceiveWindow int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Params identifies what to tunnel to.
type Params struct {
	Host         string // user@target
	Port         int
	IdentityFile string
}

// OpenRequest is the ssh/open payload.
type OpenRequest struct {
	TargetUser      string `json:"targetUser"`
	TargetPort      int    `json:"targetPort"`
	TargetPublicKey string `json:"targetPublicKey"`
}

// ReceiveData is one inbound chunk.
type ReceiveData struct {
	SequenceNumber int    `json:"sequenceNumber"`
	Data           string `json:"data"` // base64
}

type op struct {
	action string
	data   []byte
}

// Tunnel owns one SSH tunnel: its ephemeral key, its chain and its send
// worker.
type Tunnel struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	queue      chan op
	workerDone chan struct{}
	errs       chan error

	setupOnce sync.Once
	setupDone chan struct{}
	started   atomic.Bool
	closeOnce sync.Once

	// Guarded by mu until setup has returned.
	chain       Chain
	target      *api.Target
	managedKey  bool
	releaseKey  func()
	setupCancel context.CancelFunc
	closing     bool

	openedAt time.Time

	recvMu  sync.Mutex
	nextSeq int
	pending map[int][]byte

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64

	mu     sync.Mutex
	err    error
	done   chan struct{}
	ended  bool
	reason string
}

// New creates a tunnel. Nothing is sent until SetupTunnel.
func New(cfg Config) (*Tunnel, error) {
	if cfg.Hub == nil {
		return nil, errors.New("tunnel: hub is required")
	}
	if cfg.NewChain == nil {
		return nil, errors.New("tunnel: chain factory is required")
	}
	if cfg.Targets == nil {
		return nil, errors.New("tunnel: target resolver is required")
	}
	if cfg.Output == nil {
		return nil, errors.New("tunnel: output is required")
	}
	if cfg.MinAgentVersion == "" {
		cfg.MinAgentVersion = DefaultMinAgentVersion
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.ReceiveWindow <= 0 {
		cfg.ReceiveWindow = defaultReceiveWindow
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Tunnel{
		cfg:        cfg,
		logger:     logging.OrNop(cfg.Logger).With(logging.KeyComponent, "tunnel"),
		ctx:        ctx,
		cancel:     cancel,
		queue:      make(chan op, cfg.QueueSize),
		workerDone: make(chan struct{}),
		setupDone:  make(chan struct{}),
		errs:       make(chan error, errorBuffer),
		pending:    make(map[int][]byte),
		done:       make(chan struct{}),
	}, nil
}

// Errors returns the channel on which setup and runtime failures are
// reported.
func (t *Tunnel) Errors() <-chan error {
	return t.errs
}

// Done is closed when the tunnel has ended.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// Err returns the error the tunnel ended with, if any.
func (t *Tunnel) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Target returns the resolved target, or nil before setup resolved one.
func (t *Tunnel) Target() *api.Target {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.target
}

// SetupTunnel resolves the target, prepares the key, performs the
// handshake and opens the remote SSH stream. It reports whether the tunnel
// is ready; failures are sent to Errors and end the tunnel. A concurrent
// CloseTunnel cancels it.
func (t *Tunnel) SetupTunnel(ctx context.Context, p Params) bool {
	ok := false
	first := false
	t.setupOnce.Do(func() {
		first = true

		t.mu.Lock()
		if t.closing {
			t.mu.Unlock()
			t.report(ErrTunnelClosed)
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		t.setupCancel = cancel
		t.mu.Unlock()

		defer close(t.setupDone)
		defer cancel()
		ok = t.setup(ctx, p)
	})
	if !first {
		t.report(ErrAlreadySetUp)
	}
	return ok
}

func (t *Tunnel) setup(ctx context.Context, p Params) bool {
	fail := func(reason string, err error) bool {
		t.cfg.Metrics.RecordTunnelSetupFailure(reason)
		t.logger.Warn("tunnel setup failed", "reason", reason, logging.KeyError, err)
		t.end(err, reason)
		return false
	}

	host, err := ParseHost(p.Host)
	if err != nil {
		return fail("invalid_host", err)
	}
	if p.Port == 0 {
		p.Port = defaultPort
	}

	target, err := ResolveTarget(ctx, t.cfg.Targets, host.Target)
	if err != nil {
		switch {
		case errors.Is(err, ErrAmbiguousTargetName):
			return fail("ambiguous", err)
		case errors.Is(err, ErrTargetNotFound):
			return fail("not_found", err)
		default:
			return fail("resolve", err)
		}
	}
	t.mu.Lock()
	t.target = target
	t.mu.Unlock()
	t.logger = t.logger.With(
		logging.KeyTargetID, target.ID,
		logging.KeyTargetName, target.Name,
		logging.KeyTargetUser, host.User)

	if target.Status == api.TargetOffline {
		return fail("offline", fmt.Errorf("%w: %s", ErrTargetOffline, target.Name))
	}
	if err := api.CheckAgentVersion(target.AgentVersion, t.cfg.MinAgentVersion); err != nil {
		return fail("incompatible", err)
	}

	if samePath(p.IdentityFile, t.cfg.ManagedIdentityFile) {
		release, err := claimManagedKey(t.cfg.ManagedIdentityFile)
		if err != nil {
			return fail("key_in_use", err)
		}
		t.mu.Lock()
		t.releaseKey = release
		t.mu.Unlock()
	}

	pub, managed, err := prepareKey(p.IdentityFile, t.cfg.ManagedIdentityFile)
	t.mu.Lock()
	t.managedKey = managed
	t.mu.Unlock()
	if err != nil {
		return fail("key", err)
	}

	chain, err := t.cfg.NewChain(target.ID)
	if err != nil {
		return fail("chain", err)
	}
	t.mu.Lock()
	t.chain = chain
	t.mu.Unlock()

	t.cfg.Hub.On(EventReceiveData, t.onReceive)
	t.cfg.Hub.On(EventSshClosed, func([]json.RawMessage) {
		t.logger.Info("remote ssh session closed")
		t.end(nil, "remote_closed")
	})

	if _, err := chain.OpenHandshake(ctx); err != nil {
		return fail("handshake", err)
	}

	open, err := json.Marshal(OpenRequest{
		TargetUser:      host.User,
		TargetPort:      p.Port,
		TargetPublicKey: pub,
	})
	if err != nil {
		return fail("open", err)
	}
	if _, err := chain.SendData(ctx, MethodSendData, ActionOpen, open); err != nil {
		return fail("open", err)
	}

	t.openedAt = time.Now()
	t.started.Store(true)
	t.cfg.Metrics.RecordSessionStart(metricsKind)
	t.logger.Info("tunnel open", "port", p.Port, "managed_key", managed)

	go t.watchStates()
	go t.work()
	return true
}

// SendData queues data for the target. Calls are transmitted in the order
// they are made, one at a time. It blocks while the queue is full.
func (t *Tunnel) SendData(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	buf := append([]byte(nil), data...)

	select {
	case <-t.done:
		return ErrTunnelClosed
	default:
	}

	select {
	case t.queue <- op{action: ActionInput, data: buf}:
		return nil
	case <-t.done:
		return ErrTunnelClosed
	}
}

// CloseTunnel sends ssh/close after any queued input, then closes the chain
// and the hub and discards a managed key. It is safe to call more than
// once, before setup and while setup runs; a running setup is cancelled
// and waited for.
func (t *Tunnel) CloseTunnel() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closing = true
		cancelSetup := t.setupCancel
		t.mu.Unlock()
		if cancelSetup != nil {
			cancelSetup()
			<-t.setupDone
		}

		if t.started.Load() {
			t.drainAndClose()
		}
		t.end(nil, "closed")
		t.cancel()

		t.mu.Lock()
		chain, managed, release := t.chain, t.managedKey, t.releaseKey
		t.mu.Unlock()

		if chain != nil {
			chain.Close()
		}
		if err := t.cfg.Hub.Close(); err != nil {
			t.logger.Debug("close hub", logging.KeyError, err)
		}
		if managed {
			if err := identity.DiscardSSHKey(t.cfg.ManagedIdentityFile); err != nil {
				t.logger.Warn("discard ephemeral key", logging.KeyError, err)
			}
		}
		if release != nil {
			release()
		}

		if t.started.Load() {
			t.mu.Lock()
			reason := t.reason
			t.mu.Unlock()
			t.cfg.Metrics.RecordSessionEnd(metricsKind, reason)
			t.logger.Info("tunnel closed",
				"sent", humanize.Bytes(uint64(t.bytesSent.Load())),
				"received", humanize.Bytes(uint64(t.bytesReceived.Load())),
				logging.KeyDuration, time.Since(t.openedAt).Round(time.Millisecond),
				"reason", reason)
		}
	})
}

// drainAndClose lets the worker flush queued input and send ssh/close.
func (t *Tunnel) drainAndClose() {
	timer := time.NewTimer(closeTimeout)
	defer timer.Stop()

	select {
	case t.queue <- op{action: ActionClose}:
	case <-t.done:
	case <-timer.C:
		t.logger.Warn("timed out queueing ssh/close")
	}

	select {
	case <-t.workerDone:
	case <-timer.C:
		t.logger.Warn("timed out waiting for tunnel send worker")
	}
}

// work is the single send worker.
func (t *Tunnel) work() {
	defer close(t.workerDone)
	defer recovery.RecoverToError(t.logger, "tunnel.work", func(err error) { t.end(err, "error") })

	for {
		select {
		case <-t.done:
			return
		case o := <-t.queue:
			if _, err := t.chain.SendData(t.ctx, MethodSendData, o.action, o.data); err != nil {
				if t.ctx.Err() == nil {
					t.end(fmt.Errorf("send %s: %w", o.action, err), "error")
				}
				return
			}
			if o.action == ActionClose {
				t.end(nil, "closed")
				return
			}
			t.bytesSent.Add(int64(len(o.data)))
			t.cfg.Metrics.RecordTunnelSent(len(o.data))
		}
	}
}

func (t *Tunnel) watchStates() {
	defer recovery.RecoverWithLog(t.logger, "tunnel.watchStates")

	states := t.cfg.Hub.States()
	for {
		select {
		case <-t.done:
			return
		case sc, ok := <-states:
			if !ok {
				return
			}
			switch sc.State {
			case hub.StateBroken, hub.StateReconnecting:
				t.logger.Warn("tunnel connection lost", logging.KeyState, sc.State.String(), logging.KeyError, sc.Err)
			case hub.StateReconnected:
				t.end(ErrInterrupted, "interrupted")
				return
			case hub.StateClosed:
				err := sc.Err
				if err == nil {
					err = fmt.Errorf("%w: connection closed", hub.ErrTransport)
				}
				t.end(err, "transport")
				return
			}
		}
	}
}

// onReceive writes inbound chunks in sequence order, holding back chunks
// that arrive early.
func (t *Tunnel) onReceive(args []json.RawMessage) {
	if len(args) == 0 {
		return
	}

	var rd ReceiveData
	if err := json.Unmarshal(args[0], &rd); err != nil {
		t.logger.Warn("malformed ReceiveData", logging.KeyError, err)
		return
	}
	data, err := base64.StdEncoding.DecodeString(rd.Data)
	if err != nil {
		t.logger.Warn("malformed ReceiveData payload",
			"sequence", rd.SequenceNumber,
			logging.KeyError, err)
		return
	}

	t.recvMu.Lock()
	defer t.recvMu.Unlock()

	select {
	case <-t.done:
		return
	default:
	}

	if rd.SequenceNumber < t.nextSeq {
		t.logger.Debug("dropping duplicate ReceiveData", "sequence", rd.SequenceNumber)
		return
	}
	if rd.SequenceNumber >= t.nextSeq+t.cfg.ReceiveWindow {
		t.end(fmt.Errorf("%w: sequence %d, expecting %d", ErrReceiveWindow, rd.SequenceNumber, t.nextSeq), "receive_window")
		t.pending = nil
		return
	}
	t.pending[rd.SequenceNumber] = data

	for {
		chunk, ok := t.pending[t.nextSeq]
		if !ok {
			break
		}
		delete(t.pending, t.nextSeq)
		t.nextSeq++

		if _, err := t.cfg.Output.Write(chunk); err != nil {
			t.end(fmt.Errorf("write output: %w", err), "output")
			return
		}
		t.bytesReceived.Add(int64(len(chunk)))
		t.cfg.Metrics.RecordTunnelReceived(len(chunk))
	}

	if n := len(t.pending); n > 0 {
		t.logger.Debug("holding out-of-order data",
			"next", t.nextSeq,
			logging.KeyCount, n)
	}
}

// end records the first outcome and closes Done. A non-nil err is also
// reported on Errors.
func (t *Tunnel) end(err error, reason string) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	t.err = err
	t.reason = reason
	close(t.done)
	t.mu.Unlock()

	if err != nil {
		t.report(err)
	}
}

func (t *Tunnel) report(err error) {
	select {
	case t.errs <- err:
	default:
		t.logger.Warn("dropping tunnel error", logging.KeyError, err)
	}
}
