package keysplitting

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/bzconnect/internal/crypto"
	"github.com/postalsys/bzconnect/internal/hub"
	"github.com/postalsys/bzconnect/internal/logging"
	"github.com/postalsys/bzconnect/internal/metrics"
)

// Hub method and event names used by the chain.
const (
	MethodSyn = "Syn"

	EventSynAck  = "SynAck"
	EventDataAck = "DataAck"
	EventError   = "KeysplittingError"
)

// DefaultSchemaVersion is sent in every payload unless configured.
const DefaultSchemaVersion = "zli-2.0"

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultAckTimeout       = 30 * time.Second
)

var (
	// ErrHandshakeTimeout is returned when no SynAck arrives in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrHandshakeRejected is returned when the target rejects the Syn.
	ErrHandshakeRejected = errors.New("handshake rejected by target")

	// ErrChainBroken is returned when a reply does not continue the chain.
	// The engine refuses all further sends once it has been returned.
	ErrChainBroken = errors.New("keysplitting chain broken")

	// ErrVerification is returned for malformed or badly signed messages.
	ErrVerification = errors.New("keysplitting verification failed")

	// ErrAckTimeout is returned when no DataAck arrives in time.
	ErrAckTimeout = errors.New("timed out waiting for DataAck")

	// ErrDataRejected is returned when the target rejects a Data message.
	ErrDataRejected = errors.New("data rejected by target")

	// ErrNoHandshake is returned by SendData before a successful handshake.
	ErrNoHandshake = errors.New("no handshake has completed")

	// ErrEngineClosed is returned after Close.
	ErrEngineClosed = errors.New("keysplitting engine closed")
)

// Invoker sends a named hub call.
type Invoker interface {
	Invoke(ctx context.Context, method string, args ...any) error
}

// Config configures an Engine.
type Config struct {
	TargetID string
	Cert     *BZECert
	Signer   crypto.Signer
	Verifier crypto.Verifier
	Hub      Invoker

	SchemaVersion    string
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type result struct {
	synAck  *SynAckPayload
	dataAck *DataAckPayload
	err     error
}

// Engine drives the Syn/SynAck/Data/DataAck exchange for one session and
// keeps the hash-pointer chain. Only one exchange is in flight at a time.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	// slot admits one outstanding exchange; waits happen without mu held.
	slot chan struct{}

	mu           sync.Mutex
	expect       MessageType
	waiter       chan result
	lastSent     string
	lastAccepted string
	targetKey    []byte
	err          error
	done         chan struct{}
}

// New creates an engine. Call Attach to route replies from a hub.
func New(cfg Config) (*Engine, error) {
	if cfg.TargetID == "" {
		return nil, errors.New("keysplitting: target id is required")
	}
	if cfg.Cert == nil {
		return nil, errors.New("keysplitting: cert is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("keysplitting: signer is required")
	}
	if cfg.Hub == nil {
		return nil, errors.New("keysplitting: hub is required")
	}
	if cfg.Verifier == nil {
		cfg.Verifier = crypto.Ed25519Verifier{}
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = DefaultSchemaVersion
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}

	return &Engine{
		cfg: cfg,
		logger: logging.OrNop(cfg.Logger).With(
			logging.KeyComponent, "keysplitting",
			logging.KeyTargetID, cfg.TargetID),
		slot: make(chan struct{}, 1),
		done: make(chan struct{}),
	}, nil
}

// Attach routes SynAck, DataAck and KeysplittingError events from h into
// Deliver.
func (e *Engine) Attach(h hub.Hub) {
	for _, event := range []string{EventSynAck, EventDataAck, EventError} {
		event := event
		h.On(event, func(args []json.RawMessage) {
			if len(args) == 0 {
				e.logger.Warn("keysplitting event without arguments", logging.KeyEvent, event)
				return
			}
			if err := e.Deliver(args[0]); err != nil {
				e.logger.Warn("rejected keysplitting message",
					logging.KeyEvent, event,
					logging.KeyError, err)
			}
		})
	}
}

// OpenHandshake sends a Syn with a fresh nonce and waits for the SynAck.
// A new handshake starts a new chain.
func (e *Engine) OpenHandshake(ctx context.Context) (*SynAckPayload, error) {
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()

	nonce, err := crypto.NewNonce()
	if err != nil {
		return nil, err
	}

	msg, err := NewMessage(TypeSyn, &SynPayload{
		Timestamp:     now(),
		SchemaVersion: e.cfg.SchemaVersion,
		Type:          TypeSyn,
		Action:        "syn",
		TargetID:      e.cfg.TargetID,
		Nonce:         nonce,
		BZCert:        *e.cfg.Cert,
	}, e.cfg.Signer)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.targetKey = nil
	e.lastAccepted = ""
	wait := e.expectLocked(TypeSynAck, msg.Hash())
	e.mu.Unlock()

	start := time.Now()
	if err := e.cfg.Hub.Invoke(ctx, MethodSyn, msg); err != nil {
		e.cancelWait(wait)
		return nil, fmt.Errorf("send Syn: %w", err)
	}
	e.cfg.Metrics.RecordChainSent(string(TypeSyn))
	e.logger.Debug("sent Syn")

	res, err := e.await(ctx, wait, e.cfg.HandshakeTimeout, ErrHandshakeTimeout)
	if err != nil {
		return nil, err
	}

	e.cfg.Metrics.RecordHandshake(time.Since(start))
	e.logger.Debug("handshake complete", logging.KeyDuration, time.Since(start))
	return res.synAck, nil
}

// SendData signs payload into a Data message continuing the chain, invokes
// method on the hub and waits for the matching DataAck.
func (e *Engine) SendData(ctx context.Context, method, action string, payload []byte) (*DataAckPayload, error) {
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()

	e.mu.Lock()
	hpointer := e.lastAccepted
	e.mu.Unlock()
	if hpointer == "" {
		return nil, ErrNoHandshake
	}

	msg, err := NewMessage(TypeData, &DataPayload{
		Timestamp:     now(),
		SchemaVersion: e.cfg.SchemaVersion,
		Type:          TypeData,
		Action:        action,
		TargetID:      e.cfg.TargetID,
		HPointer:      hpointer,
		Payload:       base64.StdEncoding.EncodeToString(payload),
		BZCert:        *e.cfg.Cert,
	}, e.cfg.Signer)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	wait := e.expectLocked(TypeDataAck, msg.Hash())
	e.mu.Unlock()

	start := time.Now()
	if err := e.cfg.Hub.Invoke(ctx, method, msg); err != nil {
		e.cancelWait(wait)
		return nil, fmt.Errorf("send %s: %w", action, err)
	}
	e.cfg.Metrics.RecordChainSent(string(TypeData))

	res, err := e.await(ctx, wait, e.cfg.AckTimeout, ErrAckTimeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}

	e.cfg.Metrics.RecordAck(time.Since(start))
	return res.dataAck, nil
}

// VerifyIncoming checks msg against the chain without accepting it: the
// signature must verify against the target key and the HPointer must equal
// the hash of the last sent message. It returns the decoded payload.
func (e *Engine) VerifyIncoming(msg *Message) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkLocked(msg)
}

// Deliver verifies a raw inbound message and, if it answers the
// outstanding exchange, accepts it. A failure while an exchange is
// outstanding breaks the chain for good.
func (e *Engine) Deliver(raw json.RawMessage) error {
	msg, err := ParseMessage(raw)
	if err != nil {
		e.cfg.Metrics.RecordChainRejected(rejectReason(err))
		return err
	}

	e.mu.Lock()
	payload, err := e.checkLocked(msg)
	wait := e.waiter
	outstanding := e.expect != ""

	if err != nil {
		if outstanding {
			e.expect, e.waiter = "", nil
			e.latchLocked(err)
			wait <- result{err: err}
		}
		e.mu.Unlock()

		e.cfg.Metrics.RecordChainRejected(rejectReason(err))
		return err
	}

	var res result
	switch p := payload.(type) {
	case *SynAckPayload:
		key, _ := base64.StdEncoding.DecodeString(p.TargetPublicKey)
		e.targetKey = key
		e.lastAccepted = msg.Hash()
		res.synAck = p
	case *DataAckPayload:
		e.lastAccepted = msg.Hash()
		res.dataAck = p
	case *ErrorPayload:
		if e.expect == TypeSynAck {
			res.err = fmt.Errorf("%w: %v", ErrHandshakeRejected, p)
		} else {
			res.err = fmt.Errorf("%w: %v", ErrDataRejected, p)
		}
		e.latchLocked(res.err)
	}
	e.expect, e.waiter = "", nil
	// The waiter is buffered; sending under mu keeps await's timeout
	// check from missing a reply that was already accepted.
	wait <- res
	e.mu.Unlock()

	e.cfg.Metrics.RecordChainAccepted(string(msg.Type))
	return nil
}

// TargetPublicKey returns the key learned from the last SynAck.
func (e *Engine) TargetPublicKey() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.targetKey...)
}

// LastHash returns the hash of the last accepted message.
func (e *Engine) LastHash() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAccepted
}

// Done is closed once the engine has failed or been closed.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err returns the error that stopped the engine, or nil.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Close stops the engine. Outstanding waits return ErrEngineClosed.
func (e *Engine) Close() {
	e.mu.Lock()
	wait := e.waiter
	e.expect, e.waiter = "", nil
	e.latchLocked(ErrEngineClosed)
	if wait != nil {
		wait <- result{err: ErrEngineClosed}
	}
	e.mu.Unlock()
}

func (e *Engine) checkLocked(msg *Message) (any, error) {
	if e.expect == "" {
		return nil, fmt.Errorf("%w: unexpected %s, nothing outstanding", ErrVerification, msg.Type)
	}

	switch msg.Type {
	case TypeSynAck:
		if e.expect != TypeSynAck {
			return nil, fmt.Errorf("%w: SynAck while awaiting %s", ErrChainBroken, e.expect)
		}
		var p SynAckPayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		key, err := base64.StdEncoding.DecodeString(p.TargetPublicKey)
		if err != nil || len(key) == 0 {
			return nil, fmt.Errorf("%w: SynAck without a usable target key", ErrVerification)
		}
		if err := msg.VerifySignature(e.cfg.Verifier, key); err != nil {
			return nil, err
		}
		if p.Nonce == "" {
			return nil, fmt.Errorf("%w: SynAck without nonce", ErrVerification)
		}
		if !crypto.EqualHash(p.HPointer, e.lastSent) {
			return nil, fmt.Errorf("%w: SynAck does not answer the last Syn", ErrChainBroken)
		}
		return &p, nil

	case TypeDataAck:
		if e.expect != TypeDataAck {
			return nil, fmt.Errorf("%w: DataAck while awaiting %s", ErrChainBroken, e.expect)
		}
		var p DataAckPayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		if err := msg.VerifySignature(e.cfg.Verifier, e.targetKey); err != nil {
			return nil, err
		}
		if p.TargetPublicKey != "" && p.TargetPublicKey != base64.StdEncoding.EncodeToString(e.targetKey) {
			return nil, fmt.Errorf("%w: DataAck from a different target key", ErrVerification)
		}
		if !crypto.EqualHash(p.HPointer, e.lastSent) {
			return nil, fmt.Errorf("%w: DataAck does not answer the last Data", ErrChainBroken)
		}
		return &p, nil

	case TypeError:
		var p ErrorPayload
		if err := msg.Decode(&p); err != nil {
			return nil, err
		}
		// During a handshake no target key is known yet, so the error is
		// accepted unsigned and only its HPointer ties it to our Syn. Any
		// hub participant that saw the Syn can abort the handshake.
		if e.targetKey != nil {
			if err := msg.VerifySignature(e.cfg.Verifier, e.targetKey); err != nil {
				return nil, err
			}
		}
		if !crypto.EqualHash(p.HPointer, e.lastSent) {
			return nil, fmt.Errorf("%w: error does not refer to the last message", ErrChainBroken)
		}
		return &p, nil

	default:
		return nil, fmt.Errorf("%w: unexpected inbound %s", ErrVerification, msg.Type)
	}
}

func (e *Engine) expectLocked(typ MessageType, sentHash string) chan result {
	wait := make(chan result, 1)
	e.expect = typ
	e.waiter = wait
	e.lastSent = sentHash
	return wait
}

func (e *Engine) cancelWait(wait chan result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.waiter == wait {
		e.expect, e.waiter = "", nil
	}
}

func (e *Engine) await(ctx context.Context, wait chan result, timeout time.Duration, timeoutErr error) (result, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-wait:
		return res, res.err
	case <-timer.C:
	case <-ctx.Done():
		e.cancelWait(wait)
		return result{}, ctx.Err()
	}

	// A reply may have raced the timer.
	e.mu.Lock()
	select {
	case res := <-wait:
		e.mu.Unlock()
		return res, res.err
	default:
	}
	e.expect, e.waiter = "", nil
	e.latchLocked(timeoutErr)
	e.mu.Unlock()

	e.cfg.Metrics.RecordChainRejected("timeout")
	return result{}, timeoutErr
}

func (e *Engine) acquire(ctx context.Context) error {
	select {
	case <-e.done:
		return e.Err()
	default:
	}

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return e.Err()
	}

	if err := e.Err(); err != nil {
		<-e.slot
		return err
	}
	return nil
}

func (e *Engine) release() {
	<-e.slot
}

func (e *Engine) latchLocked(err error) {
	if e.err != nil {
		return
	}
	e.err = err
	close(e.done)
	if !errors.Is(err, ErrEngineClosed) {
		e.logger.Error("keysplitting chain stopped", logging.KeyError, err)
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrChainBroken):
		return "chain_broken"
	case errors.Is(err, ErrVerification):
		return "verification"
	default:
		return "other"
	}
}
