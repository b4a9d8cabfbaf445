package agenttest

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"

	"github.com/postalsys/bzconnect/internal/crypto"
	"github.com/postalsys/bzconnect/internal/keysplitting"
)

// Data is one Data message the agent accepted.
type Data struct {
	Method  string
	Action  string
	Payload []byte
}

// Agent answers Syn and Data invocations on a Hub the way a target agent
// does. Behaviour knobs must be set before the first invocation.
type Agent struct {
	Hub *Hub

	// RejectSyn answers Syn with a KeysplittingError.
	RejectSyn bool
	// DropSyn leaves Syn unanswered.
	DropSyn bool
	// DropData leaves Data unanswered.
	DropData bool
	// TamperAck modifies each DataAck before it is signed.
	TamperAck func(ack *keysplitting.DataAckPayload)
	// Reply returns the DataAck payload for a Data message.
	Reply func(d Data) []byte
	// AfterAck runs after the DataAck has been emitted; use it to emit
	// follow-up events such as ShellStart.
	AfterAck func(d Data)

	signer   crypto.Signer
	verifier crypto.Verifier

	mu       sync.Mutex
	lastAck  string
	received []Data
	synCount int
}

// NewAgent creates an agent with a fresh signing key on a new Hub.
func NewAgent(tb testing.TB) *Agent {
	tb.Helper()

	kp, err := crypto.GenerateSigningKeypair()
	if err != nil {
		tb.Fatalf("GenerateSigningKeypair() error = %v", err)
	}

	a := &Agent{
		Hub:      NewHub(),
		signer:   crypto.NewEd25519Signer(kp),
		verifier: crypto.Ed25519Verifier{},
	}
	a.Hub.HandleInvoke(a.handle)
	tb.Cleanup(func() { a.Hub.Close() })
	return a
}

// PublicKey returns the agent's public key.
func (a *Agent) PublicKey() []byte {
	return a.signer.PublicKey()
}

// Received returns the Data messages accepted so far.
func (a *Agent) Received() []Data {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Data(nil), a.received...)
}

// Actions returns the actions of accepted Data messages in order.
func (a *Agent) Actions() []string {
	var out []string
	for _, d := range a.Received() {
		out = append(out, d.Action)
	}
	return out
}

// SynCount returns how many Syn messages were answered.
func (a *Agent) SynCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.synCount
}

// Sign wraps payload into a message signed by the agent.
func (a *Agent) Sign(typ keysplitting.MessageType, payload any) *keysplitting.Message {
	msg, err := keysplitting.NewMessage(typ, payload, a.signer)
	if err != nil {
		panic("agenttest: " + err.Error())
	}
	return msg
}

func (a *Agent) handle(method string, args []json.RawMessage) error {
	if len(args) == 0 {
		return nil
	}
	msg, err := keysplitting.ParseMessage(args[0])
	if err != nil {
		// Not a keysplitting call.
		return nil
	}

	switch msg.Type {
	case keysplitting.TypeSyn:
		a.handleSyn(msg)
	case keysplitting.TypeData:
		a.handleData(method, msg)
	}
	return nil
}

func (a *Agent) handleSyn(msg *keysplitting.Message) {
	var syn keysplitting.SynPayload
	if err := msg.Decode(&syn); err != nil {
		a.reject(msg, "MalformedSyn", err.Error())
		return
	}
	if err := a.verifyClient(msg, &syn.BZCert); err != nil {
		a.reject(msg, "BZCertInvalid", err.Error())
		return
	}
	if a.RejectSyn {
		a.reject(msg, "Unauthorized", "user is not allowed to connect")
		return
	}
	if a.DropSyn {
		return
	}

	nonce, _ := crypto.NewNonce()
	ack := a.Sign(keysplitting.TypeSynAck, &keysplitting.SynAckPayload{
		Timestamp:       syn.Timestamp,
		SchemaVersion:   syn.SchemaVersion,
		Type:            keysplitting.TypeSynAck,
		Action:          syn.Action,
		HPointer:        msg.Hash(),
		Nonce:           nonce,
		TargetPublicKey: base64.StdEncoding.EncodeToString(a.PublicKey()),
	})

	a.mu.Lock()
	a.lastAck = ack.Hash()
	a.synCount++
	a.mu.Unlock()

	a.Hub.Emit(keysplitting.EventSynAck, ack)
}

func (a *Agent) handleData(method string, msg *keysplitting.Message) {
	var data keysplitting.DataPayload
	if err := msg.Decode(&data); err != nil {
		a.reject(msg, "MalformedData", err.Error())
		return
	}
	if err := a.verifyClient(msg, &data.BZCert); err != nil {
		a.reject(msg, "BZCertInvalid", err.Error())
		return
	}

	a.mu.Lock()
	expected := a.lastAck
	a.mu.Unlock()
	if data.HPointer != expected {
		a.reject(msg, "HPointerMismatch", "data does not continue the chain")
		return
	}

	payload, _ := base64.StdEncoding.DecodeString(data.Payload)
	d := Data{Method: method, Action: data.Action, Payload: payload}

	a.mu.Lock()
	a.received = append(a.received, d)
	a.mu.Unlock()

	if a.DropData {
		return
	}

	var reply []byte
	if a.Reply != nil {
		reply = a.Reply(d)
	}

	ackPayload := &keysplitting.DataAckPayload{
		Timestamp:       data.Timestamp,
		SchemaVersion:   data.SchemaVersion,
		Type:            keysplitting.TypeDataAck,
		Action:          data.Action,
		HPointer:        msg.Hash(),
		Payload:         base64.StdEncoding.EncodeToString(reply),
		TargetPublicKey: base64.StdEncoding.EncodeToString(a.PublicKey()),
	}
	if a.TamperAck != nil {
		a.TamperAck(ackPayload)
	}
	ack := a.Sign(keysplitting.TypeDataAck, ackPayload)

	a.mu.Lock()
	a.lastAck = ack.Hash()
	a.mu.Unlock()

	a.Hub.Emit(keysplitting.EventDataAck, ack)

	if a.AfterAck != nil {
		a.AfterAck(d)
	}
}

func (a *Agent) verifyClient(msg *keysplitting.Message, cert *keysplitting.BZECert) error {
	if err := cert.Verify(a.verifier); err != nil {
		return err
	}
	pub, err := cert.PublicKey()
	if err != nil {
		return err
	}
	return msg.VerifySignature(a.verifier, pub)
}

func (a *Agent) reject(msg *keysplitting.Message, kind, text string) {
	a.Hub.Emit(keysplitting.EventError, a.Sign(keysplitting.TypeError, &keysplitting.ErrorPayload{
		Type:      keysplitting.TypeError,
		Action:    "error",
		HPointer:  msg.Hash(),
		ErrorType: kind,
		Message:   text,
	}))
}

// NewClient returns a signer and certificate for a test client.
func NewClient(tb testing.TB) (crypto.Signer, *keysplitting.BZECert) {
	tb.Helper()

	kp, err := crypto.GenerateSigningKeypair()
	if err != nil {
		tb.Fatalf("GenerateSigningKeypair() error = %v", err)
	}
	signer := crypto.NewEd25519Signer(kp)

	cert, err := keysplitting.NewBZECert("initial-id-token", "current-id-token", signer)
	if err != nil {
		tb.Fatalf("NewBZECert() error = %v", err)
	}
	return signer, cert
}
