package keysplitting_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/postalsys/bzconnect/internal/agenttest"
	"github.com/postalsys/bzconnect/internal/crypto"
	"github.com/postalsys/bzconnect/internal/keysplitting"
)

func newEngine(t *testing.T, agent *agenttest.Agent) *keysplitting.Engine {
	t.Helper()
	signer, cert := agenttest.NewClient(t)

	e, err := keysplitting.New(keysplitting.Config{
		TargetID:         "target-1",
		Cert:             cert,
		Signer:           signer,
		Hub:              agent.Hub,
		HandshakeTimeout: 500 * time.Millisecond,
		AckTimeout:       500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	e.Attach(agent.Hub)
	return e
}

func TestNew_Validation(t *testing.T) {
	agent := agenttest.NewAgent(t)
	signer, cert := agenttest.NewClient(t)

	tests := []struct {
		name string
		cfg  keysplitting.Config
	}{
		{"missing target", keysplitting.Config{Cert: cert, Signer: signer, Hub: agent.Hub}},
		{"missing cert", keysplitting.Config{TargetID: "t", Signer: signer, Hub: agent.Hub}},
		{"missing signer", keysplitting.Config{TargetID: "t", Cert: cert, Hub: agent.Hub}},
		{"missing hub", keysplitting.Config{TargetID: "t", Cert: cert, Signer: signer}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := keysplitting.New(tt.cfg); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestEngine_Handshake(t *testing.T) {
	agent := agenttest.NewAgent(t)
	e := newEngine(t, agent)

	synAck, err := e.OpenHandshake(context.Background())
	if err != nil {
		t.Fatalf("OpenHandshake() error = %v", err)
	}

	if synAck.TargetPublicKey != base64.StdEncoding.EncodeToString(agent.PublicKey()) {
		t.Error("SynAck carries the wrong target key")
	}
	if string(e.TargetPublicKey()) != string(agent.PublicKey()) {
		t.Error("engine did not learn the target key")
	}

	syns := agent.Hub.Invocations(keysplitting.MethodSyn)
	if len(syns) != 1 {
		t.Fatalf("Syn invocations = %d, want 1", len(syns))
	}
	msg, err := keysplitting.ParseMessage(syns[0].Args[0])
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if synAck.HPointer != msg.Hash() {
		t.Error("SynAck HPointer is not the hash of the Syn")
	}

	var syn keysplitting.SynPayload
	if err := msg.Decode(&syn); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if syn.Nonce == "" || syn.TargetID != "target-1" {
		t.Errorf("Syn payload = %+v", syn)
	}
}

func TestEngine_FreshNoncePerHandshake(t *testing.T) {
	agent := agenttest.NewAgent(t)
	e := newEngine(t, agent)

	for i := 0; i < 2; i++ {
		if _, err := e.OpenHandshake(context.Background()); err != nil {
			t.Fatalf("OpenHandshake() error = %v", err)
		}
	}

	syns := agent.Hub.Invocations(keysplitting.MethodSyn)
	nonces := map[string]bool{}
	for _, inv := range syns {
		msg, _ := keysplitting.ParseMessage(inv.Args[0])
		var p keysplitting.SynPayload
		if err := msg.Decode(&p); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		nonces[p.Nonce] = true
	}
	if len(nonces) != 2 {
		t.Errorf("distinct nonces = %d, want 2", len(nonces))
	}
}

func TestEngine_HandshakeRejected(t *testing.T) {
	agent := agenttest.NewAgent(t)
	agent.RejectSyn = true
	e := newEngine(t, agent)

	_, err := e.OpenHandshake(context.Background())
	if !errors.Is(err, keysplitting.ErrHandshakeRejected) {
		t.Fatalf("OpenHandshake() error = %v, want ErrHandshakeRejected", err)
	}

	if _, err := e.SendData(context.Background(), "SendData", "ssh/input", []byte("x")); !errors.Is(err, keysplitting.ErrHandshakeRejected) {
		t.Errorf("SendData() after rejection error = %v, want ErrHandshakeRejected", err)
	}
}

func TestEngine_HandshakeErrorPointer(t *testing.T) {
	tests := []struct {
		name    string
		pointer func(syn *keysplitting.Message) string
		wantErr error
	}{
		{"refers to syn", func(syn *keysplitting.Message) string { return syn.Hash() }, keysplitting.ErrHandshakeRejected},
		{"refers elsewhere", func(*keysplitting.Message) string { return "not-the-syn" }, keysplitting.ErrChainBroken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := agenttest.NewAgent(t)
			agent.DropSyn = true
			e := newEngine(t, agent)

			done := make(chan error, 1)
			go func() {
				_, err := e.OpenHandshake(context.Background())
				done <- err
			}()

			invs, ok := agent.Hub.WaitInvocations(keysplitting.MethodSyn, 1, time.Second)
			if !ok {
				t.Fatal("Syn not sent")
			}
			syn, err := keysplitting.ParseMessage(invs[0].Args[0])
			if err != nil {
				t.Fatalf("ParseMessage() error = %v", err)
			}

			// No target key is known yet, so any signer is accepted.
			impostor := agenttest.NewAgent(t)
			raw, _ := json.Marshal(impostor.Sign(keysplitting.TypeError, &keysplitting.ErrorPayload{
				Type:      keysplitting.TypeError,
				HPointer:  tt.pointer(syn),
				ErrorType: "SynRejected",
			}))
			_ = e.Deliver(raw)

			select {
			case err := <-done:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("OpenHandshake() error = %v, want %v", err, tt.wantErr)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("OpenHandshake() did not return")
			}
		})
	}
}

func TestEngine_HandshakeTimeout(t *testing.T) {
	agent := agenttest.NewAgent(t)
	agent.DropSyn = true
	e := newEngine(t, agent)

	start := time.Now()
	_, err := e.OpenHandshake(context.Background())
	if !errors.Is(err, keysplitting.ErrHandshakeTimeout) {
		t.Fatalf("OpenHandshake() error = %v, want ErrHandshakeTimeout", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("handshake wait was not bounded")
	}

	select {
	case <-e.Done():
	default:
		t.Error("Done() not closed after handshake timeout")
	}
}

func TestEngine_SendDataBeforeHandshake(t *testing.T) {
	agent := agenttest.NewAgent(t)
	e := newEngine(t, agent)

	if _, err := e.SendData(context.Background(), "SendData", "ssh/input", nil); !errors.Is(err, keysplitting.ErrNoHandshake) {
		t.Errorf("SendData() error = %v, want ErrNoHandshake", err)
	}
}

func TestEngine_ChainIntegrity(t *testing.T) {
	agent := agenttest.NewAgent(t)
	agent.Reply = func(d agenttest.Data) []byte {
		return append([]byte("ack:"), d.Payload...)
	}
	e := newEngine(t, agent)

	if _, err := e.OpenHandshake(context.Background()); err != nil {
		t.Fatalf("OpenHandshake() error = %v", err)
	}

	const n = 10
	for i := 0; i < n; i++ {
		before := e.LastHash()

		ack, err := e.SendData(context.Background(), "SendData", "ssh/input", []byte(fmt.Sprintf("%d", i)))
		if err != nil {
			t.Fatalf("SendData(%d) error = %v", i, err)
		}

		invs := agent.Hub.Invocations("SendData")
		sent, err := keysplitting.ParseMessage(invs[len(invs)-1].Args[0])
		if err != nil {
			t.Fatalf("ParseMessage() error = %v", err)
		}
		var data keysplitting.DataPayload
		if err := sent.Decode(&data); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}

		if data.HPointer != before {
			t.Fatalf("Data %d HPointer = %q, want hash of previous message %q", i, data.HPointer, before)
		}
		if ack.HPointer != sent.Hash() {
			t.Fatalf("DataAck %d HPointer does not point at Data", i)
		}

		got, err := ack.Bytes()
		if err != nil {
			t.Fatalf("Bytes() error = %v", err)
		}
		if want := fmt.Sprintf("ack:%d", i); string(got) != want {
			t.Errorf("DataAck payload = %q, want %q", got, want)
		}
	}

	if got := len(agent.Received()); got != n {
		t.Errorf("agent received %d Data messages, want %d", got, n)
	}
}

func TestEngine_DataAckHPointerMismatchBreaksChain(t *testing.T) {
	agent := agenttest.NewAgent(t)
	agent.TamperAck = func(ack *keysplitting.DataAckPayload) {
		ack.HPointer = crypto.HashString([]byte("something else"))
	}
	e := newEngine(t, agent)

	if _, err := e.OpenHandshake(context.Background()); err != nil {
		t.Fatalf("OpenHandshake() error = %v", err)
	}

	_, err := e.SendData(context.Background(), "SendData", "ssh/input", []byte("a"))
	if !errors.Is(err, keysplitting.ErrChainBroken) {
		t.Fatalf("SendData() error = %v, want ErrChainBroken", err)
	}

	// The chain stays broken.
	agent.TamperAck = nil
	if _, err := e.SendData(context.Background(), "SendData", "ssh/input", []byte("b")); !errors.Is(err, keysplitting.ErrChainBroken) {
		t.Errorf("SendData() after break error = %v, want ErrChainBroken", err)
	}
	if !errors.Is(e.Err(), keysplitting.ErrChainBroken) {
		t.Errorf("Err() = %v, want ErrChainBroken", e.Err())
	}
}

func TestEngine_ReplayedAckRejected(t *testing.T) {
	agent := agenttest.NewAgent(t)
	e := newEngine(t, agent)

	if _, err := e.OpenHandshake(context.Background()); err != nil {
		t.Fatalf("OpenHandshake() error = %v", err)
	}

	acks := make(chan json.RawMessage, 4)
	agent.Hub.On(keysplitting.EventDataAck, func(args []json.RawMessage) {
		acks <- append(json.RawMessage(nil), args[0]...)
	})

	if _, err := e.SendData(context.Background(), "SendData", "ssh/input", []byte("1")); err != nil {
		t.Fatalf("SendData() error = %v", err)
	}

	var captured json.RawMessage
	select {
	case captured = <-acks:
	case <-time.After(5 * time.Second):
		t.Fatal("DataAck not captured")
	}

	// Replay with nothing outstanding.
	if err := e.Deliver(captured); !errors.Is(err, keysplitting.ErrVerification) {
		t.Errorf("Deliver(replay) error = %v, want ErrVerification", err)
	}

	msg, err := keysplitting.ParseMessage(captured)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}

	// Mutated copy against the chain state of a pending exchange.
	agent.DropData = true
	done := make(chan error, 1)
	go func() {
		_, err := e.SendData(context.Background(), "SendData", "ssh/input", []byte("2"))
		done <- err
	}()
	if _, ok := agent.Hub.WaitInvocations("SendData", 2, time.Second); !ok {
		t.Fatal("second Data not sent")
	}

	mutated := *msg
	mutated.Payload = append([]byte(nil), msg.Payload...)
	mutated.Payload[len(mutated.Payload)/2] ^= 0x01
	if _, err := e.VerifyIncoming(&mutated); err == nil {
		t.Error("VerifyIncoming() accepted a mutated message")
	}

	// The unmodified old ack is rejected too: it answers the old Data.
	if _, err := e.VerifyIncoming(msg); !errors.Is(err, keysplitting.ErrChainBroken) {
		t.Errorf("VerifyIncoming(stale ack) error = %v, want ErrChainBroken", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, keysplitting.ErrAckTimeout) {
			t.Errorf("SendData() error = %v, want ErrAckTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SendData() did not time out")
	}
}

func TestEngine_ForgedAckSignature(t *testing.T) {
	agent := agenttest.NewAgent(t)
	agent.DropData = true
	e := newEngine(t, agent)

	if _, err := e.OpenHandshake(context.Background()); err != nil {
		t.Fatalf("OpenHandshake() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.SendData(context.Background(), "SendData", "ssh/input", []byte("x"))
		done <- err
	}()

	invs, ok := agent.Hub.WaitInvocations("SendData", 1, time.Second)
	if !ok {
		t.Fatal("Data not sent")
	}
	sent, _ := keysplitting.ParseMessage(invs[0].Args[0])

	// An ack with the right pointer signed by someone else.
	impostor := agenttest.NewAgent(t)
	forged := impostor.Sign(keysplitting.TypeDataAck, &keysplitting.DataAckPayload{
		Type:     keysplitting.TypeDataAck,
		HPointer: sent.Hash(),
	})
	raw, _ := json.Marshal(forged)

	if err := e.Deliver(raw); !errors.Is(err, keysplitting.ErrVerification) {
		t.Errorf("Deliver(forged) error = %v, want ErrVerification", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, keysplitting.ErrVerification) {
			t.Errorf("SendData() error = %v, want ErrVerification", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SendData() did not return")
	}
}

func TestEngine_ConcurrentSendsAreSerialized(t *testing.T) {
	agent := agenttest.NewAgent(t)
	e := newEngine(t, agent)

	if _, err := e.OpenHandshake(context.Background()); err != nil {
		t.Fatalf("OpenHandshake() error = %v", err)
	}

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, err := e.SendData(context.Background(), "SendData", "ssh/input", []byte{byte(i)})
			errs <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("SendData() error = %v", err)
		}
	}

	if got := len(agent.Received()); got != n {
		t.Errorf("agent accepted %d messages, want %d", got, n)
	}
}

func TestEngine_Close(t *testing.T) {
	agent := agenttest.NewAgent(t)
	agent.DropSyn = true
	e := newEngine(t, agent)

	done := make(chan error, 1)
	go func() {
		_, err := e.OpenHandshake(context.Background())
		done <- err
	}()

	if _, ok := agent.Hub.WaitInvocations(keysplitting.MethodSyn, 1, time.Second); !ok {
		t.Fatal("Syn not sent")
	}
	e.Close()

	select {
	case err := <-done:
		if !errors.Is(err, keysplitting.ErrEngineClosed) {
			t.Errorf("OpenHandshake() error = %v, want ErrEngineClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OpenHandshake() not unblocked by Close")
	}
}

func TestEngine_ContextCancel(t *testing.T) {
	agent := agenttest.NewAgent(t)
	agent.DropSyn = true
	e := newEngine(t, agent)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := e.OpenHandshake(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("OpenHandshake() error = %v, want context.DeadlineExceeded", err)
	}
}
