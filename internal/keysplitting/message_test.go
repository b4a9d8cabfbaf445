package keysplitting

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/postalsys/bzconnect/internal/crypto"
)

func testSigner(t *testing.T) *crypto.Ed25519Signer {
	t.Helper()
	kp, err := crypto.GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() error = %v", err)
	}
	return crypto.NewEd25519Signer(kp)
}

func TestNewMessage_SignsPayloadHash(t *testing.T) {
	signer := testSigner(t)

	msg, err := NewMessage(TypeDataAck, &DataAckPayload{Type: TypeDataAck, HPointer: "abc"}, signer)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}

	if msg.Hash() != crypto.HashString(msg.Payload) {
		t.Errorf("Hash() = %q, want hash of payload bytes", msg.Hash())
	}
	if err := msg.VerifySignature(crypto.Ed25519Verifier{}, signer.PublicKey()); err != nil {
		t.Errorf("VerifySignature() error = %v", err)
	}

	other := testSigner(t)
	if err := msg.VerifySignature(crypto.Ed25519Verifier{}, other.PublicKey()); !errors.Is(err, ErrVerification) {
		t.Errorf("VerifySignature() with other key error = %v, want ErrVerification", err)
	}
}

func TestMessage_MutatedPayloadFailsVerification(t *testing.T) {
	signer := testSigner(t)

	msg, err := NewMessage(TypeDataAck, &DataAckPayload{Type: TypeDataAck, Payload: "aGVsbG8="}, signer)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}

	for i := range msg.Payload {
		mutated := *msg
		mutated.Payload = append([]byte(nil), msg.Payload...)
		mutated.Payload[i] ^= 0x01
		if err := mutated.VerifySignature(crypto.Ed25519Verifier{}, signer.PublicKey()); err == nil {
			t.Fatalf("VerifySignature() accepted payload mutated at byte %d", i)
		}
	}
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", `{"type":"SynAck","keysplittingPayload":{"type":"SynAck"},"signature":"c2ln"}`, false},
		{"missing payload", `{"type":"SynAck","signature":"c2ln"}`, true},
		{"missing type", `{"keysplittingPayload":{}}`, true},
		{"not json", `{{`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrVerification) {
				t.Errorf("ParseMessage() error = %v, want ErrVerification", err)
			}
		})
	}
}

func TestMessage_DecodeTypeMismatch(t *testing.T) {
	signer := testSigner(t)

	msg, err := NewMessage(TypeDataAck, &DataAckPayload{Type: TypeSynAck}, signer)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}

	var p DataAckPayload
	if err := msg.Decode(&p); !errors.Is(err, ErrVerification) {
		t.Errorf("Decode() error = %v, want ErrVerification", err)
	}
}

func TestDataAckPayload_Bytes(t *testing.T) {
	p := &DataAckPayload{Payload: base64.StdEncoding.EncodeToString([]byte("ok"))}
	b, err := p.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	if string(b) != "ok" {
		t.Errorf("Bytes() = %q, want %q", b, "ok")
	}

	empty := &DataAckPayload{}
	if b, err := empty.Bytes(); err != nil || b != nil {
		t.Errorf("Bytes() on empty = %q, %v", b, err)
	}
}

func TestBZECert(t *testing.T) {
	signer := testSigner(t)

	cert, err := NewBZECert("initial", "current", signer)
	if err != nil {
		t.Fatalf("NewBZECert() error = %v", err)
	}

	if err := cert.Verify(crypto.Ed25519Verifier{}); err != nil {
		t.Errorf("Verify() error = %v", err)
	}

	pub, err := cert.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey() error = %v", err)
	}
	if string(pub) != string(signer.PublicKey()) {
		t.Error("PublicKey() does not match the signer")
	}

	h1, err := cert.Hash()
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	h2, _ := cert.Hash()
	if h1 != h2 {
		t.Error("Hash() is not stable")
	}

	forged := *cert
	forged.Rand = base64.StdEncoding.EncodeToString([]byte("another rand value"))
	if err := forged.Verify(crypto.Ed25519Verifier{}); !errors.Is(err, ErrVerification) {
		t.Errorf("Verify() on forged cert error = %v, want ErrVerification", err)
	}
	if h, _ := forged.Hash(); h == h1 {
		t.Error("Hash() unchanged after modifying the cert")
	}
}

func TestErrorPayload_Error(t *testing.T) {
	p := &ErrorPayload{ErrorType: "Unauthorized", Message: "nope"}
	if p.Error() != "Unauthorized: nope" {
		t.Errorf("Error() = %q", p.Error())
	}
	p.ErrorType = ""
	if p.Error() != "nope" {
		t.Errorf("Error() = %q", p.Error())
	}
}
