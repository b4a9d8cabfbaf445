// Package keysplitting implements the hash-linked, signed message chain that
// binds every command sent to a target to the caller's verified identity.
//
// A session opens with Syn/SynAck and then alternates Data/DataAck. Every
// message after the Syn carries an HPointer: the hash of the message it
// answers or continues. The client is the only party that needs to remember
// the last hash, so a replayed or reordered message is detected locally.
package keysplitting

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/postalsys/bzconnect/internal/crypto"
)

// MessageType names a keysplitting payload kind.
type MessageType string

const (
	TypeSyn     MessageType = "Syn"
	TypeSynAck  MessageType = "SynAck"
	TypeData    MessageType = "Data"
	TypeDataAck MessageType = "DataAck"
	TypeError   MessageType = "Error"
)

// Payload fields are repeated in every kind instead of embedded so that each
// payload marshals to one flat object; the hash covers those exact bytes.

// SynPayload opens a chain with a target.
type SynPayload struct {
	Timestamp     int64       `json:"timestamp"`
	SchemaVersion string      `json:"schemaVersion"`
	Type          MessageType `json:"type"`
	Action        string      `json:"action"`

	TargetID string  `json:"targetId"`
	Nonce    string  `json:"nonce"`
	BZCert   BZECert `json:"BZCert"`
}

// SynAckPayload is the target's answer to a Syn.
type SynAckPayload struct {
	Timestamp     int64       `json:"timestamp"`
	SchemaVersion string      `json:"schemaVersion"`
	Type          MessageType `json:"type"`
	Action        string      `json:"action"`

	HPointer        string `json:"hPointer"`
	Nonce           string `json:"nonce"`
	TargetPublicKey string `json:"targetPublicKey"`
}

// DataPayload carries one application payload to the target.
type DataPayload struct {
	Timestamp     int64       `json:"timestamp"`
	SchemaVersion string      `json:"schemaVersion"`
	Type          MessageType `json:"type"`
	Action        string      `json:"action"`

	TargetID string  `json:"targetId"`
	HPointer string  `json:"hPointer"`
	Payload  string  `json:"payload"`
	BZCert   BZECert `json:"BZCert"`
}

// DataAckPayload acknowledges a Data message.
type DataAckPayload struct {
	Timestamp     int64       `json:"timestamp"`
	SchemaVersion string      `json:"schemaVersion"`
	Type          MessageType `json:"type"`
	Action        string      `json:"action"`

	HPointer        string `json:"hPointer"`
	Payload         string `json:"payload"`
	TargetPublicKey string `json:"targetPublicKey"`
}

// Bytes decodes the acknowledged application payload.
func (p *DataAckPayload) Bytes() ([]byte, error) {
	if p.Payload == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(p.Payload)
}

// ErrorPayload is an explicit rejection by the target.
type ErrorPayload struct {
	Timestamp     int64       `json:"timestamp"`
	SchemaVersion string      `json:"schemaVersion"`
	Type          MessageType `json:"type"`
	Action        string      `json:"action"`

	HPointer  string `json:"hPointer"`
	ErrorType string `json:"errorType"`
	Message   string `json:"message"`
}

func (p *ErrorPayload) Error() string {
	if p.ErrorType == "" {
		return p.Message
	}
	return p.ErrorType + ": " + p.Message
}

// Message is the signed envelope carried over the hub. Payload holds the
// payload JSON exactly as it was signed.
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"keysplittingPayload"`
	Signature string          `json:"signature"`
}

// Hash returns the HPointer value a reply to m must carry.
func (m *Message) Hash() string {
	return crypto.HashString(m.Payload)
}

// NewMessage marshals payload, then signs the hash of those bytes.
func NewMessage(typ MessageType, payload any, signer crypto.Signer) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}

	sig, err := signer.Sign(crypto.Hash(raw))
	if err != nil {
		return nil, fmt.Errorf("sign %s payload: %w", typ, err)
	}

	return &Message{
		Type:      typ,
		Payload:   raw,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// ParseMessage decodes an envelope received from the hub.
func ParseMessage(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: malformed message: %v", ErrVerification, err)
	}
	if m.Type == "" || len(m.Payload) == 0 {
		return nil, fmt.Errorf("%w: message missing type or payload", ErrVerification)
	}
	return &m, nil
}

// VerifySignature checks m's signature against publicKey.
func (m *Message) VerifySignature(v crypto.Verifier, publicKey []byte) error {
	sig, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", ErrVerification)
	}
	if !v.Verify(publicKey, crypto.Hash(m.Payload), sig) {
		return fmt.Errorf("%w: bad %s signature", ErrVerification, m.Type)
	}
	return nil
}

// Decode unmarshals the payload into dst, checking that the inner type
// matches the envelope.
func (m *Message) Decode(dst any) error {
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return fmt.Errorf("%w: malformed %s payload: %v", ErrVerification, m.Type, err)
	}

	var inner struct {
		Type MessageType `json:"type"`
	}
	_ = json.Unmarshal(m.Payload, &inner)
	if inner.Type != m.Type {
		return fmt.Errorf("%w: envelope type %s carries %s payload", ErrVerification, m.Type, inner.Type)
	}
	return nil
}

func now() int64 {
	return time.Now().Unix()
}
