package hub

import (
	"encoding/json"
	"fmt"
)

// Frame types on the wire.
const (
	FrameInvocation = 1
	FramePing       = 6
	FrameClose      = 7
)

// Frame is a single hub message. Every websocket text message carries
// exactly one frame.
type Frame struct {
	Type         int               `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// EncodeInvocation builds an invocation frame for target with args.
func EncodeInvocation(id, target string, args ...any) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal argument %d of %s: %w", i, target, err)
		}
		raw = append(raw, b)
	}

	return json.Marshal(&Frame{
		Type:         FrameInvocation,
		InvocationID: id,
		Target:       target,
		Arguments:    raw,
	})
}

// DecodeFrame parses a frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid hub frame: %w", err)
	}
	if f.Type == FrameInvocation && f.Target == "" {
		return nil, fmt.Errorf("invalid hub frame: invocation without target")
	}
	return &f, nil
}
