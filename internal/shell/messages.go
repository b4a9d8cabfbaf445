// Package shell implements the client side of an interactive remote shell:
// a session state machine driven by hub events, and a terminal front-end
// that puts the local tty in raw mode and pumps keystrokes and resizes.
package shell

import (
	"encoding/json"
	"fmt"
)

// Hub methods invoked by the client. Every one of them carries a signed
// keysplitting Data message.
const (
	MethodShellConnect    = "ShellConnect"
	MethodShellInput      = "ShellInput"
	MethodShellGeometry   = "ShellGeometry"
	MethodShellReplayDone = "ShellReplayDone"
)

// Data actions for the methods above.
const (
	ActionConnect    = "shell/connect"
	ActionInput      = "shell/input"
	ActionResize     = "shell/resize"
	ActionReplayDone = "shell/replaydone"
)

// Hub events consumed by the controller.
const (
	EventReady           = "Ready"
	EventShellOutput     = "ShellOutput"
	EventShellReplay     = "ShellReplay"
	EventShellStart      = "ShellStart"
	EventShellUnattached = "ShellUnattached"
	EventShellDisconnect = "ShellDisconnect"
	EventShellDelete     = "ShellDelete"
)

// Geometry is a terminal size.
type Geometry struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d", g.Cols, g.Rows)
}

// DefaultGeometry is used when the local terminal size is unknown.
var DefaultGeometry = Geometry{Rows: 24, Cols: 80}

// ConnectRequest is the ShellConnect payload.
type ConnectRequest struct {
	Rows   uint16 `json:"rows"`
	Cols   uint16 `json:"cols"`
	Replay bool   `json:"replay"`
}

// InputRequest is the ShellInput payload. Data marshals as base64.
type InputRequest struct {
	Data []byte `json:"data"`
}

// DataEvent is the argument of ShellOutput and ShellReplay.
type DataEvent struct {
	Data []byte `json:"data"`
}

// decodeData extracts the bytes from a ShellOutput/ShellReplay argument
// list.
func decodeData(args []json.RawMessage) ([]byte, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("missing data argument")
	}
	var ev DataEvent
	if err := json.Unmarshal(args[0], &ev); err != nil {
		return nil, fmt.Errorf("invalid data event: %w", err)
	}
	return ev.Data, nil
}
