package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/Masterminds/semver/v3"
)

// ErrTargetIncompatible is returned when the target's agent is too old to
// speak the protocol.
var ErrTargetIncompatible = errors.New("target agent version is incompatible")

// TargetStatus values reported by the control plane.
const (
	TargetOnline  = "Online"
	TargetOffline = "Offline"
)

// Target describes a managed remote host.
type Target struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	AgentVersion string `json:"agentVersion"`
	Type         string `json:"type"`
}

// ConnectionState is the server-side state of a connection.
type ConnectionState string

const (
	ConnectionOpen   ConnectionState = "Open"
	ConnectionClosed ConnectionState = "Closed"
	ConnectionError  ConnectionState = "Error"
)

// Connection is a shell connection created by the control plane.
type Connection struct {
	ID         string          `json:"connectionId"`
	TargetID   string          `json:"targetId"`
	TargetType string          `json:"targetType"`
	TargetUser string          `json:"targetUser"`
	State      ConnectionState `json:"state"`
}

// ShellAuthDetails tells the client which connection node to dial and
// with which token.
type ShellAuthDetails struct {
	ConnectionNodeID string `json:"connectionNodeId"`
	AuthToken        string `json:"authToken"`
}

// GetTarget fetches a target by id.
func (c *Client) GetTarget(ctx context.Context, id string) (*Target, error) {
	var t Target
	if err := c.do(ctx, "GET", "/targets/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, fmt.Errorf("get target %s: %w", id, err)
	}
	return &t, nil
}

// ListTargets returns every target visible to the caller.
func (c *Client) ListTargets(ctx context.Context) ([]Target, error) {
	var ts []Target
	if err := c.do(ctx, "GET", "/targets", nil, &ts); err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return ts, nil
}

// CreateConnection opens a shell connection to targetID as user.
func (c *Client) CreateConnection(ctx context.Context, targetID, user string) (*Connection, error) {
	req := map[string]string{"targetId": targetID, "targetUser": user}

	var conn Connection
	if err := c.do(ctx, "POST", "/connections", req, &conn); err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}
	if conn.TargetID == "" {
		conn.TargetID = targetID
	}
	if conn.TargetUser == "" {
		conn.TargetUser = user
	}
	return &conn, nil
}

// GetShellAuthDetails fetches the connection node and token for a shell
// connection.
func (c *Client) GetShellAuthDetails(ctx context.Context, connectionID string) (*ShellAuthDetails, error) {
	var d ShellAuthDetails
	path := "/connections/" + url.PathEscape(connectionID) + "/shell-auth-details"
	if err := c.do(ctx, "GET", path, nil, &d); err != nil {
		return nil, fmt.Errorf("get shell auth details: %w", err)
	}
	return &d, nil
}

// CheckAgentVersion returns ErrTargetIncompatible unless version is a
// semantic version at or above minimum.
func CheckAgentVersion(version, minimum string) error {
	if version == "" {
		return fmt.Errorf("%w: agent version unknown", ErrTargetIncompatible)
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: cannot parse agent version %q", ErrTargetIncompatible, version)
	}
	if minimum == "" {
		return nil
	}

	minVersion, err := semver.NewVersion(minimum)
	if err != nil {
		return fmt.Errorf("invalid minimum agent version %q: %w", minimum, err)
	}
	if v.LessThan(minVersion) {
		return fmt.Errorf("%w: agent %s is older than %s, update the agent", ErrTargetIncompatible, v, minVersion)
	}
	return nil
}
