package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(Options{
		BaseURL:      srv.URL,
		SessionToken: "session-token",
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestNewClient_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "not a url", "/relative"} {
		if _, err := NewClient(Options{BaseURL: u}); err == nil {
			t.Errorf("NewClient(%q) should fail", u)
		}
	}
}

func TestClient_GetTarget(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/targets/t-1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer session-token" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(Target{ID: "t-1", Name: "web", Status: TargetOnline, AgentVersion: "7.0.1"})
	}))

	target, err := c.GetTarget(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("GetTarget() error = %v", err)
	}
	if target.Name != "web" || target.AgentVersion != "7.0.1" {
		t.Errorf("GetTarget() = %+v", target)
	}
}

func TestClient_NotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, err := c.GetTarget(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTarget() error = %v, want ErrNotFound", err)
	}
}

func TestClient_Unauthorized(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.ListTargets(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("ListTargets() error = %v, want ErrUnauthorized", err)
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode([]Target{{ID: "a"}, {ID: "b"}})
	}))

	targets, err := c.ListTargets(context.Background())
	if err != nil {
		t.Fatalf("ListTargets() error = %v", err)
	}
	if len(targets) != 2 {
		t.Errorf("len(targets) = %d, want 2", len(targets))
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestClient_GivesUpAfterRetries(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))

	_, err := c.ListTargets(context.Background())
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("ListTargets() error = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d", se.StatusCode)
	}
}

func TestClient_CreateConnection(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v2/connections" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["targetId"] != "t-1" || body["targetUser"] != "ec2-user" {
			t.Errorf("body = %v", body)
		}
		json.NewEncoder(w).Encode(map[string]string{"connectionId": "conn-9", "state": "Open"})
	}))

	conn, err := c.CreateConnection(context.Background(), "t-1", "ec2-user")
	if err != nil {
		t.Fatalf("CreateConnection() error = %v", err)
	}
	if conn.ID != "conn-9" || conn.State != ConnectionOpen {
		t.Errorf("CreateConnection() = %+v", conn)
	}
	if conn.TargetID != "t-1" || conn.TargetUser != "ec2-user" {
		t.Errorf("CreateConnection() did not fill request fields: %+v", conn)
	}
}

func TestClient_GetShellAuthDetails(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/connections/conn-9/shell-auth-details" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(ShellAuthDetails{ConnectionNodeID: "node-3", AuthToken: "tok"})
	}))

	d, err := c.GetShellAuthDetails(context.Background(), "conn-9")
	if err != nil {
		t.Fatalf("GetShellAuthDetails() error = %v", err)
	}
	if d.ConnectionNodeID != "node-3" || d.AuthToken != "tok" {
		t.Errorf("GetShellAuthDetails() = %+v", d)
	}
}

func TestCheckAgentVersion(t *testing.T) {
	tests := []struct {
		version string
		minimum string
		wantErr bool
	}{
		{"6.1.0", "6.1.0", false},
		{"7.2.3", "6.1.0", false},
		{"v6.5.0", "6.1.0", false},
		{"6.0.9", "6.1.0", true},
		{"6.1.0-beta.1", "6.1.0", true},
		{"", "6.1.0", true},
		{"not-a-version", "6.1.0", true},
		{"1.0.0", "", false},
	}

	for _, tt := range tests {
		err := CheckAgentVersion(tt.version, tt.minimum)
		if (err != nil) != tt.wantErr {
			t.Errorf("CheckAgentVersion(%q, %q) error = %v, wantErr %v", tt.version, tt.minimum, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ErrTargetIncompatible) {
			t.Errorf("CheckAgentVersion(%q, %q) error = %v, want ErrTargetIncompatible", tt.version, tt.minimum, err)
		}
	}
}

func TestClient_AuthHeader(t *testing.T) {
	c, err := NewClient(Options{BaseURL: "https://example.com"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if got := c.AuthHeader().Get("Authorization"); got != "" {
		t.Errorf("Authorization without token = %q", got)
	}
}
