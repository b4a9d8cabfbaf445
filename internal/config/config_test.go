package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Client.LogLevel != "info" {
		t.Errorf("Client.LogLevel = %s, want info", cfg.Client.LogLevel)
	}
	if cfg.Shell.InputWindow != 30*time.Millisecond {
		t.Errorf("Shell.InputWindow = %v, want 30ms", cfg.Shell.InputWindow)
	}
	if cfg.Keysplitting.HandshakeTimeout != 15*time.Second {
		t.Errorf("Keysplitting.HandshakeTimeout = %v, want 15s", cfg.Keysplitting.HandshakeTimeout)
	}
	if cfg.Reconnect.MaxRetries != 8 {
		t.Errorf("Reconnect.MaxRetries = %d, want 8", cfg.Reconnect.MaxRetries)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
client:
  service_url: "https://example.test"
  data_dir: "/tmp/bz"
  log_level: "debug"
  log_format: "json"

keysplitting:
  handshake_timeout: 5s
  ack_timeout: 10s

shell:
  input_window: 50ms

tunnel:
  queue_size: 64
  receive_window: 16
  managed_identity_file: "/tmp/bz/key"

reconnect:
  initial_delay: 500ms
  max_delay: 5s
  multiplier: 1.5
  jitter: 0.1
  max_retries: 3
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Client.ServiceURL != "https://example.test" {
		t.Errorf("Client.ServiceURL = %s", cfg.Client.ServiceURL)
	}
	if cfg.Client.LogFormat != "json" {
		t.Errorf("Client.LogFormat = %s, want json", cfg.Client.LogFormat)
	}
	if cfg.Keysplitting.AckTimeout != 10*time.Second {
		t.Errorf("Keysplitting.AckTimeout = %v, want 10s", cfg.Keysplitting.AckTimeout)
	}
	if cfg.Shell.InputWindow != 50*time.Millisecond {
		t.Errorf("Shell.InputWindow = %v, want 50ms", cfg.Shell.InputWindow)
	}
	if cfg.Tunnel.QueueSize != 64 {
		t.Errorf("Tunnel.QueueSize = %d, want 64", cfg.Tunnel.QueueSize)
	}
	if cfg.Tunnel.ReceiveWindow != 16 {
		t.Errorf("Tunnel.ReceiveWindow = %d, want 16", cfg.Tunnel.ReceiveWindow)
	}
	if cfg.ManagedIdentityFile() != "/tmp/bz/key" {
		t.Errorf("ManagedIdentityFile() = %s", cfg.ManagedIdentityFile())
	}
	if cfg.Reconnect.MaxRetries != 3 {
		t.Errorf("Reconnect.MaxRetries = %d, want 3", cfg.Reconnect.MaxRetries)
	}
	// Defaults survive for sections not in the file.
	if cfg.Hub.PingInterval != 15*time.Second {
		t.Errorf("Hub.PingInterval = %v, want default 15s", cfg.Hub.PingInterval)
	}
}

func TestParse_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "bad log level",
			yaml:    "client:\n  log_level: loud\n",
			wantErr: "invalid log_level",
		},
		{
			name:    "bad service url",
			yaml:    "client:\n  service_url: not-a-url\n",
			wantErr: "invalid client.service_url",
		},
		{
			name:    "zero ack timeout",
			yaml:    "keysplitting:\n  ack_timeout: 0s\n",
			wantErr: "ack_timeout must be positive",
		},
		{
			name:    "zero receive window",
			yaml:    "tunnel:\n  receive_window: 0\n",
			wantErr: "receive_window must be positive",
		},
		{
			name:    "max delay below initial",
			yaml:    "reconnect:\n  initial_delay: 10s\n  max_delay: 1s\n",
			wantErr: "max_delay must be >= initial_delay",
		},
		{
			name:    "jitter out of range",
			yaml:    "reconnect:\n  jitter: 2\n",
			wantErr: "jitter must be between 0 and 1",
		},
		{
			name:    "malformed yaml",
			yaml:    "client: [\n",
			wantErr: "failed to parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("BZ_TEST_TOKEN", "tok-123")

	cfg, err := Parse([]byte(`
auth:
  session_token: "${BZ_TEST_TOKEN}"
  current_id_token: "${BZ_TEST_MISSING:-fallback}"
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Auth.SessionToken != "tok-123" {
		t.Errorf("SessionToken = %q, want tok-123", cfg.Auth.SessionToken)
	}
	if cfg.Auth.CurrentIDToken != "fallback" {
		t.Errorf("CurrentIDToken = %q, want fallback", cfg.Auth.CurrentIDToken)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("client:\n  data_dir: "+dir+"\n"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Client.DataDir != dir {
		t.Errorf("DataDir = %s, want %s", cfg.Client.DataDir, dir)
	}
	if cfg.ManagedIdentityFile() != filepath.Join(dir, "bzero-ssh-key") {
		t.Errorf("ManagedIdentityFile() = %s", cfg.ManagedIdentityFile())
	}
	if cfg.LogFilePath() != filepath.Join(dir, "bzconnect.log") {
		t.Errorf("LogFilePath() = %s", cfg.LogFilePath())
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load() of missing file should fail")
	}
}

func TestLoadOrDefault_Missing(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Client.LogLevel != "info" {
		t.Errorf("expected defaults, got log level %s", cfg.Client.LogLevel)
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Auth = AuthConfig{
		InitialIDToken: "initial-secret",
		CurrentIDToken: "current-secret",
		SessionToken:   "session-secret",
	}

	out := cfg.String()
	for _, secret := range []string{"initial-secret", "current-secret", "session-secret"} {
		if strings.Contains(out, secret) {
			t.Errorf("String() leaked %q", secret)
		}
	}
	if !strings.Contains(out, redactedValue) {
		t.Errorf("String() missing redaction marker: %s", out)
	}

	if cfg.Auth.SessionToken != "session-secret" {
		t.Error("Redacted() modified the original config")
	}
	if !cfg.HasCredentials() {
		t.Error("HasCredentials() = false with all tokens set")
	}
}
