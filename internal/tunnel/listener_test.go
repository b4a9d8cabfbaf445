package tunnel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/postalsys/bzconnect/internal/agenttest"
)

// echoAgent answers every ssh/input with the upper-cased bytes.
func echoAgent(a *agenttest.Agent) {
	seq := 0
	a.AfterAck = func(d agenttest.Data) {
		if d.Action != ActionInput {
			return
		}
		a.Hub.Emit(EventReceiveData, ReceiveData{
			SequenceNumber: seq,
			Data:           base64.StdEncoding.EncodeToString(bytes.ToUpper(d.Payload)),
		})
		seq++
	}
}

func TestListener(t *testing.T) {
	agent := agenttest.NewAgent(t)
	echoAgent(agent)
	managed := t.TempDir() + "/bzero-ssh-key"
	newChain := chainFactory(t, agent)

	opened := make(chan *Tunnel, 1)
	open := func(ctx context.Context, out io.Writer) (*Tunnel, error) {
		tun, err := New(Config{
			Hub:                 agent.Hub,
			NewChain:            newChain,
			Targets:             testTargets(),
			Output:              out,
			ManagedIdentityFile: managed,
		})
		if err != nil {
			return nil, err
		}
		if !tun.SetupTunnel(ctx, Params{Host: "alice@web", IdentityFile: managed}) {
			tun.CloseTunnel()
			return nil, <-tun.Errors()
		}
		opened <- tun
		return tun, nil
	}

	l := NewListener(ListenerConfig{Address: "127.0.0.1:0"}, open)
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer l.Stop()

	if err := l.Start(); err == nil {
		t.Error("second Start() error = nil, want error")
	}

	conn, err := net.Dial("tcp", l.Address().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(waitTimeout))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if string(buf) != "PING" {
		t.Errorf("read %q, want PING", buf)
	}

	var tun *Tunnel
	select {
	case tun = <-opened:
	case <-time.After(waitTimeout):
		t.Fatal("no tunnel opened")
	}
	if l.ConnectionCount() != 1 {
		t.Errorf("ConnectionCount() = %d, want 1", l.ConnectionCount())
	}

	conn.Close()
	waitDone(t, tun)
	waitFor(t, "connection release", func() bool { return l.ConnectionCount() == 0 })

	if got := dataWithAction(agent, ActionClose); len(got) != 1 {
		t.Errorf("ssh/close sent %d times, want 1", len(got))
	}
	if !agent.Hub.Closed() {
		t.Error("hub not closed after the connection ended")
	}
}

func TestListener_SetupFailureClosesConnection(t *testing.T) {
	agent := agenttest.NewAgent(t)
	managed := t.TempDir() + "/bzero-ssh-key"

	open := func(ctx context.Context, out io.Writer) (*Tunnel, error) {
		tun, err := New(Config{
			Hub:                 agent.Hub,
			NewChain:            chainFactory(t, agent),
			Targets:             testTargets(),
			Output:              out,
			ManagedIdentityFile: managed,
		})
		if err != nil {
			return nil, err
		}
		if !tun.SetupTunnel(ctx, Params{Host: "alice@dup", IdentityFile: managed}) {
			tun.CloseTunnel()
			return nil, <-tun.Errors()
		}
		return tun, nil
	}

	l := NewListener(ListenerConfig{Address: "127.0.0.1:0"}, open)
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer l.Stop()

	conn, err := net.Dial("tcp", l.Address().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(waitTimeout))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("Read() error = %v, want io.EOF", err)
	}
	waitFor(t, "connection release", func() bool { return l.ConnectionCount() == 0 })
}

func TestListener_StopClosesActiveConnections(t *testing.T) {
	agent := agenttest.NewAgent(t)
	managed := t.TempDir() + "/bzero-ssh-key"

	open := func(ctx context.Context, out io.Writer) (*Tunnel, error) {
		tun, err := New(Config{
			Hub:                 agent.Hub,
			NewChain:            chainFactory(t, agent),
			Targets:             testTargets(),
			Output:              out,
			ManagedIdentityFile: managed,
		})
		if err != nil {
			return nil, err
		}
		tun.SetupTunnel(ctx, Params{Host: "alice@web", IdentityFile: managed})
		return tun, nil
	}

	l := NewListener(ListenerConfig{Address: "127.0.0.1:0", MaxConnections: 1}, open)
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	conn, err := net.Dial("tcp", l.Address().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	waitFor(t, "ssh/open", func() bool { return len(dataWithAction(agent, ActionOpen)) == 1 })

	if err := l.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if l.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount() = %d after Stop, want 0", l.ConnectionCount())
	}
	if !agent.Hub.Closed() {
		t.Error("hub not closed after Stop")
	}
}

func TestListener_OwnsManagedKey(t *testing.T) {
	agent := agenttest.NewAgent(t)
	echoAgent(agent)
	managed := t.TempDir() + "/bzero-ssh-key"
	newChain := chainFactory(t, agent)

	opened := make(chan *Tunnel, 2)
	open := func(ctx context.Context, out io.Writer) (*Tunnel, error) {
		tun, err := New(Config{
			Hub:      agent.Hub,
			NewChain: newChain,
			Targets:  testTargets(),
			Output:   out,
		})
		if err != nil {
			return nil, err
		}
		if !tun.SetupTunnel(ctx, Params{Host: "alice@web", IdentityFile: managed}) {
			tun.CloseTunnel()
			return nil, <-tun.Errors()
		}
		opened <- tun
		return tun, nil
	}

	l := NewListener(ListenerConfig{Address: "127.0.0.1:0", ManagedIdentityFile: managed}, open)
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	stopped := false
	defer func() {
		if !stopped {
			l.Stop()
		}
	}()

	want, err := ExtractPublicKey(managed)
	if err != nil {
		t.Fatalf("ExtractPublicKey() error = %v", err)
	}
	if _, err := claimManagedKey(managed); !errors.Is(err, ErrKeyInUse) {
		t.Fatalf("claimManagedKey() while listening error = %v, want ErrKeyInUse", err)
	}

	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", l.Address().String())
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		defer conn.Close()

		select {
		case <-opened:
		case <-time.After(waitTimeout):
			t.Fatalf("tunnel %d not opened", i)
		}
	}

	opens := dataWithAction(agent, ActionOpen)
	if len(opens) != 2 {
		t.Fatalf("ssh/open sent %d times, want 2", len(opens))
	}
	for i, d := range opens {
		var req OpenRequest
		if err := json.Unmarshal(d.Payload, &req); err != nil {
			t.Fatalf("Unmarshal(ssh/open) error = %v", err)
		}
		if req.TargetPublicKey != want {
			t.Errorf("tunnel %d presented %q, want the listener key %q", i, req.TargetPublicKey, want)
		}
	}
	if got, err := ExtractPublicKey(managed); err != nil || got != want {
		t.Errorf("listener key changed while tunnels were open: %q, %v", got, err)
	}

	stopped = true
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, err := os.Stat(managed); !os.IsNotExist(err) {
		t.Errorf("listener key still present after Stop (stat error = %v)", err)
	}
	release, err := claimManagedKey(managed)
	if err != nil {
		t.Fatalf("claimManagedKey() after Stop error = %v", err)
	}
	release()
}
