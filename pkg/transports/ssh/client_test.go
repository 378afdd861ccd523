package ssh

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/virtsync/pkg/transports/ssh/sshtest"
)

func defaultHandler(command string, stdin []byte) (string, string, uint32) {
	switch command {
	case "true":
		return "", "", 0
	case "echo test":
		return "test\n", "", 0
	case "echo error >&2":
		return "", "error\n", 0
	case "cat":
		return string(stdin), "", 0
	case "exit 1":
		return "", "failed\n", 1
	case "sleep":
		time.Sleep(2 * time.Second)
		return "", "", 0
	default:
		return "command: " + command + "\n", "", 0
	}
}

func newTestSSHServer(t *testing.T) *sshtest.Server {
	return sshtest.NewServer(t, defaultHandler)
}

// testConfig returns a password config for server.
func testConfig(server *sshtest.Server) *Config {
	host, port := server.HostPort()

	config := DefaultConfig(host, sshtest.User)
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = sshtest.Password
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	return config
}

func connectTestClient(t *testing.T, config *Config) *Client {
	t.Helper()

	client, err := Dial(context.Background(), config, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, testConfig(server))

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}

	// Connecting again reuses the live connection.
	if err := client.Connect(context.Background()); err != nil {
		t.Errorf("reconnect failed: %v", err)
	}
}

func TestClientAuthFailure(t *testing.T) {
	server := newTestSSHServer(t)
	config := testConfig(server)
	config.Password = "wrong"

	_, err := Dial(context.Background(), config, zerolog.Nop())
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !te.IsAuthError || te.Temporary() {
		t.Errorf("auth error = %+v", te)
	}
}

func TestClientConnectCancelled(t *testing.T) {
	server := newTestSSHServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Dial(ctx, testConfig(server), zerolog.Nop())
	var te *TransportError
	if !errors.As(err, &te) || !te.Temporary() {
		t.Fatalf("expected temporary TransportError, got %v", err)
	}
}

func TestClientHealthCheck(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, testConfig(server))

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestClientClose(t *testing.T) {
	server := newTestSSHServer(t)
	config := testConfig(server)
	config.KeepAliveInterval = 10 * time.Millisecond

	client := connectTestClient(t, config)

	if err := client.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
	if err := client.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("health check should fail after close")
	}
	if _, _, err := client.Run(context.Background(), "true", nil); err == nil {
		t.Error("run should fail after close")
	}
}

func TestClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	config := testConfig(server)
	config.CommandTimeout = 200 * time.Millisecond
	client := connectTestClient(t, config)
	ctx := context.Background()

	t.Run("successful command", func(t *testing.T) {
		stdout, stderr, err := client.Run(ctx, "echo test", nil)
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if stdout != "test" {
			t.Errorf("expected stdout 'test', got '%s'", stdout)
		}
		if stderr != "" {
			t.Errorf("expected empty stderr, got '%s'", stderr)
		}
	})

	t.Run("command with stderr", func(t *testing.T) {
		stdout, stderr, err := client.Run(ctx, "echo error >&2", nil)
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if stdout != "" || stderr != "error" {
			t.Errorf("stdout = %q, stderr = %q", stdout, stderr)
		}
	})

	t.Run("stdin", func(t *testing.T) {
		stdout, _, err := client.Run(ctx, "cat", strings.NewReader("<domain/>"))
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if stdout != "<domain/>" {
			t.Errorf("stdout = %q", stdout)
		}
	})

	t.Run("non-zero exit", func(t *testing.T) {
		_, stderr, err := client.Run(ctx, "exit 1", nil)
		var te *TransportError
		if !errors.As(err, &te) {
			t.Fatalf("expected TransportError, got %v", err)
		}
		if te.ExitStatus != 1 || te.Stderr != "failed" || stderr != "failed" {
			t.Errorf("error = %+v", te)
		}
		if te.Temporary() {
			t.Error("a failed command is not temporary")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		_, _, err := client.Run(ctx, "sleep", nil)
		var te *TransportError
		if !errors.As(err, &te) || !te.Temporary() {
			t.Fatalf("expected temporary TransportError, got %v", err)
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})
}

func TestClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)

	keyPath := filepath.Join(t.TempDir(), "test_key")
	if err := os.WriteFile(keyPath, testPrivateKeyPEM(t), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	config := testConfig(server)
	config.AuthMethod = AuthMethodKey
	config.PrivateKeyPath = keyPath

	client := connectTestClient(t, config)
	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
}

func TestClientViaProxy(t *testing.T) {
	target := newTestSSHServer(t)
	proxy := newTestSSHServer(t)

	config := testConfig(target)
	config.ProxyHost, config.ProxyPort = proxy.HostPort()
	config.ProxyUser = sshtest.User

	client := connectTestClient(t, config)

	stdout, _, err := client.Run(context.Background(), "echo test", nil)
	if err != nil {
		t.Fatalf("command failed: %v", err)
	}
	if stdout != "test" {
		t.Errorf("stdout = %q", stdout)
	}
	if got := target.Commands(); len(got) != 1 || got[0] != "echo test" {
		t.Errorf("target executed %v", got)
	}
	if got := proxy.Commands(); len(got) != 0 {
		t.Errorf("proxy executed %v", got)
	}
}

func TestClientFiles(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, testConfig(server))
	ctx := context.Background()

	remote := filepath.Join(t.TempDir(), "staging", "web01.xml")
	data := []byte("<domain type='kvm'><name>web01</name></domain>")

	if err := client.WriteFile(ctx, remote, data, 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	info, err := os.Stat(remote)
	if err != nil {
		t.Fatalf("remote file missing: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	got, err := client.ReadFile(ctx, remote)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("ReadFile() = %q", got)
	}

	if err := client.Remove(ctx, remote); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(remote); !os.IsNotExist(err) {
		t.Errorf("remote file still present: %v", err)
	}
	if err := client.Remove(ctx, remote); err != nil {
		t.Errorf("removing a missing file: %v", err)
	}
}
