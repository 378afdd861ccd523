package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Client is a single SSH connection to one host.
type Client struct {
	config *Config
	logger zerolog.Logger

	connMu      sync.RWMutex
	client      *ssh.Client
	proxy       *ssh.Client
	connectedAt time.Time
	done        chan struct{}
}

// NewClient validates config and returns an unconnected client.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Host).Logger(),
	}, nil
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, config *Config, logger zerolog.Logger) (*Client, error) {
	c, err := NewClient(config, logger)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect establishes the connection. A live connection is reused.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client != nil {
		if err := c.healthCheckLocked(); err == nil {
			return nil
		}
		c.logger.Warn().Msg("Existing connection is dead, reconnecting")
		c.closeLocked()
	}

	targetConfig, err := c.config.BuildClientConfig(c.config.User)
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			return te
		}
		return &TransportError{Op: "connect", Err: err, IsAuthError: true, ExitStatus: -1}
	}

	if c.config.ProxyHost != "" {
		err = c.connectViaProxy(ctx, targetConfig)
	} else {
		err = c.connectDirect(ctx, targetConfig)
	}
	if err != nil {
		return err
	}

	c.connectedAt = time.Now()
	c.done = make(chan struct{})
	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive(c.client, c.done)
	}
	return nil
}

// dial opens a TCP connection and completes the SSH handshake, honoring ctx.
func dial(ctx context.Context, op, address string, cfg *ssh.ClientConfig, through *ssh.Client) (*ssh.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, transportError(op, err, true)
	}

	type result struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan result, 1)

	go func() {
		if through == nil {
			client, err := ssh.Dial("tcp", address, cfg)
			ch <- result{client, err}
			return
		}
		conn, err := through.Dial("tcp", address)
		if err != nil {
			ch <- result{nil, err}
			return
		}
		ncc, chans, reqs, err := ssh.NewClientConn(conn, address, cfg)
		if err != nil {
			_ = conn.Close()
			ch <- result{nil, err}
			return
		}
		ch <- result{ssh.NewClient(ncc, chans, reqs), nil}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, transportError(op, ctx.Err(), true)
	case r := <-ch:
		if r.err != nil {
			te := transportError(op, r.err, true)
			te.IsAuthError = strings.Contains(r.err.Error(), "unable to authenticate")
			if te.IsAuthError {
				te.IsTemporary = false
			}
			return nil, te
		}
		return r.client, nil
	}
}

func (c *Client) connectDirect(ctx context.Context, cfg *ssh.ClientConfig) error {
	address := c.config.Address()
	c.logger.Debug().Str("address", address).Msg("Establishing SSH connection")

	client, err := dial(ctx, "connect", address, cfg, nil)
	if err != nil {
		return err
	}
	c.client = client
	c.logger.Info().Str("address", address).Msg("SSH connection established")
	return nil
}

func (c *Client) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyConfig, err := c.config.BuildClientConfig(c.config.ProxyUser)
	if err != nil {
		return err
	}

	c.logger.Debug().Str("proxy", c.config.ProxyAddress()).Msg("Connecting to proxy host")
	proxy, err := dial(ctx, "connect-proxy", c.config.ProxyAddress(), proxyConfig, nil)
	if err != nil {
		return err
	}

	client, err := dial(ctx, "connect-via-proxy", c.config.Address(), targetConfig, proxy)
	if err != nil {
		_ = proxy.Close()
		return err
	}

	c.proxy = proxy
	c.client = client
	c.logger.Info().
		Str("target", c.config.Address()).
		Str("proxy", c.config.ProxyAddress()).
		Msg("SSH connection established via proxy")
	return nil
}

// Close closes the connection. Closing a closed client is a no-op.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.client == nil {
		return nil
	}
	c.logger.Debug().Msg("Closing SSH connection")

	close(c.done)
	err := c.client.Close()
	if c.proxy != nil {
		_ = c.proxy.Close()
	}
	c.client, c.proxy = nil, nil

	if err != nil && !errors.Is(err, io.EOF) {
		return transportError("disconnect", err, false)
	}
	return nil
}

// IsConnected returns true if the client has an open connection.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.client != nil
}

// HealthCheck runs "true" on the remote host.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if c.client == nil {
		return transportError("healthcheck", errors.New("not connected"), false)
	}
	return c.healthCheckLocked()
}

func (c *Client) healthCheckLocked() error {
	session, err := c.client.NewSession()
	if err != nil {
		return transportError("healthcheck", err, true)
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return transportError("healthcheck", err, true)
	}
	return nil
}

// keepAlive pings the server until done is closed. After too many failed
// pings the connection is closed so the next call reconnects.
func (c *Client) keepAlive(client *ssh.Client, done chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			c.logger.Warn().Err(err).Int("retries", retries).Msg("Keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				c.logger.Error().Msg("Keep-alive failed too many times, closing connection")
				_ = client.Close()
				return
			}
			continue
		}
		retries = 0
	}
}

func (c *Client) sshClient(op string) (*ssh.Client, error) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if c.client == nil {
		return nil, transportError(op, errors.New("not connected"), false)
	}
	return c.client, nil
}

// Run executes cmd in a new session, feeding it stdin when non-nil. A
// command that exits non-zero returns a *TransportError carrying its
// stderr. The command is bounded by ctx and the configured command timeout.
func (c *Client) Run(ctx context.Context, cmd string, stdin io.Reader) (stdout string, stderr string, err error) {
	client, err := c.sshClient("exec")
	if err != nil {
		return "", "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.CommandTimeout)
	defer cancel()

	session, err := client.NewSession()
	if err != nil {
		return "", "", transportError("exec", fmt.Errorf("failed to create session: %w", err), true)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	session.Stdin = stdin

	start := time.Now()
	c.logger.Debug().Str("command", cmd).Msg("Executing command")

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	stdout = strings.TrimSpace(stdoutBuf.String())
	stderr = strings.TrimSpace(stderrBuf.String())

	c.logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(stdout)).
		Int("stderr_len", len(stderr)).
		Dur("duration", time.Since(start)).
		Err(execErr).
		Msg("Command completed")

	if execErr != nil {
		if ctx.Err() != nil {
			return stdout, stderr, transportError("exec", execErr, true)
		}
		return stdout, stderr, exitError("exec", execErr, stderr)
	}
	return stdout, stderr, nil
}
