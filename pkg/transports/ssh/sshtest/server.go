// Package sshtest provides an in-process SSH server for tests.
//
// The server accepts the password testpass for User and any public key.
// It answers exec requests through a Handler, serves the sftp subsystem on
// the local filesystem and forwards direct-tcpip channels, so it can also
// act as a jump host.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	User     = "testuser"
	Password = "testpass"
)

// Handler answers one exec request.
type Handler func(command string, stdin []byte) (stdout, stderr string, status uint32)

// Server is a minimal SSH server listening on the loopback interface.
type Server struct {
	listener net.Listener
	config   *ssh.ServerConfig
	done     chan struct{}

	mu       sync.Mutex
	handler  Handler
	commands []string
}

// NewServer starts a server answering exec requests with handler. It is
// closed when the test ends.
func NewServer(t testing.TB, handler Handler) *Server {
	t.Helper()

	signer, err := hostKey()
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == User && string(pass) == Password {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &Server{
		listener: listener,
		config:   config,
		done:     make(chan struct{}),
		handler:  handler,
	}
	go s.serve()
	t.Cleanup(s.Close)

	return s
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// HostPort returns the listening host and port.
func (s *Server) HostPort() (string, int) {
	host, portStr, _ := net.SplitHostPort(s.Addr())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// SetHandler replaces the exec handler.
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Commands returns the exec commands received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Close stops accepting connections.
func (s *Server) Close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	s.listener.Close()
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		switch newChannel.ChannelType() {
		case "session":
			channel, requests, err := newChannel.Accept()
			if err != nil {
				continue
			}
			go s.handleSession(channel, requests)
		case "direct-tcpip":
			go handleForward(newChannel)
		default:
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (s *Server) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				return
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

			stdin, _ := io.ReadAll(channel)

			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			handler := s.handler
			s.mu.Unlock()

			var stdout, stderr string
			var status uint32
			if handler != nil {
				stdout, stderr, status = handler(payload.Command, stdin)
			}
			channel.Write([]byte(stdout))
			channel.Stderr().Write([]byte(stderr))
			channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func handleForward(newChannel ssh.NewChannel) {
	var payload struct {
		Host       string
		Port       uint32
		OriginHost string
		OriginPort uint32
	}
	if err := ssh.Unmarshal(newChannel.ExtraData(), &payload); err != nil {
		newChannel.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	target, err := net.Dial("tcp", net.JoinHostPort(payload.Host, strconv.Itoa(int(payload.Port))))
	if err != nil {
		newChannel.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	channel, requests, err := newChannel.Accept()
	if err != nil {
		target.Close()
		return
	}
	go ssh.DiscardRequests(requests)

	go func() {
		io.Copy(target, channel)
		target.Close()
	}()
	io.Copy(channel, target)
	channel.Close()
}

func hostKey() (ssh.Signer, error) {
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(privKey)
}
