package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openfroyo/virtsync/pkg/engine"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"

	// AuthMethodAgent uses the agent listening on SSH_AUTH_SOCK
	AuthMethodAgent AuthMethod = "agent"
)

// Config holds SSH connection configuration.
type Config struct {
	// Host is the remote hostname or IP address
	Host string `yaml:"host,omitempty" json:"host,omitempty"`

	// Port is the SSH port (default: 22)
	Port int `yaml:"port,omitempty" json:"port,omitempty"`

	// User is the SSH username
	User string `yaml:"user,omitempty" json:"user,omitempty"`

	// AuthMethod specifies which authentication method to use
	AuthMethod AuthMethod `yaml:"auth,omitempty" json:"auth,omitempty"`

	Password             string `yaml:"password,omitempty" json:"-"`
	PrivateKeyPath       string `yaml:"private_key,omitempty" json:"private_key,omitempty"`
	PrivateKeyPassphrase string `yaml:"passphrase,omitempty" json:"-"`

	// KnownHostsPath is the path to the known_hosts file.
	KnownHostsPath string `yaml:"known_hosts,omitempty" json:"known_hosts,omitempty"`

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath.
	// When false any host key is accepted.
	StrictHostKeyChecking bool `yaml:"strict_host_key_checking" json:"strict_host_key_checking"`

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration `yaml:"connection_timeout,omitempty" json:"connection_timeout,omitempty"`

	// CommandTimeout bounds a single remote command.
	CommandTimeout time.Duration `yaml:"command_timeout,omitempty" json:"command_timeout,omitempty"`

	// KeepAliveInterval is the interval for sending keep-alive messages.
	// Zero disables keep-alive.
	KeepAliveInterval time.Duration `yaml:"keepalive_interval,omitempty" json:"keepalive_interval,omitempty"`

	// MaxKeepAliveRetries is the number of failed keep-alives before the
	// connection is closed.
	MaxKeepAliveRetries int `yaml:"keepalive_retries,omitempty" json:"keepalive_retries,omitempty"`

	// ProxyHost is a jump host the connection is tunnelled through.
	ProxyHost string `yaml:"proxy_host,omitempty" json:"proxy_host,omitempty"`
	ProxyPort int    `yaml:"proxy_port,omitempty" json:"proxy_port,omitempty"`
	ProxyUser string `yaml:"proxy_user,omitempty" json:"proxy_user,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        5 * time.Minute,
		MaxKeepAliveRetries:   3,
		ProxyPort:             22,
	}
}

func invalid(format string, args ...interface{}) error {
	return engine.NewPermanentError(fmt.Sprintf(format, args...), nil).
		WithCode(engine.ErrCodeValidation).
		WithOperation("ssh.config")
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return invalid("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return invalid("invalid port: %d", c.Port)
	}

	if c.User == "" {
		return invalid("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return invalid("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			homeDir := os.Getenv("HOME")
			for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
				keyPath := filepath.Join(homeDir, ".ssh", name)
				if _, err := os.Stat(keyPath); err == nil {
					c.PrivateKeyPath = keyPath
					break
				}
			}
			if c.PrivateKeyPath == "" {
				return invalid("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return invalid("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return invalid("agent authentication requires SSH_AUTH_SOCK")
		}
	default:
		return invalid("unsupported auth method: %s", c.AuthMethod)
	}

	if c.StrictHostKeyChecking && c.KnownHostsPath == "" {
		return invalid("known_hosts is required for strict host key checking")
	}

	if c.ConnectionTimeout <= 0 {
		return invalid("connection timeout must be positive")
	}

	if c.CommandTimeout <= 0 {
		return invalid("command timeout must be positive")
	}

	if c.KeepAliveInterval < 0 {
		return invalid("keepalive interval must not be negative")
	}

	if c.ProxyHost != "" {
		if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
			return invalid("invalid proxy port: %d", c.ProxyPort)
		}
		if c.ProxyUser == "" {
			return invalid("proxy user is required when proxy host is specified")
		}
	}

	return nil
}

// BuildClientConfig creates an ssh.ClientConfig for user. The proxy hop
// uses the same credentials as the target.
func (c *Config) BuildClientConfig(user string) (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		authMethods = append(authMethods, ssh.Password(c.Password))

		// Many servers only offer keyboard-interactive for passwords.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, invalid("failed to read private key: %v", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, invalid("failed to parse private key: %v", err)
		}

		authMethods = append(authMethods, ssh.PublicKeys(signer))

	case AuthMethodAgent:
		sock, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK"))
		if err != nil {
			return nil, transportError("agent", err, true)
		}
		authMethods = append(authMethods, ssh.PublicKeysCallback(agent.NewClient(sock).Signers))

	default:
		return nil, invalid("unsupported auth method: %s", c.AuthMethod)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, invalid("failed to load known_hosts: %v", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ProxyAddress returns the formatted proxy address, or "" without a proxy.
func (c *Config) ProxyAddress() string {
	if c.ProxyHost == "" {
		return ""
	}
	return net.JoinHostPort(c.ProxyHost, strconv.Itoa(c.ProxyPort))
}
