package virsh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"

	"github.com/openfroyo/virtsync/pkg/transports/ssh"
)

// Runner runs virsh and stages definition files where virsh can read them.
type Runner interface {
	// Run executes virsh with args and returns its trimmed stdout. A
	// virsh that ran and failed returns a *CommandError.
	Run(ctx context.Context, args []string) (string, error)

	// Stage writes data to a file virsh can read and returns its path.
	// cleanup removes the file.
	Stage(ctx context.Context, data []byte) (path string, cleanup func(), err error)
}

// CommandError is a virsh invocation that exited non-zero.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := e.Stderr
	if msg == "" {
		msg = fmt.Sprintf("exit status %d", e.ExitCode)
	}
	return fmt.Sprintf("virsh %s: %s", strings.Join(e.Args, " "), msg)
}

// LocalRunner runs virsh on this machine.
type LocalRunner struct {
	// Binary is the virsh executable. Empty means "virsh" from PATH.
	Binary string

	// Dir is where staged files are written. Empty means os.TempDir.
	Dir string
}

var _ Runner = (*LocalRunner)(nil)

// Run implements Runner.
func (r *LocalRunner) Run(ctx context.Context, args []string) (string, error) {
	binary := r.Binary
	if binary == "" {
		binary = "virsh"
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return "", &CommandError{
				Args:     args,
				ExitCode: exitErr.ExitCode(),
				Stderr:   strings.TrimSpace(stderr.String()),
			}
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to execute %s: %w", binary, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Stage implements Runner.
func (r *LocalRunner) Stage(_ context.Context, data []byte) (string, func(), error) {
	f, err := os.CreateTemp(r.Dir, "virtsync-*.xml")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	name := f.Name()
	cleanup := func() { _ = os.Remove(name) }

	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to write staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return name, cleanup, nil
}

// SSHRunner runs virsh on a remote host over an SSH connection.
type SSHRunner struct {
	client *ssh.Client
	dir    string
	logger zerolog.Logger
}

var _ Runner = (*SSHRunner)(nil)

// NewSSHRunner returns a runner on client that stages files under dir,
// "/tmp" when empty.
func NewSSHRunner(client *ssh.Client, dir string, logger zerolog.Logger) *SSHRunner {
	if dir == "" {
		dir = "/tmp"
	}
	return &SSHRunner{client: client, dir: dir, logger: logger}
}

// Run implements Runner.
func (r *SSHRunner) Run(ctx context.Context, args []string) (string, error) {
	cmd := "virsh " + shellquote.Join(args...)

	stdout, _, err := r.client.Run(ctx, cmd, nil)
	if err != nil {
		var te *ssh.TransportError
		if errors.As(err, &te) && te.ExitStatus >= 0 {
			return "", &CommandError{Args: args, ExitCode: te.ExitStatus, Stderr: te.Stderr}
		}
		return "", err
	}
	return stdout, nil
}

// Stage implements Runner.
func (r *SSHRunner) Stage(ctx context.Context, data []byte) (string, func(), error) {
	remote := path.Join(r.dir, "virtsync-"+uuid.NewString()+".xml")
	if err := r.client.WriteFile(ctx, remote, data, 0o600); err != nil {
		return "", nil, err
	}
	cleanup := func() {
		if err := r.client.Remove(context.Background(), remote); err != nil {
			r.logger.Warn().Err(err).Str("path", remote).Msg("Failed to remove staged definition")
		}
	}
	return remote, cleanup, nil
}

// Close closes the SSH connection.
func (r *SSHRunner) Close() error {
	return r.client.Close()
}
