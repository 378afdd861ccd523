package virsh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/virtsync/pkg/converge"
	"github.com/openfroyo/virtsync/pkg/engine"
	"github.com/openfroyo/virtsync/pkg/lifecycle"
	"github.com/openfroyo/virtsync/pkg/transports/ssh"
)

var _ converge.Hypervisor = (*Hypervisor)(nil)

// DefaultURI is the local system libvirt daemon.
const DefaultURI = "qemu:///system"

// domstate output, as printed by virsh.
var domStates = map[string]lifecycle.Status{
	"no state":    lifecycle.StatusNoState,
	"running":     lifecycle.StatusRunning,
	"idle":        lifecycle.StatusBlocked,
	"blocked":     lifecycle.StatusBlocked,
	"paused":      lifecycle.StatusPaused,
	"in shutdown": lifecycle.StatusShutdown,
	"shut off":    lifecycle.StatusShutoff,
	"crashed":     lifecycle.StatusCrashed,
	"pmsuspended": lifecycle.StatusPMSuspended,
}

// Hypervisor is a converge.Hypervisor backed by virsh.
type Hypervisor struct {
	runner Runner
	uri    string
	logger zerolog.Logger
}

// New returns a hypervisor running virsh through runner against uri.
func New(runner Runner, uri string, logger zerolog.Logger) *Hypervisor {
	if uri == "" {
		uri = DefaultURI
	}
	return &Hypervisor{
		runner: runner,
		uri:    uri,
		logger: logger.With().Str("component", "virsh").Str("uri", uri).Logger(),
	}
}

// Open connects to the libvirt host named by uri. A "+ssh" transport
// connects with sshDefaults, overridden by the user, host and port of the
// URI, and runs virsh remotely against the same URI without the transport.
func Open(ctx context.Context, uri string, sshDefaults *ssh.Config, logger zerolog.Logger) (*Hypervisor, error) {
	if uri == "" {
		uri = DefaultURI
	}
	u, err := parseURI(uri)
	if err != nil {
		return nil, err
	}

	driver, transport, _ := strings.Cut(u.Scheme, "+")
	if transport != "ssh" {
		return New(&LocalRunner{}, uri, logger), nil
	}

	cfg, err := sshConfig(u, sshDefaults)
	if err != nil {
		return nil, err
	}
	client, err := ssh.Dial(ctx, cfg, logger)
	if err != nil {
		var te *ssh.TransportError
		if errors.As(err, &te) && te.IsAuthError {
			return nil, engine.NewPermanentError("ssh authentication failed", err).
				WithCode(engine.ErrCodeConnection).
				WithResource(cfg.Address())
		}
		if engine.CodeOf(err) == engine.ErrCodeValidation {
			return nil, err
		}
		return nil, connectionError(cfg.Address(), err)
	}

	remote := url.URL{Scheme: driver, Path: u.Path, RawQuery: u.RawQuery}
	if remote.Path == "" {
		remote.Path = "/system"
	}
	return New(NewSSHRunner(client, "", logger), remote.String(), logger), nil
}

func parseURI(uri string) (*url.URL, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return nil, engine.NewPermanentError(fmt.Sprintf("invalid libvirt URI: %s", uri), err).
			WithCode(engine.ErrCodeValidation)
	}
	return u, nil
}

func sshConfig(u *url.URL, defaults *ssh.Config) (*ssh.Config, error) {
	if u.Hostname() == "" {
		return nil, engine.NewPermanentError("ssh URI needs a host", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(u.String())
	}

	var cfg ssh.Config
	if defaults != nil {
		cfg = *defaults
	} else {
		cfg = *ssh.DefaultConfig("", "")
	}
	cfg.Host = u.Hostname()
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, engine.NewPermanentError(fmt.Sprintf("invalid port in URI: %s", p), err).
				WithCode(engine.ErrCodeValidation)
		}
		cfg.Port = port
	}
	if user := u.User.Username(); user != "" {
		cfg.User = user
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	return &cfg, nil
}

// URI returns the libvirt URI virsh is run against.
func (h *Hypervisor) URI() string {
	return h.uri
}

// Close releases the runner's connection, if it holds one.
func (h *Hypervisor) Close() error {
	if c, ok := h.runner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (h *Hypervisor) virsh(ctx context.Context, op, name string, args ...string) (string, error) {
	full := append([]string{"-c", h.uri}, args...)
	h.logger.Debug().Str("operation", op).Str("resource", name).Strs("args", args).Msg("Running virsh")

	out, err := h.runner.Run(ctx, full)
	if err != nil {
		return "", classify(op, name, err)
	}
	return out, nil
}

// classify maps a runner failure onto an engine error.
func classify(op, name string, err error) error {
	var ce *CommandError
	if !errors.As(err, &ce) {
		var te *ssh.TransportError
		if errors.As(err, &te) && !te.Temporary() {
			return engine.NewPermanentError("virsh "+op+" failed", err).
				WithCode(engine.ErrCodeConnection).
				WithResource(name).
				WithOperation(op)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return engine.NewTransientError("virsh "+op+" timed out", err).
				WithCode(engine.ErrCodeTimeout).
				WithResource(name).
				WithOperation(op)
		}
		if te != nil {
			return connectionError(name, err).WithOperation(op)
		}
		return engine.NewPermanentError("virsh "+op+" failed", err).
			WithCode(engine.ErrCodeEffectorFailed).
			WithResource(name).
			WithOperation(op)
	}

	stderr := strings.ToLower(ce.Stderr)
	if kind, ok := missing(stderr); ok {
		return engine.NewPermanentError(kind+" not found", err).
			WithCode(engine.ErrCodeNotFound).
			WithResource(name).
			WithOperation(op)
	}
	switch {
	case strings.Contains(stderr, "requested operation is not valid"),
		strings.Contains(stderr, "domain is already active"),
		strings.Contains(stderr, "domain is not running"),
		strings.Contains(stderr, "network is already active"),
		strings.Contains(stderr, "network is not active"),
		strings.Contains(stderr, "already exists"):
		return engine.NewConflictError(ce.Stderr, err).
			WithCode(engine.ErrCodeInvalidState).
			WithResource(name).
			WithOperation(op)
	case strings.Contains(stderr, "failed to connect to the hypervisor"):
		return connectionError(name, err).WithOperation(op)
	default:
		return engine.NewPermanentError("virsh "+op+" failed", err).
			WithCode(engine.ErrCodeEffectorFailed).
			WithResource(name).
			WithOperation(op).
			WithDetail("exit_code", ce.ExitCode)
	}
}

// missing reports which kind of object a lowercased virsh stderr says is
// missing. A missing pool wins over a missing volume.
func missing(stderr string) (string, bool) {
	switch {
	case strings.Contains(stderr, "storage pool not found"),
		strings.Contains(stderr, "failed to get pool"):
		return "storage pool", true
	case strings.Contains(stderr, "storage volume not found"),
		strings.Contains(stderr, "failed to get vol"):
		return "storage volume", true
	case strings.Contains(stderr, "network not found"),
		strings.Contains(stderr, "failed to get network"):
		return "network", true
	case strings.Contains(stderr, "domain not found"),
		strings.Contains(stderr, "failed to get domain"):
		return "domain", true
	}
	return "", false
}

func connectionError(resource string, err error) *engine.EngineError {
	return engine.NewTransientError("cannot reach libvirt host", err).
		WithCode(engine.ErrCodeConnection).
		WithResource(resource)
}

// Lookup implements converge.Hypervisor.
func (h *Hypervisor) Lookup(ctx context.Context, name string) (lifecycle.Status, bool, error) {
	out, err := h.virsh(ctx, "lookup", name, "domstate", name)
	if err != nil {
		if engine.CodeOf(err) == engine.ErrCodeNotFound {
			return lifecycle.StatusNoState, false, nil
		}
		return lifecycle.StatusNoState, false, err
	}

	line, _, _ := strings.Cut(out, "\n")
	status, ok := domStates[strings.TrimSpace(line)]
	if !ok {
		return lifecycle.StatusNoState, false, engine.NewPermanentError(fmt.Sprintf("unknown domain state %q", line), nil).
			WithCode(engine.ErrCodeParse).
			WithResource(name).
			WithOperation("lookup")
	}
	return status, true, nil
}

// DefinitionXML implements converge.Hypervisor.
func (h *Hypervisor) DefinitionXML(ctx context.Context, name string) (string, error) {
	return h.virsh(ctx, "dumpxml", name, "dumpxml", name)
}

// Define implements converge.Hypervisor.
func (h *Hypervisor) Define(ctx context.Context, definition string) error {
	return h.withDefinition(ctx, "define", definition)
}

// Create implements converge.Hypervisor.
func (h *Hypervisor) Create(ctx context.Context, definition string) error {
	return h.withDefinition(ctx, "create", definition)
}

// withDefinition stages definition and runs the virsh command that reads
// it, e.g. define, create or net-define.
func (h *Hypervisor) withDefinition(ctx context.Context, op, definition string) error {
	name, err := converge.NameFromDefinition(definition)
	if err != nil {
		return err
	}

	path, cleanup, err := h.runner.Stage(ctx, []byte(definition))
	if err != nil {
		return classify(op, name, err)
	}
	defer cleanup()

	_, err = h.virsh(ctx, op, name, op, path)
	return err
}

// Undefine implements converge.Hypervisor.
func (h *Hypervisor) Undefine(ctx context.Context, name string) error {
	_, err := h.virsh(ctx, "undefine", name, "undefine", name)
	return err
}

// Start implements converge.Hypervisor.
func (h *Hypervisor) Start(ctx context.Context, name string) error {
	_, err := h.virsh(ctx, "start", name, "start", name)
	return err
}

// Shutdown implements converge.Hypervisor.
func (h *Hypervisor) Shutdown(ctx context.Context, name string) error {
	_, err := h.virsh(ctx, "shutdown", name, "shutdown", name)
	return err
}

// Destroy implements converge.Hypervisor.
func (h *Hypervisor) Destroy(ctx context.Context, name string) error {
	_, err := h.virsh(ctx, "destroy", name, "destroy", name)
	return err
}

// Suspend implements converge.Hypervisor.
func (h *Hypervisor) Suspend(ctx context.Context, name string) error {
	_, err := h.virsh(ctx, "suspend", name, "suspend", name)
	return err
}

// Resume implements converge.Hypervisor.
func (h *Hypervisor) Resume(ctx context.Context, name string) error {
	_, err := h.virsh(ctx, "resume", name, "resume", name)
	return err
}
