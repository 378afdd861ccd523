package virsh

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"

	"github.com/openfroyo/virtsync/pkg/engine"
	"github.com/openfroyo/virtsync/pkg/lifecycle"
	"github.com/openfroyo/virtsync/pkg/transports/ssh"
	"github.com/openfroyo/virtsync/pkg/transports/ssh/sshtest"
)

// remoteVirsh answers virsh commands on an sshtest server. Defined
// domains are shut off; staged files are read from the local filesystem
// the test server serves over sftp.
type remoteVirsh struct {
	mu      sync.Mutex
	defined map[string]string
	argv    [][]string
}

func (r *remoteVirsh) handle(command string, _ []byte) (string, string, uint32) {
	argv, err := shellquote.Split(command)
	if err != nil || len(argv) < 5 || argv[0] != "virsh" || argv[1] != "-c" {
		return "", "error: bad command line: " + command, 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.argv = append(r.argv, argv)

	name := argv[4]
	switch argv[3] {
	case "domstate":
		if _, ok := r.defined[name]; !ok {
			return "", fmt.Sprintf("error: failed to get domain '%s'", name), 1
		}
		return "shut off\n\n", "", 0
	case "define":
		data, err := os.ReadFile(name)
		if err != nil {
			return "", "error: Failed to open file '" + name + "'", 1
		}
		r.defined["web 01"] = string(data)
		return "Domain 'web 01' defined from " + name + "\n", "", 0
	default:
		return "", "error: Requested operation is not valid: domain is not running", 1
	}
}

func TestOpenSSH(t *testing.T) {
	ctx := context.Background()
	rv := &remoteVirsh{defined: make(map[string]string)}
	server := sshtest.NewServer(t, rv.handle)

	host, port := server.HostPort()
	defaults := ssh.DefaultConfig("", "")
	defaults.AuthMethod = ssh.AuthMethodPassword
	defaults.Password = sshtest.Password
	defaults.StrictHostKeyChecking = false

	uri := fmt.Sprintf("qemu+ssh://%s@%s:%d/system", sshtest.User, host, port)
	hv, err := Open(ctx, uri, defaults, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer hv.Close()

	if hv.URI() != "qemu:///system" {
		t.Errorf("URI() = %q, want qemu:///system", hv.URI())
	}
	if _, ok := hv.runner.(*SSHRunner); !ok {
		t.Errorf("runner = %T, want *SSHRunner", hv.runner)
	}

	if _, found, err := hv.Lookup(ctx, "web 01"); err != nil || found {
		t.Fatalf("Lookup() before define = found %v, err %v", found, err)
	}

	def := `<domain type="kvm"><name>web 01</name></domain>`
	if err := hv.Define(ctx, def); err != nil {
		t.Fatalf("Define() error = %v", err)
	}
	if rv.defined["web 01"] != def {
		t.Errorf("remote definition = %q, want %q", rv.defined["web 01"], def)
	}

	status, found, err := hv.Lookup(ctx, "web 01")
	if err != nil || !found {
		t.Fatalf("Lookup() after define = found %v, err %v", found, err)
	}
	if status != lifecycle.StatusShutoff {
		t.Errorf("status = %v, want %v", status, lifecycle.StatusShutoff)
	}

	if err := hv.Suspend(ctx, "web 01"); !engine.IsConflict(err) {
		t.Errorf("Suspend() error = %v, want a conflict", err)
	}

	// The staged definition was removed after define.
	var staged string
	for _, argv := range rv.argv {
		if argv[3] == "define" {
			staged = argv[4]
		}
	}
	if !strings.HasPrefix(staged, "/tmp/virtsync-") {
		t.Fatalf("staged path = %q", staged)
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Errorf("staged file still exists: %v", err)
	}
}

func TestOpenSSHUnreachable(t *testing.T) {
	server := sshtest.NewServer(t, nil)
	host, port := server.HostPort()
	server.Close()

	defaults := ssh.DefaultConfig("", sshtest.User)
	defaults.AuthMethod = ssh.AuthMethodPassword
	defaults.Password = sshtest.Password
	defaults.StrictHostKeyChecking = false

	_, err := Open(context.Background(), fmt.Sprintf("qemu+ssh://%s:%d/system", host, port), defaults, zerolog.Nop())
	if code := engine.CodeOf(err); code != engine.ErrCodeConnection {
		t.Errorf("CodeOf(err) = %q, want %q", code, engine.ErrCodeConnection)
	}
	if !engine.IsTransient(err) {
		t.Errorf("error %v is not transient", err)
	}
}
