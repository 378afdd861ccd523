package simulated

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/virtsync/pkg/converge"
	"github.com/openfroyo/virtsync/pkg/engine"
	"github.com/openfroyo/virtsync/pkg/lifecycle"
)

var _ converge.Hypervisor = (*Host)(nil)

// Domain is one domain known to a simulated host.
type Domain struct {
	Name       string           `yaml:"name"`
	Status     lifecycle.Status `yaml:"-"`
	Persistent bool             `yaml:"persistent"`
	XML        string           `yaml:"xml"`
}

// domainFile is the YAML form of a Domain; the status is kept by name.
type domainFile struct {
	Name       string `yaml:"name"`
	Status     string `yaml:"status"`
	Persistent bool   `yaml:"persistent"`
	XML        string `yaml:"xml"`
}

type hostFile struct {
	Domains  []domainFile `yaml:"domains"`
	Networks []Network    `yaml:"networks,omitempty"`
	Pools    []poolFile   `yaml:"pools,omitempty"`
}

// Host is an in-memory hypervisor. It enforces the same preconditions a
// real hypervisor does, e.g. start needs a shut off persistent domain.
// Host is safe for concurrent use.
type Host struct {
	mu       sync.Mutex
	domains  map[string]*Domain
	networks map[string]*Network
	pools    map[string]*Pool
	faults   map[string]error
	calls    []string
	path     string
}

// New returns an empty host.
func New() *Host {
	return &Host{
		domains:  make(map[string]*Domain),
		networks: make(map[string]*Network),
		pools:    make(map[string]*Pool),
		faults:   make(map[string]error),
	}
}

// Load reads a host from a YAML file. A missing file yields an empty host
// that Save will create.
func Load(path string) (*Host, error) {
	h := New()
	h.path = path

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return h, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read host file: %w", err)
	}

	var f hostFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, engine.NewPermanentError("failed to parse host file", err).
			WithCode(engine.ErrCodeParse).
			WithResource(path)
	}
	for _, d := range f.Domains {
		status, err := lifecycle.ParseStatus(d.Status)
		if err != nil {
			return nil, err
		}
		h.domains[d.Name] = &Domain{
			Name:       d.Name,
			Status:     status,
			Persistent: d.Persistent,
			XML:        d.XML,
		}
	}
	for _, n := range f.Networks {
		h.networks[n.Name] = &n
	}
	for _, p := range f.Pools {
		h.pools[p.Name] = p.pool()
	}
	return h, nil
}

// Save writes the host back to the file it was loaded from.
func (h *Host) Save() error {
	if h.path == "" {
		return fmt.Errorf("host was not loaded from a file")
	}
	return h.SaveTo(h.path)
}

// SaveTo writes the host to path, domains sorted by name.
func (h *Host) SaveTo(path string) error {
	h.mu.Lock()
	var f hostFile
	for _, name := range h.namesLocked() {
		d := h.domains[name]
		f.Domains = append(f.Domains, domainFile{
			Name:       d.Name,
			Status:     d.Status.String(),
			Persistent: d.Persistent,
			XML:        d.XML,
		})
	}
	for _, name := range sortedKeys(h.networks) {
		f.Networks = append(f.Networks, *h.networks[name])
	}
	for _, name := range sortedKeys(h.pools) {
		f.Pools = append(f.Pools, h.pools[name].file())
	}
	h.mu.Unlock()

	data, err := yaml.Marshal(&f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Put adds or replaces a domain.
func (h *Host) Put(d Domain) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.domains[d.Name] = &d
}

// Domain returns a copy of the named domain.
func (h *Host) Domain(name string) (Domain, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.domains[name]
	if !ok {
		return Domain{}, false
	}
	return *d, true
}

// Names returns the names of all domains, sorted.
func (h *Host) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.namesLocked()
}

func (h *Host) namesLocked() []string {
	return sortedKeys(h.domains)
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InjectFault makes every later call of op fail with err. A nil err clears it.
func (h *Host) InjectFault(op string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.faults, op)
		return
	}
	h.faults[op] = err
}

// Calls returns the mutating operations performed so far, as "op name".
func (h *Host) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

// readOnly operations are not recorded in Calls.
var readOnly = map[string]bool{
	"lookup":          true,
	"dumpxml":         true,
	"net-info":        true,
	"net-dhcp-leases": true,
	"vol-info":        true,
}

// begin records a call and returns the injected fault for op, if any.
// Callers hold h.mu.
func (h *Host) begin(op, name string) error {
	if err := h.faults[op]; err != nil {
		return err
	}
	if !readOnly[op] {
		h.calls = append(h.calls, op+" "+name)
	}
	return nil
}

func (h *Host) find(op, name string) (*Domain, error) {
	d, ok := h.domains[name]
	if !ok {
		return nil, engine.NewPermanentError("domain not found", nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(name).
			WithOperation(op)
	}
	return d, nil
}

func conflict(op string, d *Domain, want string) error {
	return engine.NewConflictError(fmt.Sprintf("domain is %s, %s requires %s", d.Status, op, want), nil).
		WithCode(engine.ErrCodeInvalidState).
		WithResource(d.Name).
		WithOperation(op)
}

func active(d *Domain) bool {
	switch d.Status {
	case lifecycle.StatusShutoff, lifecycle.StatusShutdown:
		return false
	default:
		return true
	}
}

// Lookup implements converge.Hypervisor.
func (h *Host) Lookup(_ context.Context, name string) (lifecycle.Status, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("lookup", name); err != nil {
		return lifecycle.StatusNoState, false, err
	}
	d, ok := h.domains[name]
	if !ok {
		return lifecycle.StatusNoState, false, nil
	}
	return d.Status, true, nil
}

// DefinitionXML implements converge.Hypervisor.
func (h *Host) DefinitionXML(_ context.Context, name string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("dumpxml", name); err != nil {
		return "", err
	}
	d, err := h.find("dumpxml", name)
	if err != nil {
		return "", err
	}
	return d.XML, nil
}

// Define implements converge.Hypervisor. Redefining an existing domain
// replaces its XML and makes it persistent without touching its status.
func (h *Host) Define(_ context.Context, definition string) error {
	name, err := converge.NameFromDefinition(definition)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("define", name); err != nil {
		return err
	}
	if d, ok := h.domains[name]; ok {
		d.XML = definition
		d.Persistent = true
		return nil
	}
	h.domains[name] = &Domain{
		Name:       name,
		Status:     lifecycle.StatusShutoff,
		Persistent: true,
		XML:        definition,
	}
	return nil
}

// Undefine implements converge.Hypervisor.
func (h *Host) Undefine(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("undefine", name); err != nil {
		return err
	}
	d, err := h.find("undefine", name)
	if err != nil {
		return err
	}
	if active(d) {
		return conflict("undefine", d, "a shut off domain")
	}
	delete(h.domains, name)
	return nil
}

// Create implements converge.Hypervisor.
func (h *Host) Create(_ context.Context, definition string) error {
	name, err := converge.NameFromDefinition(definition)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("create", name); err != nil {
		return err
	}
	if d, ok := h.domains[name]; ok {
		return conflict("create", d, "an unknown domain")
	}
	h.domains[name] = &Domain{
		Name:   name,
		Status: lifecycle.StatusRunning,
		XML:    definition,
	}
	return nil
}

// Start implements converge.Hypervisor.
func (h *Host) Start(_ context.Context, name string) error {
	return h.apply("start", name, func(d *Domain) error {
		if active(d) || !d.Persistent {
			return conflict("start", d, "a shut off persistent domain")
		}
		d.Status = lifecycle.StatusRunning
		return nil
	})
}

// Shutdown implements converge.Hypervisor.
func (h *Host) Shutdown(_ context.Context, name string) error {
	return h.apply("shutdown", name, func(d *Domain) error {
		if d.Status != lifecycle.StatusRunning {
			return conflict("shutdown", d, "a running domain")
		}
		h.stop(d)
		return nil
	})
}

// Destroy implements converge.Hypervisor.
func (h *Host) Destroy(_ context.Context, name string) error {
	return h.apply("destroy", name, func(d *Domain) error {
		if !active(d) {
			return conflict("destroy", d, "an active domain")
		}
		h.stop(d)
		return nil
	})
}

// Suspend implements converge.Hypervisor.
func (h *Host) Suspend(_ context.Context, name string) error {
	return h.apply("suspend", name, func(d *Domain) error {
		if d.Status != lifecycle.StatusRunning {
			return conflict("suspend", d, "a running domain")
		}
		d.Status = lifecycle.StatusPaused
		return nil
	})
}

// Resume implements converge.Hypervisor.
func (h *Host) Resume(_ context.Context, name string) error {
	return h.apply("resume", name, func(d *Domain) error {
		if d.Status != lifecycle.StatusPaused {
			return conflict("resume", d, "a paused domain")
		}
		d.Status = lifecycle.StatusRunning
		return nil
	})
}

func (h *Host) apply(op, name string, fn func(d *Domain) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin(op, name); err != nil {
		return err
	}
	d, err := h.find(op, name)
	if err != nil {
		return err
	}
	return fn(d)
}

// stop shuts a domain off; transient domains disappear. Callers hold h.mu.
func (h *Host) stop(d *Domain) {
	if !d.Persistent {
		delete(h.domains, d.Name)
		return
	}
	d.Status = lifecycle.StatusShutoff
}
