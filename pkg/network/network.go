package network

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/virtsync/pkg/converge"
	"github.com/openfroyo/virtsync/pkg/engine"
	"github.com/openfroyo/virtsync/pkg/telemetry"
)

// Network is a virtual network as the hypervisor reports it.
type Network struct {
	Name       string `json:"name" yaml:"name"`
	Active     bool   `json:"active" yaml:"active"`
	Autostart  bool   `json:"autostart" yaml:"autostart"`
	Persistent bool   `json:"persistent" yaml:"persistent"`
}

// Lease is one DHCP lease handed out by a network.
type Lease struct {
	ExpiryTime string `json:"expiry_time" yaml:"expiry_time"`
	MAC        string `json:"mac" yaml:"mac"`
	Protocol   string `json:"protocol" yaml:"protocol"`
	IPAddress  string `json:"ip_address" yaml:"ip_address"`
	Hostname   string `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	ClientID   string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
}

// Manager is the hypervisor side of network management.
type Manager interface {
	// LookupNetwork reports the named network. found is false when the
	// hypervisor has no such network; that is not an error.
	LookupNetwork(ctx context.Context, name string) (net Network, found bool, err error)
	DefineNetwork(ctx context.Context, definition string) error
	UndefineNetwork(ctx context.Context, name string) error
	StartNetwork(ctx context.Context, name string) error
	StopNetwork(ctx context.Context, name string) error
	SetNetworkAutostart(ctx context.Context, name string, autostart bool) error
	// NetworkLeases lists the DHCP leases of an active network.
	NetworkLeases(ctx context.Context, name string) ([]Lease, error)
}

// State is a requested network state.
type State string

const (
	StatePresent State = "present"
	StateAbsent  State = "absent"
	StateStarted State = "started"
	StateStopped State = "stopped"
	// StateLeases requires the network to exist and only reports its leases.
	StateLeases State = "leases"
)

// ParseState validates a requested state. Empty means present.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case "":
		return StatePresent, nil
	case StatePresent, StateAbsent, StateStarted, StateStopped, StateLeases:
		return st, nil
	}
	return "", engine.NewPermanentError(fmt.Sprintf("unknown network state %q", s), nil).
		WithCode(engine.ErrCodeValidation)
}

// Request asks for one network to be brought to a state.
type Request struct {
	// Name of the network. Taken from Definition when empty.
	Name string
	State State
	// Definition is the network XML, needed to define a missing network.
	Definition string
	// Autostart is enforced when set and left alone otherwise.
	Autostart *bool
	CheckMode bool
}

// Result reports what Converge did, or would do in check mode.
type Result struct {
	Name    string   `json:"name"`
	State   State    `json:"state"`
	Changed bool     `json:"changed"`
	Steps   []string `json:"steps,omitempty"`
	// Leases is filled whenever the network ends up active.
	Leases  []Lease `json:"leases,omitempty"`
	Message string  `json:"message"`
}

// Converge brings a network to the requested state. Steps run in order:
// define or undefine, start or stop, then the autostart flag.
func Converge(ctx context.Context, m Manager, req Request) (*Result, error) {
	state, err := ParseState(string(req.State))
	if err != nil {
		return nil, err
	}
	name := req.Name
	if name == "" {
		if req.Definition == "" {
			return nil, engine.NewPermanentError("a network name or definition is required", nil).
				WithCode(engine.ErrCodeValidation)
		}
		if name, err = converge.NameFromDefinition(req.Definition); err != nil {
			return nil, err
		}
	}

	logger := telemetry.FromContext(ctx).WithField("network", name)
	res := &Result{Name: name, State: state}

	net, found, err := m.LookupNetwork(ctx, name)
	if err != nil {
		return nil, err
	}

	step := func(desc string, fn func() error) error {
		res.Changed = true
		res.Steps = append(res.Steps, desc)
		if req.CheckMode {
			return nil
		}
		logger.WithField("step", desc).Debug("network step")
		return fn()
	}

	switch {
	case !found && state == StateLeases:
		return nil, engine.NewPermanentError("network not found", nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(name)

	case !found && (state == StatePresent || state == StateStarted):
		if req.Definition == "" {
			return nil, engine.NewPermanentError(fmt.Sprintf("network %s does not exist and no definition was given", name), nil).
				WithCode(engine.ErrCodeValidation).
				WithResource(name)
		}
		if err := step("define", func() error { return m.DefineNetwork(ctx, req.Definition) }); err != nil {
			return res, err
		}
		net = Network{Name: name, Persistent: true}
		found = true

	case found && state == StateAbsent:
		if net.Active {
			if err := step("stop", func() error { return m.StopNetwork(ctx, name) }); err != nil {
				return res, err
			}
		}
		if err := step("undefine", func() error { return m.UndefineNetwork(ctx, name) }); err != nil {
			return res, err
		}
		found = false
	}

	if !found {
		res.Message = finish(res, fmt.Sprintf("network %s is absent", name))
		return res, nil
	}

	switch {
	case state == StateStarted && !net.Active:
		if err := step("start", func() error { return m.StartNetwork(ctx, name) }); err != nil {
			return res, err
		}
		net.Active = true
	case state == StateStopped && net.Active:
		if err := step("stop", func() error { return m.StopNetwork(ctx, name) }); err != nil {
			return res, err
		}
		net.Active = false
	}

	if req.Autostart != nil && *req.Autostart != net.Autostart {
		want := *req.Autostart
		desc := "disable autostart"
		if want {
			desc = "enable autostart"
		}
		if err := step(desc, func() error { return m.SetNetworkAutostart(ctx, name, want) }); err != nil {
			return res, err
		}
		net.Autostart = want
	}

	if net.Active && !(req.CheckMode && res.Changed) {
		leases, err := m.NetworkLeases(ctx, name)
		if err != nil {
			return res, err
		}
		res.Leases = leases
	}

	status := "inactive"
	if net.Active {
		status = "active"
	}
	res.Message = finish(res, fmt.Sprintf("network %s is %s", name, status))
	logger.WithField("changed", res.Changed).Info("network converged")
	return res, nil
}

func finish(res *Result, state string) string {
	if !res.Changed {
		return state
	}
	return fmt.Sprintf("%s via %s", state, strings.Join(res.Steps, ", "))
}
