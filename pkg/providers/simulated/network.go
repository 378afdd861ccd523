package simulated

import (
	"context"
	"fmt"

	"github.com/openfroyo/virtsync/pkg/converge"
	"github.com/openfroyo/virtsync/pkg/engine"
	"github.com/openfroyo/virtsync/pkg/network"
)

var _ network.Manager = (*Host)(nil)

// Network is one virtual network known to a simulated host. Leases are
// reported while the network is active.
type Network struct {
	network.Network `yaml:",inline"`
	XML             string          `yaml:"xml,omitempty"`
	Leases          []network.Lease `yaml:"leases,omitempty"`
}

// PutNetwork adds or replaces a network.
func (h *Host) PutNetwork(n Network) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.networks[n.Name] = &n
}

// Network returns a copy of the named network.
func (h *Host) Network(name string) (Network, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.networks[name]
	if !ok {
		return Network{}, false
	}
	return *n, true
}

func (h *Host) findNetwork(op, name string) (*Network, error) {
	n, ok := h.networks[name]
	if !ok {
		return nil, engine.NewPermanentError("network not found", nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(name).
			WithOperation(op)
	}
	return n, nil
}

func networkConflict(op string, n *Network, msg string) error {
	return engine.NewConflictError(fmt.Sprintf("network %s: %s", n.Name, msg), nil).
		WithCode(engine.ErrCodeInvalidState).
		WithResource(n.Name).
		WithOperation(op)
}

func (h *Host) applyNetwork(op, name string, fn func(n *Network) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin(op, name); err != nil {
		return err
	}
	n, err := h.findNetwork(op, name)
	if err != nil {
		return err
	}
	return fn(n)
}

// LookupNetwork implements network.Manager.
func (h *Host) LookupNetwork(_ context.Context, name string) (network.Network, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("net-info", name); err != nil {
		return network.Network{}, false, err
	}
	n, ok := h.networks[name]
	if !ok {
		return network.Network{}, false, nil
	}
	return n.Network, true, nil
}

// DefineNetwork implements network.Manager. Redefining a network replaces
// its XML and leaves it running if it was.
func (h *Host) DefineNetwork(_ context.Context, definition string) error {
	name, err := converge.NameFromDefinition(definition)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin("net-define", name); err != nil {
		return err
	}
	if n, ok := h.networks[name]; ok {
		n.XML = definition
		n.Persistent = true
		return nil
	}
	h.networks[name] = &Network{
		Network: network.Network{Name: name, Persistent: true},
		XML:     definition,
	}
	return nil
}

// UndefineNetwork implements network.Manager. An active network stays up
// as a transient one until it is stopped.
func (h *Host) UndefineNetwork(_ context.Context, name string) error {
	return h.applyNetwork("net-undefine", name, func(n *Network) error {
		if !n.Persistent {
			return networkConflict("net-undefine", n, "network is not persistent")
		}
		if n.Active {
			n.Persistent = false
			n.Autostart = false
			return nil
		}
		delete(h.networks, name)
		return nil
	})
}

// StartNetwork implements network.Manager.
func (h *Host) StartNetwork(_ context.Context, name string) error {
	return h.applyNetwork("net-start", name, func(n *Network) error {
		if n.Active {
			return networkConflict("net-start", n, "network is already active")
		}
		n.Active = true
		return nil
	})
}

// StopNetwork implements network.Manager. Transient networks disappear.
func (h *Host) StopNetwork(_ context.Context, name string) error {
	return h.applyNetwork("net-destroy", name, func(n *Network) error {
		if !n.Active {
			return networkConflict("net-destroy", n, "network is not active")
		}
		if !n.Persistent {
			delete(h.networks, name)
			return nil
		}
		n.Active = false
		return nil
	})
}

// SetNetworkAutostart implements network.Manager.
func (h *Host) SetNetworkAutostart(_ context.Context, name string, autostart bool) error {
	return h.applyNetwork("net-autostart", name, func(n *Network) error {
		if !n.Persistent {
			return networkConflict("net-autostart", n, "cannot set autostart for transient network")
		}
		n.Autostart = autostart
		return nil
	})
}

// NetworkLeases implements network.Manager.
func (h *Host) NetworkLeases(_ context.Context, name string) ([]network.Lease, error) {
	var leases []network.Lease
	err := h.applyNetwork("net-dhcp-leases", name, func(n *Network) error {
		if !n.Active {
			return networkConflict("net-dhcp-leases", n, "network is not active")
		}
		leases = append(leases, n.Leases...)
		return nil
	})
	return leases, err
}
