package virsh

import (
	"context"
	"strings"

	"github.com/openfroyo/virtsync/pkg/engine"
	"github.com/openfroyo/virtsync/pkg/network"
)

var _ network.Manager = (*Hypervisor)(nil)

// LookupNetwork implements network.Manager with net-info.
func (h *Hypervisor) LookupNetwork(ctx context.Context, name string) (network.Network, bool, error) {
	out, err := h.virsh(ctx, "net-info", name, "net-info", name)
	if err != nil {
		if engine.CodeOf(err) == engine.ErrCodeNotFound {
			return network.Network{}, false, nil
		}
		return network.Network{}, false, err
	}

	info := parseInfo(out)
	net := network.Network{Name: info["Name"]}
	if net.Name == "" {
		net.Name = name
	}
	for key, dst := range map[string]*bool{
		"Active":     &net.Active,
		"Persistent": &net.Persistent,
		"Autostart":  &net.Autostart,
	} {
		v, ok := info[key]
		if !ok {
			return network.Network{}, false, engine.NewPermanentError("net-info output lacks "+key, nil).
				WithCode(engine.ErrCodeParse).
				WithResource(name).
				WithOperation("net-info")
		}
		*dst = v == "yes"
	}
	return net, true, nil
}

// parseInfo reads the "Key:   value" lines virsh prints for *-info.
func parseInfo(out string) map[string]string {
	info := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		info[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return info
}

// DefineNetwork implements network.Manager.
func (h *Hypervisor) DefineNetwork(ctx context.Context, definition string) error {
	return h.withDefinition(ctx, "net-define", definition)
}

// UndefineNetwork implements network.Manager.
func (h *Hypervisor) UndefineNetwork(ctx context.Context, name string) error {
	_, err := h.virsh(ctx, "net-undefine", name, "net-undefine", name)
	return err
}

// StartNetwork implements network.Manager.
func (h *Hypervisor) StartNetwork(ctx context.Context, name string) error {
	_, err := h.virsh(ctx, "net-start", name, "net-start", name)
	return err
}

// StopNetwork implements network.Manager.
func (h *Hypervisor) StopNetwork(ctx context.Context, name string) error {
	_, err := h.virsh(ctx, "net-destroy", name, "net-destroy", name)
	return err
}

// SetNetworkAutostart implements network.Manager.
func (h *Hypervisor) SetNetworkAutostart(ctx context.Context, name string, autostart bool) error {
	args := []string{"net-autostart", name}
	if !autostart {
		args = append(args, "--disable")
	}
	_, err := h.virsh(ctx, "net-autostart", name, args...)
	return err
}

// NetworkLeases implements network.Manager with net-dhcp-leases.
func (h *Hypervisor) NetworkLeases(ctx context.Context, name string) ([]network.Lease, error) {
	out, err := h.virsh(ctx, "net-dhcp-leases", name, "net-dhcp-leases", name)
	if err != nil {
		return nil, err
	}
	return parseLeases(out), nil
}

// parseLeases reads the net-dhcp-leases table:
//
//	Expiry Time           MAC address         Protocol   IP address          Hostname   Client ID or DUID
//	----------------------------------------------------------------------------------------------------
//	2024-06-01 12:00:00   52:54:00:aa:bb:cc   ipv4       192.168.122.45/24   web01      -
func parseLeases(out string) []network.Lease {
	var leases []network.Lease
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || strings.HasPrefix(fields[0], "-") || fields[0] == "Expiry" {
			continue
		}
		lease := network.Lease{
			ExpiryTime: fields[0] + " " + fields[1],
			MAC:        fields[2],
			Protocol:   fields[3],
			IPAddress:  fields[4],
		}
		if len(fields) > 5 && fields[5] != "-" {
			lease.Hostname = fields[5]
		}
		if len(fields) > 6 && fields[6] != "-" {
			lease.ClientID = fields[6]
		}
		leases = append(leases, lease)
	}
	return leases
}
