// Package network manages libvirt virtual networks: defining and removing
// them, starting and stopping them, the autostart flag and DHCP leases.
//
//	res, err := network.Converge(ctx, hv, network.Request{
//	    State:      network.StateStarted,
//	    Definition: xml,
//	    Autostart:  &autostart,
//	})
package network
