// Package volume creates and deletes storage volumes in libvirt pools.
//
// Capacities are written the way libvirt reads them: "10G" and "10GiB" are
// 10*1024^3 bytes, "10GB" is 10*1000^3. Thin volumes start with nothing
// allocated; fat volumes allocate their whole capacity.
package volume
