// Package simulated provides an in-memory hypervisor for running converge
// without a real virtualization host.
//
// A Host can be loaded from and saved to a YAML file:
//
//	domains:
//	  - name: web01
//	    status: running
//	    persistent: true
//	    xml: |
//	      <domain type="kvm"><name>web01</name>...</domain>
//
// Operations fail with a conflict error when the domain's status does not
// allow them, and InjectFault makes a named operation fail on demand.
package simulated
