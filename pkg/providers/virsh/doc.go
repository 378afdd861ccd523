// Package virsh drives a libvirt host through the virsh command line.
//
// Open picks the runner from the connection URI: local URIs such as
// qemu:///system or test:///default run virsh on this machine, while
// qemu+ssh://user@host/system runs virsh on the remote host over SSH and
// stages definition files there with SFTP.
//
//	hv, err := virsh.Open(ctx, "qemu+ssh://root@kvm1/system", sshDefaults, logger)
//	if err != nil {
//		return err
//	}
//	defer hv.Close()
//	res, err := converge.New(hv).Converge(ctx, req)
//
// virsh failures are mapped onto engine errors: a missing domain is
// NOT_FOUND, an operation the domain's state forbids is an INVALID_STATE
// conflict and an unreachable host is a transient CONNECTION_ERROR.
package virsh
