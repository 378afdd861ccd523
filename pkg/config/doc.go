// Package config loads the virtsync configuration file and watches files
// for changes.
//
// The file is YAML, decoded on top of Default and validated with struct
// tags:
//
//	logging: {level: info, format: console, output: stderr}
//	tracing: {enabled: false, exporter: none}
//	metrics: {enabled: false, listen_address: ":9090", path: /metrics, namespace: virtsync}
//	defaults: {transient: false, graceful: true, wait: 60s, poll_interval: 2s}
//	ignore_rules_file: ignore.yaml
//	ignore:
//	  domain:
//	    attributes: [id]
//	policies: {enabled: true, paths: [policies/], environment: production}
//	journal: {path: virtsync.db, retention: 720h}
//	hypervisor:
//	  uri: qemu+ssh://root@kvm1/system
//	  ssh: {auth: key, private_key: keys/id_ed25519, known_hosts: ~/.ssh/known_hosts}
//
// A file ending in .cue is evaluated with CUE instead and must satisfy the
// embedded #Config schema before it is decoded the same way. Relative
// paths are resolved against the directory of the configuration file.
package config
