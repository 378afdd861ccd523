// Package policy guards converge runs with Open Policy Agent (OPA) policies.
//
// An Engine holds compiled Rego modules. Each module defines a deny set in
// its package; the engine evaluates it against a converge.Review before the
// converger touches a domain. Violations of error or critical severity deny
// the run, lower severities are logged as warnings.
//
// # Input
//
// Policies see the review at the top level of input, plus a context:
//
//	{
//	  "run_id": "...",
//	  "phase": "transition",
//	  "name": "web01",
//	  "requested": "absent",
//	  "from": "running",
//	  "to": "undefined",
//	  "policy": {"transient": false, "graceful": true},
//	  "check_mode": false,
//	  "steps": [{"from": "running", "to": "defined", "effector": "shutdown"}, ...],
//	  "changes": [{"path": "/domain/vcpu/text()", "kind": "text", ...}],
//	  "context": {"environment": "production", "timestamp": "..."}
//	}
//
// # Writing policies
//
// A policy file blocking the removal of production databases:
//
//	# Databases are never removed by virtsync.
//	# severity: error
//	package virtsync.protect_db
//
//	deny contains msg if {
//		input.phase == "transition"
//		input.to == "undefined"
//		startswith(input.name, "db")
//		msg := sprintf("refusing to remove %s", [input.name])
//	}
//
// Members of the deny set may also be objects with "message" and
// "severity" keys.
//
// # Usage
//
//	eng, err := policy.NewEngine(ctx, logger, policy.WithEnvironment("production"))
//	if err != nil {
//		return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//		return err
//	}
//	c := converge.New(hv, converge.WithGuard(eng))
package policy
