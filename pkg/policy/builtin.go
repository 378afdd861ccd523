package policy

// BuiltinPolicies returns the policies every engine starts with. They only
// warn; deny policies come from policy files.
func BuiltinPolicies() []Policy {
	return []Policy{
		forcedStopPolicy(),
		removeActivePolicy(),
		transientDriftPolicy(),
	}
}

// forcedStopPolicy warns when a running domain will be stopped with destroy.
func forcedStopPolicy() Policy {
	return Policy{
		Name:        "forced-stop",
		Description: "Warns when a transition stops a domain with destroy instead of shutdown",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package virtsync.builtin.forced_stop

deny contains msg if {
	input.phase == "transition"
	some step in input.steps
	step.effector == "destroy"
	msg := sprintf("domain %s will be stopped with destroy", [input.name])
}
`,
	}
}

// removeActivePolicy warns when an active domain is about to be removed.
func removeActivePolicy() Policy {
	return Policy{
		Name:        "remove-active",
		Description: "Warns when a running or paused domain is removed",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package virtsync.builtin.remove_active

active := {"running", "paused"}

deny contains msg if {
	input.phase == "transition"
	input.to == "undefined"
	active[input.from]
	msg := sprintf("domain %s is %s and will be removed", [input.name, input.from])
}
`,
	}
}

// transientDriftPolicy notes that a transient domain's definition drift
// cannot be applied.
func transientDriftPolicy() Policy {
	return Policy{
		Name:        "transient-drift",
		Description: "Reports definition drift on transient domains, which are never redefined",
		Severity:    SeverityInfo,
		Enabled:     true,
		Rego: `package virtsync.builtin.transient_drift

deny contains msg if {
	input.phase == "definition"
	input.policy.transient
	counted := [c | some c in input.changes; not c.ignored]
	count(counted) > 0
	msg := sprintf("transient domain %s has %d definition changes that will not be applied", [input.name, count(counted)])
}
`,
	}
}
