package policy

// BuiltinPolicies returns the policies compiled into the binary. They are
// always loaded; user policy files are layered on top.
func BuiltinPolicies() []Policy {
	return []Policy{
		elevatedModulesPolicy(),
		criticalSeverityPolicy(),
		noDepsPolicy(),
	}
}

// elevatedModulesPolicy blocks modules whose steps run elevated commands
// when the run context does not permit elevation.
func elevatedModulesPolicy() Policy {
	return Policy{
		Name:        "elevated-modules",
		Description: "Blocks modules requiring elevated privileges unless the run allows elevation",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package caldera.policies.elevated

import rego.v1

deny contains violation if {
	not input.context.allow_elevated
	some m in input.modules
	m.elevated
	violation := {
		"message": sprintf("module %s requires elevated privileges but elevation is not allowed", [m.id]),
		"severity": "error",
		"module": m.id,
	}
}
`,
	}
}

// criticalSeverityPolicy warns about critical-impact modules in unattended
// runs. Undoing a critical change (shell switch, /etc edits) without an
// operator watching is where rollback surprises happen.
func criticalSeverityPolicy() Policy {
	return Policy{
		Name:        "critical-unattended",
		Description: "Warns when critical-severity modules run unattended",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package caldera.policies.critical

import rego.v1

deny contains violation if {
	input.context.unattended
	some m in input.modules
	m.max_severity == "critical"
	violation := {
		"message": sprintf("module %s applies critical-severity changes in an unattended run", [m.id]),
		"severity": "warning",
		"module": m.id,
	}
}
`,
	}
}

// noDepsPolicy surfaces plans built without dependency expansion.
func noDepsPolicy() Policy {
	return Policy{
		Name:        "no-deps",
		Description: "Warns when dependency expansion is disabled",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package caldera.policies.nodeps

import rego.v1

deny contains violation if {
	input.context.no_deps
	violation := {
		"message": "dependency expansion is disabled, the plan may be functionally incomplete",
		"severity": "warning",
	}
}
`,
	}
}
