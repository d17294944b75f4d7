package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block the run.
	SeverityError Severity = "error"
)

// Policy is a named Rego rule set.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`
}

// Violation is a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Module is the module ID the violation refers to, when known.
	Module string `json:"module,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating all enabled policies against a plan.
type Result struct {
	// Allowed is false when any error-severity violation exists.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// PlanModule is the per-module view the policies evaluate.
type PlanModule struct {
	ID          string `json:"id"`
	Category    string `json:"category"`
	Phase       string `json:"phase"`
	Elevated    bool   `json:"elevated"`
	MaxSeverity string `json:"max_severity"`
	Reason      string `json:"reason"`
	RequiredBy  string `json:"required_by,omitempty"`
}

// Input is the document handed to Rego as `input`.
type Input struct {
	// Modules are the planned modules in execution order.
	Modules []PlanModule `json:"modules"`

	// Context describes the run conditions.
	Context Context `json:"context"`
}

// Context provides run conditions for policy decisions.
type Context struct {
	// User is the invoking user.
	User string `json:"user,omitempty"`

	// Unattended is true when no operator is watching the run.
	Unattended bool `json:"unattended"`

	// AllowElevated permits modules that run elevated commands.
	AllowElevated bool `json:"allow_elevated"`

	// NoDeps is true when dependency expansion was disabled.
	NoDeps bool `json:"no_deps"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}
