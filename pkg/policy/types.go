package policy

import (
	"time"

	"github.com/openfroyo/virtsync/pkg/converge"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are logged but never block.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the converge run.
	SeverityError Severity = "error"

	// SeverityCritical blocks the converge run.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies the run.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Validate checks that s is a known severity.
func (s Severity) Validate() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	default:
		return false
	}
}

// Policy is a Rego module whose deny set is evaluated against every review.
//
// The deny rule may produce strings or objects with "message" and an
// optional "severity" overriding the policy's default.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description,omitempty"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one member of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Domain   string   `json:"domain,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy once.
type Result struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists the non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate. They do not block.
	Errors []string `json:"errors,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as input. The review's fields sit at
// the top level, next to context.
type Input struct {
	*converge.Review

	Context *Context `json:"context"`
}

// Context provides information about where the evaluation happens.
type Context struct {
	// Environment is the environment (e.g. "production", "staging").
	Environment string `json:"environment,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}
