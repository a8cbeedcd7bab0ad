// ABOUTME: Validation diagnostics for diagram compilation.
// ABOUTME: Pluggable LintRule interface, Validate/ValidateOrError, and the CompileError type.

package compile

import (
	"fmt"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
)

// Severity represents diagnostic severity level.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
	SeverityInfo
)

// String returns a human-readable name for the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "ERROR"
	case SeverityWarning:
		return "WARNING"
	case SeverityInfo:
		return "INFO"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Diagnostic represents a validation finding.
type Diagnostic struct {
	Rule     string
	Severity Severity
	Message  string
	NodeID   diagram.NodeID  // optional
	ArrowID  diagram.ArrowID // optional
	Fix      string          // optional suggested fix
}

// LintRule is the interface for validation rules.
type LintRule interface {
	Name() string
	Apply(d *diagram.Diagram) []Diagnostic
}

// builtinRules returns all built-in lint rules.
func builtinRules() []LintRule {
	return []LintRule{
		&startNodeRule{},
		&knownKindRule{},
		&handleResolutionRule{},
		&startNoIncomingRule{},
		&endpointNoOutgoingRule{},
		&conditionSingleInputRule{},
		&conditionBranchLabelRule{},
		&firstHandleRule{},
		&personRefRule{},
		&maxIterationRule{},
		&reachabilityRule{},
	}
}

// Validate runs all built-in lint rules plus any extra rules on the diagram.
func Validate(d *diagram.Diagram, extraRules ...LintRule) []Diagnostic {
	var diags []Diagnostic
	rules := builtinRules()
	rules = append(rules, extraRules...)
	for _, rule := range rules {
		diags = append(diags, rule.Apply(d)...)
	}
	return diags
}

// ValidateOrError runs validation and returns a *CompileError if any
// ERROR-severity diagnostics exist.
func ValidateOrError(d *diagram.Diagram, extraRules ...LintRule) ([]Diagnostic, error) {
	diags := Validate(d, extraRules...)
	if err := errorFromDiagnostics(diags); err != nil {
		return diags, err
	}
	return diags, nil
}

// CompileError aggregates the ERROR-severity diagnostics that stopped
// compilation.
type CompileError struct {
	Diagnostics []Diagnostic
}

func (e *CompileError) Error() string {
	if len(e.Diagnostics) == 1 {
		return fmt.Sprintf("diagram validation failed: %s", e.Diagnostics[0].Message)
	}
	return fmt.Sprintf("diagram validation failed with %d errors (first: %s)",
		len(e.Diagnostics), e.Diagnostics[0].Message)
}

func errorFromDiagnostics(diags []Diagnostic) error {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &CompileError{Diagnostics: errs}
}
