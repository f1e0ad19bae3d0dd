package vcs

import (
	"sort"
	"strings"
)

// ConfigurationProblem describes one invalid-configuration finding.
type ConfigurationProblem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (p ConfigurationProblem) String() string {
	if p.Field == "" {
		return p.Message
	}
	return p.Field + ": " + p.Message
}

// InvalidConfigError rejects a configuration that has at least one problem.
type InvalidConfigError struct {
	Identity ServerIdentity
	Problems []ConfigurationProblem
}

func (e *InvalidConfigError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.String())
	}
	return "invalid configuration for " + e.Identity.String() + ": " + strings.Join(parts, "; ")
}

// Fingerprint returns a key that is equal for equal problem sets regardless
// of order. It is used to report a given set of problems only once.
func (e *InvalidConfigError) Fingerprint() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Field+"\x1f"+p.Message)
	}
	sort.Strings(parts)
	return strings.Join(parts, "\x1e")
}

// Validate returns nil for an empty problem set, or an *InvalidConfigError.
func Validate(id ServerIdentity, problems []ConfigurationProblem) error {
	if len(problems) == 0 {
		return nil
	}
	return &InvalidConfigError{Identity: id, Problems: problems}
}
