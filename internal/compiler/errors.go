package compiler

import (
	"fmt"
	"strings"
)

// TableProblem names a metadata table that could not be used.
type TableProblem struct {
	Table  string `json:"table"`
	Reason string `json:"reason"`
}

// ConfigurationError aborts bootstrap: a required metadata table is empty
// or invalid. The page never becomes ready.
type ConfigurationError struct {
	Tables []TableProblem `json:"tables"`
}

func (e *ConfigurationError) Error() string {
	parts := make([]string, len(e.Tables))
	for i, p := range e.Tables {
		parts[i] = fmt.Sprintf("%s (%s)", p.Table, p.Reason)
	}
	return "configuration error: metadata tables unusable: " + strings.Join(parts, ", ")
}

// Names returns the offending table names.
func (e *ConfigurationError) Names() []string {
	out := make([]string, len(e.Tables))
	for i, p := range e.Tables {
		out[i] = p.Table
	}
	return out
}
