package fhirpath

import (
	"fmt"
	"strings"
)

// ParseError describes why an expression source was rejected.
// Position is a byte offset into the source.
type ParseError struct {
	Position int
	Expected string
	Found    string
}

func (e *ParseError) Error() string {
	found := e.Found
	if found == "" {
		found = "end of input"
	}
	return fmt.Sprintf("parse error at offset %d: expected %s, found %q", e.Position, e.Expected, found)
}

// EvaluationError is a runtime domain, type or arity violation.
// Position is a byte offset into the expression source (-1 if unknown)
// and Path holds the member names navigated before the failure.
type EvaluationError struct {
	Err      error
	Position int
	Path     []string
}

func (e *EvaluationError) Error() string {
	var b strings.Builder
	b.WriteString("evaluation error")
	if e.Position >= 0 {
		fmt.Fprintf(&b, " at offset %d", e.Position)
	}
	if len(e.Path) > 0 {
		fmt.Fprintf(&b, " (path %s)", strings.Join(e.Path, "."))
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}
