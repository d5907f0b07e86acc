package sandbox

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a ValidationError.
type ErrorKind string

const (
	KindTooLarge     ErrorKind = "too_large"
	KindForbiddenTag ErrorKind = "forbidden_tag"
	KindSyntax       ErrorKind = "syntax"
	KindUndeclared   ErrorKind = "undeclared_variable"
)

// ValidationError is returned when a template body fails static checks.
type ValidationError struct {
	Kind    ErrorKind
	Line    int
	Message string
	// Names lists every offending identifier for KindUndeclared, sorted.
	Names []string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Kind == KindUndeclared:
		return fmt.Sprintf("undeclared variables: %s", strings.Join(e.Names, ", "))
	case e.Line > 0:
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	default:
		return e.Message
	}
}

// RenderError is returned when a validated template cannot be rendered
// against a concrete context.
type RenderError struct {
	Line    int
	Message string
}

func (e *RenderError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("render failed at line %d: %s", e.Line, e.Message)
	}
	return "render failed: " + e.Message
}

// undefinedError marks a lookup of a missing name or key; `is defined`
// tests swallow it.
type undefinedError struct {
	what string
	line int
}

func (e *undefinedError) Error() string {
	return fmt.Sprintf("%s is undefined", e.what)
}

func syntaxErr(line int, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Kind: KindSyntax, Line: line, Message: fmt.Sprintf(format, args...)}
}

func renderErr(line int, format string, args ...interface{}) *RenderError {
	return &RenderError{Line: line, Message: fmt.Sprintf(format, args...)}
}
