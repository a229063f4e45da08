package resolver

import (
	"fmt"
	"regexp"
)

var variablePattern = regexp.MustCompile(`\{\{\s*[A-Za-z0-9_]+\s*\}\}`)

// ResolutionErrorKind enumerates the error kinds that are fatal to a
// single resolve.
type ResolutionErrorKind string

const (
	UndefinedVariable ResolutionErrorKind = "undefined_variable"
	TypeMismatch      ResolutionErrorKind = "type_mismatch"
	AmbiguousRule     ResolutionErrorKind = "ambiguous_rule"
)

// ResolutionError is fatal for the single resolve it occurred in; a
// deployment plan aborts if encountered during planning, but the drift
// engine records it as an UNEXPECTED_DRIFT diagnostic and continues.
type ResolutionError struct {
	Kind   ResolutionErrorKind
	Detail string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolver: %s: %s", e.Kind, e.Detail)
}
