// Package model defines the immutable value types the sync core operates on:
// paths, keys, versions, field values, documents, mutations and batches.
package model

import "fmt"

// InvariantError reports a broken internal invariant. It is always fatal
// to the unit of work that raised it.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string {
	return "internal invariant violated: " + e.Message
}

// Fail panics with an *InvariantError.
func Fail(format string, args ...any) {
	panic(&InvariantError{Message: fmt.Sprintf(format, args...)})
}

// Assert calls Fail when cond is false.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		Fail(format, args...)
	}
}
