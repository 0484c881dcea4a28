package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrWriteConflict is returned when a transaction writes a document that
	// another transaction committed after it began.
	ErrWriteConflict = errors.New("mongodm: write conflict")

	// ErrTransactionClosed is returned when a transaction is used after it
	// committed or aborted.
	ErrTransactionClosed = errors.New("mongodm: transaction already closed")

	// ErrTransactionInProgress is returned when a transaction is started from
	// a context that already carries one.
	ErrTransactionInProgress = errors.New("mongodm: transaction already in progress")

	// ErrUnsupportedStage is returned for pipeline stages the memory store
	// does not implement.
	ErrUnsupportedStage = errors.New("mongodm: unsupported pipeline stage")

	// ErrUnsupportedOperator is returned for query operators the memory store
	// does not implement.
	ErrUnsupportedOperator = errors.New("mongodm: unsupported query operator")
)

// DuplicateKeyError reports a uniqueness violation. KeyPattern holds the
// fields of the violated index.
type DuplicateKeyError struct {
	Collection string
	KeyPattern []string
	Err        error
}

func (e *DuplicateKeyError) Error() string {
	msg := fmt.Sprintf("duplicate key in collection %q on {%s}", e.Collection, strings.Join(e.KeyPattern, ", "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DuplicateKeyError) Unwrap() error {
	return e.Err
}

// HasKey reports whether field is part of the violated key pattern.
func (e *DuplicateKeyError) HasKey(field string) bool {
	for _, k := range e.KeyPattern {
		if k == field {
			return true
		}
	}
	return false
}
