package engine

import (
	"errors"
	"fmt"

	"mongodm/src/models"
	"mongodm/src/store"
)

var (
	// ErrInvalidModel is returned when a type that is not a usable model is
	// passed where one is required.
	ErrInvalidModel = models.ErrInvalidModel

	// ErrDuplicatePrimaryKey is matched by every *DuplicatePrimaryKeyError.
	ErrDuplicatePrimaryKey = errors.New("mongodm: duplicate primary key")

	// ErrCyclicReference is returned when an instance is reachable from
	// itself through reference fields.
	ErrCyclicReference = errors.New("mongodm: cyclic reference")
)

// DuplicatePrimaryKeyError is returned by Save when the store rejects the
// primary key of a document in the saved graph.
type DuplicatePrimaryKeyError struct {
	// Instance is the instance whose save failed.
	Instance models.Instance
	Err      error
}

func (e *DuplicatePrimaryKeyError) Error() string {
	return fmt.Sprintf("mongodm: duplicate primary key %v in collection %q",
		e.Instance.PrimaryKeyValue(), e.Instance.Model().Collection)
}

func (e *DuplicatePrimaryKeyError) Is(target error) bool {
	return target == ErrDuplicatePrimaryKey
}

func (e *DuplicatePrimaryKeyError) Unwrap() error {
	return e.Err
}

// translateSaveError maps a uniqueness violation on the primary key to a
// *DuplicatePrimaryKeyError. Every other error is returned as is.
func translateSaveError(instance models.Instance, err error) error {
	var dup *store.DuplicateKeyError
	if errors.As(err, &dup) && dup.HasKey(models.IDField) {
		return &DuplicatePrimaryKeyError{Instance: instance, Err: err}
	}
	return err
}
