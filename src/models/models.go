package models

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// IDField is the document key every primary-key value is stored under.
const IDField = "_id"

// ErrInvalidModel is returned when a value that should describe a storable
// entity type does not.
var ErrInvalidModel = errors.New("mongodm: not a valid model")

// Model describes a storable entity type: where its documents live, which
// field is the primary key and which fields reference other models.
type Model struct {
	// Collection is the name of the collection holding the documents.
	Collection string

	// PrimaryKey is the name of the entity field holding the primary key.
	// Its value is always persisted under IDField.
	PrimaryKey string

	// References lists the reference fields in declaration order.
	References []Reference
}

// Reference describes a field whose value is an instance of another model.
type Reference struct {
	// Field is the reference field name. Query results carry the joined
	// foreign document under this name.
	Field string

	// KeyName is the local document field holding the foreign primary key.
	KeyName string

	// Model is the foreign model.
	Model *Model
}

// NewModel builds and validates a model descriptor.
func NewModel(collection, primaryKey string, references ...Reference) (*Model, error) {
	m := &Model{
		Collection: collection,
		PrimaryKey: primaryKey,
		References: references,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// MustModel is like NewModel but panics on an invalid descriptor. It is meant
// for package-level model variables.
func MustModel(collection, primaryKey string, references ...Reference) *Model {
	m, err := NewModel(collection, primaryKey, references...)
	if err != nil {
		panic(err)
	}
	return m
}

// Validate checks the descriptor. Every failure wraps ErrInvalidModel.
func (m *Model) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil descriptor", ErrInvalidModel)
	}
	if m.Collection == "" {
		return fmt.Errorf("%w: collection name is empty", ErrInvalidModel)
	}
	if m.PrimaryKey == "" {
		return fmt.Errorf("%w: %s: primary key name is empty", ErrInvalidModel, m.Collection)
	}

	keyNames := make(map[string]bool, len(m.References))
	for _, ref := range m.References {
		keyNames[ref.KeyName] = true
	}

	fields := make(map[string]bool, len(m.References))
	for _, ref := range m.References {
		switch {
		case ref.Field == "":
			return fmt.Errorf("%w: %s: reference field name is empty", ErrInvalidModel, m.Collection)
		case ref.KeyName == "":
			return fmt.Errorf("%w: %s.%s: reference key name is empty", ErrInvalidModel, m.Collection, ref.Field)
		case ref.Model == nil:
			return fmt.Errorf("%w: %s.%s: reference has no foreign model", ErrInvalidModel, m.Collection, ref.Field)
		case ref.Field == IDField:
			return fmt.Errorf("%w: %s: reference field cannot be %s", ErrInvalidModel, m.Collection, IDField)
		case keyNames[ref.Field]:
			// the joined document would overwrite a foreign key
			return fmt.Errorf("%w: %s.%s: reference field collides with a key name", ErrInvalidModel, m.Collection, ref.Field)
		case fields[ref.Field]:
			return fmt.Errorf("%w: %s.%s: duplicate reference field", ErrInvalidModel, m.Collection, ref.Field)
		}
		fields[ref.Field] = true
	}
	return nil
}

// Reference returns the reference declared under field.
func (m *Model) Reference(field string) (Reference, bool) {
	for _, ref := range m.References {
		if ref.Field == field {
			return ref, true
		}
	}
	return Reference{}, false
}

// Instance is a value of a model type.
//
// Model must not depend on the receiver's fields: it is called on zero values
// to discover the descriptor of a type.
type Instance interface {
	Model() *Model

	// PrimaryKeyValue returns the value stored under IDField.
	PrimaryKeyValue() interface{}

	// ToDocument serializes the instance. Reference fields are stored as
	// their foreign key only.
	ToDocument() (Document, error)

	// Referenced returns the instance held by a reference field, or nil when
	// the field is unset.
	Referenced(field string) Instance
}

// Parser is implemented by pointer types that can load themselves from a
// stored document, including joined reference documents.
type Parser interface {
	ParseDocument(raw bson.Raw) error
}
