package models

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// ErrMissingID is returned when a serialized document carries no IDField.
var ErrMissingID = errors.New("mongodm: document has no _id")

// Document is the ordered storage representation of an instance.
type Document = bson.D

// NewDocument builds a document with the primary key first.
func NewDocument(id interface{}, fields ...bson.E) Document {
	doc := make(Document, 0, len(fields)+1)
	doc = append(doc, bson.E{Key: IDField, Value: id})
	for _, field := range fields {
		if field.Key == IDField {
			continue
		}
		doc = append(doc, field)
	}
	return doc
}

// DocumentID returns the primary-key value of doc.
func DocumentID(doc Document) (interface{}, bool) {
	for _, e := range doc {
		if e.Key == IDField {
			return e.Value, true
		}
	}
	return nil, false
}

// IDFilter returns the filter selecting the document stored under id.
func IDFilter(id interface{}) bson.D {
	return bson.D{{Key: IDField, Value: id}}
}

// ParseReference loads the joined document stored under field into target.
// It reports false when the field is absent or does not hold an embedded
// document, e.g. when raw was read without reference expansion.
func ParseReference(raw bson.Raw, field string, target Parser) (bool, error) {
	value, err := raw.LookupErr(field)
	if err != nil {
		return false, nil
	}
	sub, ok := value.DocumentOK()
	if !ok {
		return false, nil
	}
	if err := target.ParseDocument(sub); err != nil {
		return false, fmt.Errorf("parse reference %s: %w", field, err)
	}
	return true, nil
}
