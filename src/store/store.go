// Package store is the document-store access layer used by the engine.
//
// Two implementations are provided: MongoStore over the official MongoDB
// driver, and MemoryStore, an in-process store with the same query,
// transaction and uniqueness semantics, used for tests and embedded setups.
package store

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// DocumentStore opens collections and runs session-scoped transactions.
type DocumentStore interface {
	Collection(name string) Collection

	// WithTransaction runs fn inside one transaction. The context passed to fn
	// carries the transaction; every Collection call made with it (or with a
	// context derived from it) participates. The transaction commits when fn
	// returns nil and aborts otherwise. The session is released on every exit
	// path, including a panic in fn. Nothing is retried.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Collection is a named set of documents.
type Collection interface {
	Name() string

	// Aggregate runs pipeline and materializes every resulting document.
	Aggregate(ctx context.Context, pipeline mongo.Pipeline) ([]bson.Raw, error)

	// CountDocuments counts the documents matching filter. A nil filter
	// matches everything.
	CountDocuments(ctx context.Context, filter interface{}) (int64, error)

	// Upsert replaces the document matching filter with doc, inserting it when
	// nothing matches. Store-level document validation is bypassed.
	Upsert(ctx context.Context, filter interface{}, doc interface{}) error

	// DeleteMany removes every document matching filter.
	DeleteMany(ctx context.Context, filter interface{}) (int64, error)
}

func filterOrEmpty(filter interface{}) interface{} {
	if filter == nil {
		return bson.D{}
	}
	return filter
}
