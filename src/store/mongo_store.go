package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"mongodm/src/helpers"
)

// MongoStore is a DocumentStore backed by a MongoDB database. Transactions
// require a replica set or sharded cluster.
type MongoStore struct {
	client   *mongo.Client
	database *mongo.Database
	logger   *zap.SugaredLogger
}

// NewMongoStore wraps database on client. The client stays owned by the
// caller.
func NewMongoStore(client *mongo.Client, database string, logger *zap.SugaredLogger) *MongoStore {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MongoStore{
		client:   client,
		database: client.Database(database),
		logger:   logger,
	}
}

func (s *MongoStore) Collection(name string) Collection {
	return &mongoCollection{
		coll:   s.database.Collection(name),
		logger: s.logger,
	}
}

// sessionLockKey marks contexts whose operations share one driver session.
type sessionLockKey struct{}

// WithTransaction starts a session and a transaction around fn.
//
// Driver sessions are not safe for concurrent use, so operations issued from
// goroutines sharing the transaction context are serialized on a mutex.
func (s *MongoStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if mongo.SessionFromContext(ctx) != nil {
		return ErrTransactionInProgress
	}

	txnID := helpers.ShortID(helpers.GenerateUUID())
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	// cleanup must run even when ctx is already cancelled
	cleanupCtx := context.WithoutCancel(ctx)
	defer session.EndSession(cleanupCtx)

	if err := session.StartTransaction(); err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	s.logger.Debugf("txn %s: started", txnID)

	defer func() {
		if r := recover(); r != nil {
			s.abort(cleanupCtx, session, txnID)
			panic(r)
		}
	}()

	sc := mongo.NewSessionContext(context.WithValue(ctx, sessionLockKey{}, &sync.Mutex{}), session)
	if err := fn(sc); err != nil {
		s.abort(cleanupCtx, session, txnID)
		return err
	}

	if err := session.CommitTransaction(cleanupCtx); err != nil {
		s.logger.Debugf("txn %s: commit failed: %v", txnID, err)
		return translateWriteError("", err)
	}
	s.logger.Debugf("txn %s: committed", txnID)
	return nil
}

func (s *MongoStore) abort(ctx context.Context, session mongo.Session, txnID string) {
	if err := session.AbortTransaction(ctx); err != nil {
		s.logger.Warnf("txn %s: abort failed: %v", txnID, err)
		return
	}
	s.logger.Debugf("txn %s: aborted", txnID)
}

func lockSession(ctx context.Context) func() {
	mu, ok := ctx.Value(sessionLockKey{}).(*sync.Mutex)
	if !ok {
		return func() {}
	}
	mu.Lock()
	return mu.Unlock
}

type mongoCollection struct {
	coll   *mongo.Collection
	logger *zap.SugaredLogger
}

func (c *mongoCollection) Name() string {
	return c.coll.Name()
}

func (c *mongoCollection) Aggregate(ctx context.Context, pipeline mongo.Pipeline) ([]bson.Raw, error) {
	unlock := lockSession(ctx)
	defer unlock()

	cursor, err := c.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	docs := []bson.Raw{}
	for cursor.Next(ctx) {
		// Current is only valid until the next call to Next
		docs = append(docs, append(bson.Raw(nil), cursor.Current...))
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c *mongoCollection) CountDocuments(ctx context.Context, filter interface{}) (int64, error) {
	unlock := lockSession(ctx)
	defer unlock()

	return c.coll.CountDocuments(ctx, filterOrEmpty(filter))
}

func (c *mongoCollection) Upsert(ctx context.Context, filter interface{}, doc interface{}) error {
	unlock := lockSession(ctx)
	defer unlock()

	opts := options.Replace().SetUpsert(true).SetBypassDocumentValidation(true)
	if _, err := c.coll.ReplaceOne(ctx, filterOrEmpty(filter), doc, opts); err != nil {
		return translateWriteError(c.coll.Name(), err)
	}
	return nil
}

func (c *mongoCollection) DeleteMany(ctx context.Context, filter interface{}) (int64, error) {
	unlock := lockSession(ctx)
	defer unlock()

	result, err := c.coll.DeleteMany(ctx, filterOrEmpty(filter))
	if err != nil {
		return 0, err
	}
	return result.DeletedCount, nil
}

// Server error codes reported for unique index violations.
var duplicateKeyCodes = map[int]bool{11000: true, 11001: true, 12582: true}

// translateWriteError turns driver duplicate-key failures into
// *DuplicateKeyError and returns every other error unchanged.
func translateWriteError(collection string, err error) error {
	if err == nil {
		return nil
	}

	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, writeErr := range we.WriteErrors {
			if duplicateKeyCodes[writeErr.Code] {
				return &DuplicateKeyError{
					Collection: collection,
					KeyPattern: keyPattern(writeErr.Raw, writeErr.Message),
					Err:        err,
				}
			}
		}
	}

	var ce mongo.CommandError
	if errors.As(err, &ce) && duplicateKeyCodes[int(ce.Code)] {
		return &DuplicateKeyError{
			Collection: collection,
			KeyPattern: keyPattern(ce.Raw, ce.Message),
			Err:        err,
		}
	}
	return err
}

// keyPattern reads the violated index fields from the server reply, falling
// back to the index name embedded in the error message.
func keyPattern(raw bson.Raw, message string) []string {
	if len(raw) > 0 {
		if value, err := raw.LookupErr("keyPattern"); err == nil {
			if doc, ok := value.DocumentOK(); ok {
				if elems, err := doc.Elements(); err == nil && len(elems) > 0 {
					fields := make([]string, 0, len(elems))
					for _, elem := range elems {
						fields = append(fields, elem.Key())
					}
					return fields
				}
			}
		}
	}
	return indexFields(indexName(message))
}

// indexName extracts "name" from "... index: name dup key: ...".
func indexName(message string) string {
	_, rest, found := strings.Cut(message, "index: ")
	if !found {
		return ""
	}
	name, _, _ := strings.Cut(rest, " ")
	return name
}

// indexFields recovers the field names from a default index name such as
// "_id_" or "isbn_1_year_-1".
func indexFields(name string) []string {
	if name == "" {
		return nil
	}
	if name == "_id_" {
		return []string{"_id"}
	}

	var fields []string
	parts := strings.Split(name, "_")
	start := 0
	for i, part := range parts {
		switch part {
		case "1", "-1", "text", "hashed", "2d", "2dsphere":
			if i > start {
				fields = append(fields, strings.Join(parts[start:i], "_"))
			}
			start = i + 1
		}
	}
	if len(fields) == 0 {
		return []string{name}
	}
	return fields
}
