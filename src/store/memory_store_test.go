package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

func newTestStore(opts ...MemoryOption) *MemoryStore {
	return NewMemoryStore(zap.NewNop().Sugar(), opts...)
}

func user(id interface{}, name, email string) bson.D {
	return bson.D{{Key: "_id", Value: id}, {Key: "name", Value: name}, {Key: "email", Value: email}}
}

func allDocs(t *testing.T, coll Collection) []bson.D {
	t.Helper()
	raws, err := coll.Aggregate(context.Background(), mongo.Pipeline{{{Key: "$match", Value: bson.D{}}}})
	require.NoError(t, err)

	docs := make([]bson.D, 0, len(raws))
	for _, raw := range raws {
		var doc bson.D
		require.NoError(t, bson.Unmarshal(raw, &doc))
		docs = append(docs, doc)
	}
	return docs
}

func idFilter(id interface{}) bson.D {
	return bson.D{{Key: "_id", Value: id}}
}

func TestMemoryStore_UpsertInsertsAndReplaces(t *testing.T) {
	ctx := context.Background()
	users := newTestStore().Collection("users")
	assert.Equal(t, "users", users.Name())

	require.NoError(t, users.Upsert(ctx, idFilter("a"), user("a", "Ann", "ann@example.com")))
	require.NoError(t, users.Upsert(ctx, idFilter("b"), user("b", "Bob", "bob@example.com")))
	require.NoError(t, users.Upsert(ctx, idFilter("a"), user("a", "Anna", "anna@example.com")))

	docs := allDocs(t, users)
	require.Len(t, docs, 2)
	assert.Equal(t, user("a", "Anna", "anna@example.com"), docs[0], "replacement keeps insertion position")
	assert.Equal(t, user("b", "Bob", "bob@example.com"), docs[1])
}

func TestMemoryStore_UpsertTakesIDFromFilter(t *testing.T) {
	ctx := context.Background()
	users := newTestStore().Collection("users")

	require.NoError(t, users.Upsert(ctx, idFilter(int32(7)), bson.D{{Key: "name", Value: "Cy"}}))

	docs := allDocs(t, users)
	require.Len(t, docs, 1)
	assert.Equal(t, bson.D{{Key: "_id", Value: int32(7)}, {Key: "name", Value: "Cy"}}, docs[0])

	// int64(7) addresses the same document
	require.NoError(t, users.Upsert(ctx, idFilter(int64(7)), bson.D{{Key: "name", Value: "Cyd"}}))
	count, err := users.CountDocuments(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestMemoryStore_UpsertRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	users := newTestStore().Collection("users")
	require.NoError(t, users.Upsert(ctx, idFilter("a"), user("a", "Ann", "ann@example.com")))

	// the filter does not match, so the upsert inserts and hits the existing _id
	err := users.Upsert(ctx, bson.D{{Key: "_id", Value: "a"}, {Key: "name", Value: "Zed"}}, user("a", "Zed", "zed@example.com"))

	var dup *DuplicateKeyError
	require.True(t, errors.As(err, &dup), "got %v", err)
	assert.Equal(t, []string{"_id"}, dup.KeyPattern)
	assert.Equal(t, "users", dup.Collection)
	assert.True(t, dup.HasKey("_id"))
}

func TestMemoryStore_UniqueIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	users := s.Collection("users")
	require.NoError(t, s.EnsureUniqueIndex("users", "email"))

	require.NoError(t, users.Upsert(ctx, idFilter("a"), user("a", "Ann", "shared@example.com")))
	err := users.Upsert(ctx, idFilter("b"), user("b", "Bob", "shared@example.com"))

	var dup *DuplicateKeyError
	require.True(t, errors.As(err, &dup), "got %v", err)
	assert.Equal(t, []string{"email"}, dup.KeyPattern)
	assert.False(t, dup.HasKey("_id"))

	// replacing the holder of the key is fine
	require.NoError(t, users.Upsert(ctx, idFilter("a"), user("a", "Ann B.", "shared@example.com")))
}

func TestMemoryStore_EnsureUniqueIndexOnExistingDuplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	users := s.Collection("users")
	require.NoError(t, users.Upsert(ctx, idFilter("a"), user("a", "Ann", "x@example.com")))
	require.NoError(t, users.Upsert(ctx, idFilter("b"), user("b", "Bob", "x@example.com")))

	var dup *DuplicateKeyError
	assert.True(t, errors.As(s.EnsureUniqueIndex("users", "email"), &dup))
	assert.Error(t, s.EnsureUniqueIndex("users"))
}

func TestMemoryStore_CountAndDelete(t *testing.T) {
	ctx := context.Background()
	users := newTestStore().Collection("users")
	require.NoError(t, users.Upsert(ctx, idFilter("a"), user("a", "Ann", "a@example.com")))
	require.NoError(t, users.Upsert(ctx, idFilter("b"), user("b", "Bob", "b@example.com")))
	require.NoError(t, users.Upsert(ctx, idFilter("c"), user("c", "Bob", "c@example.com")))

	count, err := users.CountDocuments(ctx, bson.D{{Key: "name", Value: "Bob"}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	deleted, err := users.DeleteMany(ctx, bson.D{{Key: "name", Value: "Bob"}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	deleted, err = users.DeleteMany(ctx, bson.D{{Key: "name", Value: "Bob"}})
	require.NoError(t, err)
	assert.Zero(t, deleted)

	docs := allDocs(t, users)
	require.Len(t, docs, 1)
	assert.Equal(t, "a", docs[0][0].Value)

	// a deleted id can be inserted again and goes to the end
	require.NoError(t, users.Upsert(ctx, idFilter("b"), user("b", "Bob", "b@example.com")))
	docs = allDocs(t, users)
	require.Len(t, docs, 2)
	assert.Equal(t, "b", docs[1][0].Value)
}

func TestMemoryStore_TransactionCommit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	users := s.Collection("users")

	err := s.WithTransaction(ctx, func(txnCtx context.Context) error {
		if err := users.Upsert(txnCtx, idFilter("a"), user("a", "Ann", "a@example.com")); err != nil {
			return err
		}

		inside, err := users.CountDocuments(txnCtx, nil)
		require.NoError(t, err)
		assert.EqualValues(t, 1, inside, "a transaction reads its own writes")

		outside, err := users.CountDocuments(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, outside, "staged writes are invisible outside the transaction")
		return nil
	})
	require.NoError(t, err)

	count, err := users.CountDocuments(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestMemoryStore_TransactionAbortsOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	users := s.Collection("users")
	boom := errors.New("boom")

	var txnCtx context.Context
	err := s.WithTransaction(ctx, func(c context.Context) error {
		txnCtx = c
		require.NoError(t, users.Upsert(c, idFilter("a"), user("a", "Ann", "a@example.com")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	count, err := users.CountDocuments(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, count)

	// the aborted transaction cannot be used any more
	err = users.Upsert(txnCtx, idFilter("b"), user("b", "Bob", "b@example.com"))
	assert.ErrorIs(t, err, ErrTransactionClosed)
}

func TestMemoryStore_TransactionAbortsOnPanic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	users := s.Collection("users")

	assert.Panics(t, func() {
		_ = s.WithTransaction(ctx, func(c context.Context) error {
			require.NoError(t, users.Upsert(c, idFilter("a"), user("a", "Ann", "a@example.com")))
			panic("lost")
		})
	})

	count, err := users.CountDocuments(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMemoryStore_NestedTransaction(t *testing.T) {
	s := newTestStore()
	err := s.WithTransaction(context.Background(), func(c context.Context) error {
		return s.WithTransaction(c, func(context.Context) error { return nil })
	})
	assert.ErrorIs(t, err, ErrTransactionInProgress)
}

func TestMemoryStore_WriteConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	users := s.Collection("users")
	require.NoError(t, users.Upsert(ctx, idFilter("a"), user("a", "Ann", "a@example.com")))

	err := s.WithTransaction(ctx, func(c context.Context) error {
		// committed by someone else after this transaction began
		require.NoError(t, users.Upsert(ctx, idFilter("a"), user("a", "Anna", "a@example.com")))
		return users.Upsert(c, idFilter("a"), user("a", "Annie", "a@example.com"))
	})
	assert.ErrorIs(t, err, ErrWriteConflict)

	docs := allDocs(t, users)
	require.Len(t, docs, 1)
	assert.Equal(t, "Anna", docs[0][1].Value)
}

func TestMemoryStore_WriteConflictAtCommit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	users := s.Collection("users")
	require.NoError(t, users.Upsert(ctx, idFilter("a"), user("a", "Ann", "a@example.com")))

	err := s.WithTransaction(ctx, func(c context.Context) error {
		if err := users.Upsert(c, idFilter("a"), user("a", "Annie", "a@example.com")); err != nil {
			return err
		}
		return users.Upsert(ctx, idFilter("a"), user("a", "Anna", "a@example.com"))
	})
	assert.ErrorIs(t, err, ErrWriteConflict)

	docs := allDocs(t, users)
	require.Len(t, docs, 1)
	assert.Equal(t, "Anna", docs[0][1].Value)
}

func TestMemoryStore_WriteHook(t *testing.T) {
	ctx := context.Background()
	rejected := errors.New("rejected")
	s := newTestStore(WithWriteHook(func(collection string, doc bson.Raw) error {
		if name, ok := doc.Lookup("name").StringValueOK(); ok && name == "Mallory" {
			return rejected
		}
		return nil
	}))
	users := s.Collection("users")

	require.NoError(t, users.Upsert(ctx, idFilter("a"), user("a", "Ann", "a@example.com")))
	assert.ErrorIs(t, users.Upsert(ctx, idFilter("m"), user("m", "Mallory", "m@example.com")), rejected)

	count, err := users.CountDocuments(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := newTestStore()
	users := s.Collection("users")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, users.Upsert(ctx, idFilter("a"), user("a", "Ann", "a@example.com")), context.Canceled)
	_, err := users.CountDocuments(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, s.WithTransaction(ctx, func(context.Context) error { return nil }), context.Canceled)
}

func TestMemoryStore_TransactionDeleteAndReinsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	users := s.Collection("users")
	require.NoError(t, users.Upsert(ctx, idFilter("a"), user("a", "Ann", "a@example.com")))

	err := s.WithTransaction(ctx, func(c context.Context) error {
		deleted, err := users.DeleteMany(c, idFilter("a"))
		require.NoError(t, err)
		assert.EqualValues(t, 1, deleted)

		count, err := users.CountDocuments(c, nil)
		require.NoError(t, err)
		assert.Zero(t, count)

		return users.Upsert(c, idFilter("b"), user("b", "Bob", "b@example.com"))
	})
	require.NoError(t, err)

	docs := allDocs(t, users)
	require.Len(t, docs, 1)
	assert.Equal(t, "b", docs[0][0].Value)
}
