package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"mongodm/src/engine"
	"mongodm/src/models"
	"mongodm/src/samples"
	"mongodm/src/store"
)

// node references other nodes of the same model, so graphs of nodes can
// contain cycles and shared children.
type node struct {
	ID    string
	Left  *node
	Right *node
}

var nodeModel = &models.Model{Collection: "nodes", PrimaryKey: "id"}

func init() {
	nodeModel.References = []models.Reference{
		{Field: "left", KeyName: "left_id", Model: nodeModel},
		{Field: "right", KeyName: "right_id", Model: nodeModel},
	}
}

func (n *node) Model() *models.Model         { return nodeModel }
func (n *node) PrimaryKeyValue() interface{} { return n.ID }

// Referenced hands back typed nil pointers on purpose.
func (n *node) Referenced(field string) models.Instance {
	if field == "left" {
		return n.Left
	}
	return n.Right
}

func (n *node) ToDocument() (models.Document, error) {
	var left, right interface{}
	if n.Left != nil {
		left = n.Left.ID
	}
	if n.Right != nil {
		right = n.Right.ID
	}
	return models.NewDocument(n.ID,
		bson.E{Key: "left_id", Value: left},
		bson.E{Key: "right_id", Value: right},
	), nil
}

func (n *node) ParseDocument(raw bson.Raw) error {
	n.ID = raw.Lookup("_id").StringValue()
	return nil
}

func countNodes(t *testing.T, eng *engine.Engine) int64 {
	t.Helper()
	n, err := engine.Count[node](context.Background(), eng, nil)
	require.NoError(t, err)
	return n
}

func TestSave_RejectsCycles(t *testing.T) {
	ctx := context.Background()

	t.Run("self reference", func(t *testing.T) {
		eng, _ := newTestEngine(t)
		a := &node{ID: "a"}
		a.Left = a

		_, err := eng.Save(ctx, a)
		assert.True(t, errors.Is(err, engine.ErrCyclicReference), "got %v", err)
		assert.Zero(t, countNodes(t, eng))
	})

	t.Run("two step cycle", func(t *testing.T) {
		eng, _ := newTestEngine(t)
		a := &node{ID: "a"}
		b := &node{ID: "b", Right: a}
		a.Left = b

		_, err := eng.Save(ctx, a)
		assert.True(t, errors.Is(err, engine.ErrCyclicReference), "got %v", err)
		assert.Zero(t, countNodes(t, eng))
	})

	t.Run("distinct instances with the same key", func(t *testing.T) {
		eng, _ := newTestEngine(t)
		a := &node{ID: "a", Left: &node{ID: "b", Left: &node{ID: "a"}}}

		_, err := eng.Save(ctx, a)
		assert.True(t, errors.Is(err, engine.ErrCyclicReference), "got %v", err)
		assert.Zero(t, countNodes(t, eng))
	})
}

func TestSave_SharedChildren(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	d := &node{ID: "d"}
	a := &node{
		ID:    "a",
		Left:  &node{ID: "b", Left: d},
		Right: &node{ID: "c", Right: d},
	}

	_, err := eng.Save(ctx, a)
	require.NoError(t, err)
	assert.EqualValues(t, 4, countNodes(t, eng))
}

func TestSave_Chain(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	var head *node
	for _, id := range []string{"e", "d", "c", "b", "a"} {
		head = &node{ID: id, Left: head}
	}

	_, err := eng.Save(ctx, head)
	require.NoError(t, err)
	assert.EqualValues(t, 5, countNodes(t, eng))
}

// item is keyed by a primary key of any BSON type.
type item struct {
	ID    interface{}
	Child *item
}

var itemModel = &models.Model{Collection: "items", PrimaryKey: "id"}

func init() {
	itemModel.References = []models.Reference{{Field: "child", KeyName: "child_id", Model: itemModel}}
}

func (i *item) Model() *models.Model              { return itemModel }
func (i *item) PrimaryKeyValue() interface{}      { return i.ID }
func (i *item) Referenced(string) models.Instance { return i.Child }
func (i *item) ParseDocument(raw bson.Raw) error  { return nil }
func (i *item) ToDocument() (models.Document, error) {
	var child interface{}
	if i.Child != nil {
		child = i.Child.ID
	}
	return models.NewDocument(i.ID, bson.E{Key: "child_id", Value: child}), nil
}

func TestSave_KeysOfDifferentTypesAreDistinct(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	root := &item{ID: int32(1), Child: &item{ID: "1"}}
	_, err := eng.Save(ctx, root)
	require.NoError(t, err)

	n, err := engine.Count[item](ctx, eng, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestSave_NumericKeysCompareAcrossWidths(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	// the store addresses both as the same _id
	root := &item{ID: int32(7), Child: &item{ID: int64(7)}}
	_, err := eng.Save(ctx, root)
	assert.True(t, errors.Is(err, engine.ErrCyclicReference), "got %v", err)

	n, err := engine.Count[item](ctx, eng, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// writeLog records "collection/_id" for every document write in order.
type writeLog struct {
	mu     sync.Mutex
	writes []string
}

func (l *writeLog) option() store.MemoryOption {
	return store.WithWriteHook(func(collection string, doc bson.Raw) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.writes = append(l.writes, fmt.Sprintf("%s/%s", collection, doc.Lookup("_id").StringValue()))
		return nil
	})
}

func (l *writeLog) position(t *testing.T, write string) int {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, w := range l.writes {
		if w == write {
			return i
		}
	}
	t.Fatalf("%s was never written; writes: %v", write, l.writes)
	return -1
}

func TestSave_ReferencesAreWrittenBeforeTheParent(t *testing.T) {
	ctx := context.Background()
	log := &writeLog{}
	eng, _ := newTestEngine(t, log.option())

	publisher := samples.NewPublisher("Tor", "US")
	author := samples.NewAuthor("Ada Palmer", 1981)
	book := samples.NewBook("Too Like the Lightning", 432, publisher, author)
	_, err := eng.Save(ctx, book)
	require.NoError(t, err)

	bookAt := log.position(t, "books/"+book.ID)
	assert.Greater(t, bookAt, log.position(t, "publishers/"+publisher.ID))
	assert.Greater(t, bookAt, log.position(t, "authors/"+author.ID))
	assert.Len(t, log.writes, 3)
}

func TestSave_ChainIsWrittenLeafFirst(t *testing.T) {
	ctx := context.Background()
	log := &writeLog{}
	eng, _ := newTestEngine(t, log.option())

	var head *node
	for _, id := range []string{"e", "d", "c", "b", "a"} {
		head = &node{ID: id, Left: head}
	}
	_, err := eng.Save(ctx, head)
	require.NoError(t, err)

	assert.Equal(t, []string{"nodes/e", "nodes/d", "nodes/c", "nodes/b", "nodes/a"}, log.writes)
}
