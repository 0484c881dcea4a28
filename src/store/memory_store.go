package store

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"mongodm/src/helpers"
)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithWriteHook installs a function called before every document write. A
// non-nil error fails the write, which makes it easy to simulate conflicts.
func WithWriteHook(hook func(collection string, doc bson.Raw) error) MemoryOption {
	return func(s *MemoryStore) {
		s.writeHook = hook
	}
}

// MemoryStore is an in-process DocumentStore. Documents are kept as immutable
// BSON bytes in insertion order.
//
// Transactions see committed data plus their own staged writes and apply
// atomically on commit. Writing a document that another transaction
// committed after this one began fails with ErrWriteConflict.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	indexes     map[string][][]string
	version     uint64
	writeHook   func(collection string, doc bson.Raw) error
	logger      *zap.SugaredLogger
}

type memCollection struct {
	keys []string
	docs map[string]memDoc
}

type memDoc struct {
	raw     bson.Raw
	version uint64
}

type memEntry struct {
	key string
	raw bson.Raw
}

// memTxn stages writes per collection in first-write order. A nil raw marks
// a deletion.
type memTxn struct {
	id     string
	start  uint64
	mu     sync.Mutex
	closed bool
	writes map[string]*txnWrites
}

type txnWrites struct {
	keys []string
	docs map[string]bson.Raw
}

type memTxnKey struct{}

// NewMemoryStore creates an empty store.
func NewMemoryStore(logger *zap.SugaredLogger, opts ...MemoryOption) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &MemoryStore{
		collections: make(map[string]*memCollection),
		indexes:     make(map[string][][]string),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Collection(name string) Collection {
	return &memoryCollection{store: s, name: name}
}

// EnsureUniqueIndex declares a unique index over fields of collection.
// Existing documents must already satisfy it.
func (s *MemoryStore) EnsureUniqueIndex(collection string, fields ...string) error {
	if len(fields) == 0 {
		return fmt.Errorf("unique index on %s needs at least one field", collection)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := decodeEntries(s.viewLocked(nil, collection))
	if err != nil {
		return err
	}
	for i, entry := range entries {
		if conflict := findUniqueConflict(entries[:i], entry.key, entry.doc, fields); conflict {
			return &DuplicateKeyError{Collection: collection, KeyPattern: fields}
		}
	}
	s.indexes[collection] = append(s.indexes[collection], fields)
	return nil
}

func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(memTxnKey{}).(*memTxn); ok {
		return ErrTransactionInProgress
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	txn := s.begin()
	s.logger.Debugf("txn %s: started at version %d", txn.id, txn.start)

	defer func() {
		if r := recover(); r != nil {
			s.abort(txn)
			panic(r)
		}
	}()

	if err := fn(context.WithValue(ctx, memTxnKey{}, txn)); err != nil {
		s.abort(txn)
		return err
	}
	if err := s.commit(txn); err != nil {
		s.logger.Debugf("txn %s: commit failed: %v", txn.id, err)
		return err
	}
	s.logger.Debugf("txn %s: committed", txn.id)
	return nil
}

func (s *MemoryStore) begin() *memTxn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &memTxn{
		id:     helpers.ShortID(helpers.GenerateUUID()),
		start:  s.version,
		writes: make(map[string]*txnWrites),
	}
}

func (s *MemoryStore) abort(txn *memTxn) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.closed {
		return
	}
	txn.closed = true
	txn.writes = nil
	s.logger.Debugf("txn %s: aborted", txn.id)
}

func (s *MemoryStore) commit(txn *memTxn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.closed {
		return ErrTransactionClosed
	}
	txn.closed = true

	for name, w := range txn.writes {
		if err := s.checkConflictsLocked(txn, name, w); err != nil {
			return err
		}
		if err := s.checkUniqueLocked(txn, name, w); err != nil {
			return err
		}
	}

	s.version++
	for name, w := range txn.writes {
		s.applyLocked(name, w)
	}
	return nil
}

func (s *MemoryStore) checkConflictsLocked(txn *memTxn, name string, w *txnWrites) error {
	c := s.collections[name]
	if c == nil {
		return nil
	}
	for key := range w.docs {
		if d, ok := c.docs[key]; ok && d.version > txn.start {
			return fmt.Errorf("%w: collection %q", ErrWriteConflict, name)
		}
	}
	return nil
}

// checkUniqueLocked re-validates staged documents against data committed
// since they were written.
func (s *MemoryStore) checkUniqueLocked(txn *memTxn, name string, w *txnWrites) error {
	indexes := s.indexes[name]
	if len(indexes) == 0 {
		return nil
	}
	entries, err := decodeEntries(s.viewLocked(txn, name))
	if err != nil {
		return err
	}
	for key, raw := range w.docs {
		if raw == nil {
			continue
		}
		doc, err := helpers.DecodeBSON(raw)
		if err != nil {
			return err
		}
		for _, fields := range indexes {
			if findUniqueConflict(entries, key, doc, fields) {
				return &DuplicateKeyError{Collection: name, KeyPattern: fields}
			}
		}
	}
	return nil
}

func (s *MemoryStore) applyLocked(name string, w *txnWrites) {
	c := s.collections[name]
	if c == nil {
		c = &memCollection{docs: make(map[string]memDoc)}
		s.collections[name] = c
	}

	deleted := false
	for key, raw := range w.docs {
		if _, exists := c.docs[key]; !exists {
			continue
		}
		if raw == nil {
			delete(c.docs, key)
			deleted = true
			continue
		}
		c.docs[key] = memDoc{raw: raw, version: s.version}
	}
	if deleted {
		kept := c.keys[:0]
		for _, key := range c.keys {
			if _, ok := c.docs[key]; ok {
				kept = append(kept, key)
			}
		}
		c.keys = kept
	}

	for _, key := range w.keys {
		raw := w.docs[key]
		if _, exists := c.docs[key]; exists || raw == nil {
			continue
		}
		c.keys = append(c.keys, key)
		c.docs[key] = memDoc{raw: raw, version: s.version}
	}
}

// viewLocked lists the documents of a collection as seen by txn. The caller
// holds s.mu and, when txn is non-nil, txn.mu.
func (s *MemoryStore) viewLocked(txn *memTxn, name string) []memEntry {
	c := s.collections[name]
	var w *txnWrites
	if txn != nil {
		w = txn.writes[name]
	}

	var entries []memEntry
	if c != nil {
		for _, key := range c.keys {
			raw := c.docs[key].raw
			if w != nil {
				if staged, ok := w.docs[key]; ok {
					if staged == nil {
						continue
					}
					raw = staged
				}
			}
			entries = append(entries, memEntry{key: key, raw: raw})
		}
	}
	if w != nil {
		for _, key := range w.keys {
			if c != nil {
				if _, committed := c.docs[key]; committed {
					continue
				}
			}
			if raw := w.docs[key]; raw != nil {
				entries = append(entries, memEntry{key: key, raw: raw})
			}
		}
	}
	return entries
}

// read runs fn with a consistent view of the store for the transaction
// carried by ctx, if any.
func (s *MemoryStore) read(ctx context.Context, fn func(view func(name string) []memEntry) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := txnFromContext(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if txn != nil {
		txn.mu.Lock()
		defer txn.mu.Unlock()
		if txn.closed {
			return ErrTransactionClosed
		}
	}
	return fn(func(name string) []memEntry {
		return s.viewLocked(txn, name)
	})
}

// write runs fn against the transaction carried by ctx, or against a
// single-operation transaction committed right after fn succeeds.
func (s *MemoryStore) write(ctx context.Context, fn func(txn *memTxn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := txnFromContext(ctx)
	if txn == nil {
		auto := s.begin()
		if err := s.stage(auto, fn); err != nil {
			s.abort(auto)
			return err
		}
		return s.commit(auto)
	}
	return s.stage(txn, fn)
}

func (s *MemoryStore) stage(txn *memTxn, fn func(txn *memTxn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.closed {
		return ErrTransactionClosed
	}
	return fn(txn)
}

func txnFromContext(ctx context.Context) *memTxn {
	txn, _ := ctx.Value(memTxnKey{}).(*memTxn)
	return txn
}

// stageWriteLocked records raw (nil for a delete) under key after checking
// it against concurrently committed data.
func (s *MemoryStore) stageWriteLocked(txn *memTxn, name, key string, raw bson.Raw) error {
	if c := s.collections[name]; c != nil {
		if d, ok := c.docs[key]; ok && d.version > txn.start {
			return fmt.Errorf("%w: collection %q", ErrWriteConflict, name)
		}
	}

	w := txn.writes[name]
	if w == nil {
		w = &txnWrites{docs: make(map[string]bson.Raw)}
		txn.writes[name] = w
	}
	if _, seen := w.docs[key]; !seen {
		w.keys = append(w.keys, key)
	}
	w.docs[key] = raw
	return nil
}

type memoryCollection struct {
	store *MemoryStore
	name  string
}

func (c *memoryCollection) Name() string {
	return c.name
}

func (c *memoryCollection) Aggregate(ctx context.Context, pipeline mongo.Pipeline) ([]bson.Raw, error) {
	var results []bson.Raw
	err := c.store.read(ctx, func(view func(string) []memEntry) error {
		docs, err := runPipeline(c.name, view, pipeline)
		if err != nil {
			return err
		}
		results = make([]bson.Raw, 0, len(docs))
		for _, doc := range docs {
			raw, err := helpers.EncodeBSON(doc)
			if err != nil {
				return err
			}
			results = append(results, raw)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (c *memoryCollection) CountDocuments(ctx context.Context, filter interface{}) (int64, error) {
	query, err := helpers.NormalizeDocument(filter)
	if err != nil {
		return 0, err
	}

	var count int64
	err = c.store.read(ctx, func(view func(string) []memEntry) error {
		entries, err := decodeEntries(view(c.name))
		if err != nil {
			return err
		}
		for _, entry := range entries {
			ok, err := matchDocument(entry.doc, query)
			if err != nil {
				return err
			}
			if ok {
				count++
			}
		}
		return nil
	})
	return count, err
}

func (c *memoryCollection) Upsert(ctx context.Context, filter interface{}, doc interface{}) error {
	query, err := helpers.NormalizeDocument(filter)
	if err != nil {
		return err
	}
	replacement, err := helpers.NormalizeDocument(doc)
	if err != nil {
		return err
	}

	return c.store.write(ctx, func(txn *memTxn) error {
		return c.store.upsertLocked(txn, c.name, query, replacement)
	})
}

func (s *MemoryStore) upsertLocked(txn *memTxn, name string, query, doc bson.D) error {
	entries, err := decodeEntries(s.viewLocked(txn, name))
	if err != nil {
		return err
	}

	var matched *decodedEntry
	for i := range entries {
		ok, err := matchDocument(entries[i].doc, query)
		if err != nil {
			return err
		}
		if ok {
			matched = &entries[i]
			break
		}
	}

	id, hasID := lookupID(doc)
	var key string
	if matched != nil {
		key = matched.key
		if !hasID {
			matchedID, _ := lookupID(matched.doc)
			doc = prependID(doc, matchedID)
		} else if idKey, err := helpers.ValueKey(id); err != nil {
			return err
		} else if idKey != key {
			return fmt.Errorf("replacement would change the _id of a document in %q", name)
		}
	} else {
		if !hasID {
			if filterID, ok := lookupID(query); ok && !isOperatorValue(filterID) {
				id = filterID
			} else {
				id = primitive.NewObjectID()
			}
			doc = prependID(doc, id)
		}
		if key, err = helpers.ValueKey(id); err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.key == key {
				return &DuplicateKeyError{Collection: name, KeyPattern: []string{"_id"}}
			}
		}
	}

	for _, fields := range s.indexes[name] {
		if findUniqueConflict(entries, key, doc, fields) {
			return &DuplicateKeyError{Collection: name, KeyPattern: fields}
		}
	}

	raw, err := helpers.EncodeBSON(doc)
	if err != nil {
		return err
	}
	if s.writeHook != nil {
		if err := s.writeHook(name, raw); err != nil {
			return err
		}
	}
	return s.stageWriteLocked(txn, name, key, raw)
}

func (c *memoryCollection) DeleteMany(ctx context.Context, filter interface{}) (int64, error) {
	query, err := helpers.NormalizeDocument(filter)
	if err != nil {
		return 0, err
	}

	var deleted int64
	err = c.store.write(ctx, func(txn *memTxn) error {
		deleted = 0
		entries, err := decodeEntries(c.store.viewLocked(txn, c.name))
		if err != nil {
			return err
		}
		for _, entry := range entries {
			ok, err := matchDocument(entry.doc, query)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := c.store.stageWriteLocked(txn, c.name, entry.key, nil); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

type decodedEntry struct {
	key string
	doc bson.D
}

func decodeEntries(entries []memEntry) ([]decodedEntry, error) {
	decoded := make([]decodedEntry, 0, len(entries))
	for _, entry := range entries {
		doc, err := helpers.DecodeBSON(entry.raw)
		if err != nil {
			return nil, err
		}
		decoded = append(decoded, decodedEntry{key: entry.key, doc: doc})
	}
	return decoded, nil
}

// findUniqueConflict reports whether another entry holds the same values as
// doc for fields. Missing fields index as null.
func findUniqueConflict(entries []decodedEntry, key string, doc bson.D, fields []string) bool {
	for _, entry := range entries {
		if entry.key == key {
			continue
		}
		same := true
		for _, field := range fields {
			a, _ := getPath(doc, field)
			b, _ := getPath(entry.doc, field)
			if !valuesEqual(a, b) {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}
	return false
}

func lookupID(doc bson.D) (interface{}, bool) {
	for _, e := range doc {
		if e.Key == "_id" {
			return e.Value, true
		}
	}
	return nil, false
}

func prependID(doc bson.D, id interface{}) bson.D {
	out := make(bson.D, 0, len(doc)+1)
	out = append(out, bson.E{Key: "_id", Value: id})
	for _, e := range doc {
		if e.Key != "_id" {
			out = append(out, e)
		}
	}
	return out
}

func isOperatorValue(v interface{}) bool {
	d, ok := v.(bson.D)
	return ok && isOperatorDoc(d)
}
