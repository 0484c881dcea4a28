// Package engine maps typed model instances onto a document store: find
// queries with reference expansion, counting, cascading transactional saves
// and deletes.
package engine

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"mongodm/src/models"
	"mongodm/src/settings"
	"mongodm/src/store"
)

// Engine is the entry point for reading and writing model instances.
// It is safe for concurrent use.
type Engine struct {
	store    store.DocumentStore
	settings *settings.Arguments
	paging   PagingOrder
	logger   *zap.SugaredLogger
}

// NewEngine creates an Engine over docStore. A nil args uses
// settings.Default and a nil logger discards output.
func NewEngine(docStore store.DocumentStore, args *settings.Arguments, logger *zap.SugaredLogger) (*Engine, error) {
	if args == nil {
		args = settings.Default()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	paging, err := ParsePagingOrder(args.PagingOrder)
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:    docStore,
		settings: args,
		paging:   paging,
		logger:   logger,
	}, nil
}

// FindOptions holds the paging of a find. Zero means unset.
type FindOptions struct {
	Limit int64
	Skip  int64
}

type FindOption func(*FindOptions)

// WithLimit caps the number of documents matched before reference expansion.
func WithLimit(n int64) FindOption {
	return func(o *FindOptions) {
		o.Limit = n
	}
}

// WithSkip skips n matching documents.
func WithSkip(n int64) FindOption {
	return func(o *FindOptions) {
		o.Skip = n
	}
}

// FindDocuments runs the find pipeline of model and returns the raw result
// documents, reference fields expanded.
func (e *Engine) FindDocuments(ctx context.Context, model *models.Model, filter interface{}, opts ...FindOption) ([]bson.Raw, error) {
	var o FindOptions
	for _, opt := range opts {
		opt(&o)
	}

	pipeline, err := BuildFindPipeline(model, filter, o.Limit, o.Skip, e.paging)
	if err != nil {
		return nil, err
	}
	e.logger.Debugf("find on %s: %d stages (limit=%d skip=%d order=%s)",
		model.Collection, len(pipeline), o.Limit, o.Skip, e.paging)

	return e.store.Collection(model.Collection).Aggregate(ctx, pipeline)
}

// CountDocuments counts the documents of model matching filter. References
// are not expanded, so unresolved references do not affect the count.
func (e *Engine) CountDocuments(ctx context.Context, model *models.Model, filter interface{}) (int64, error) {
	if err := model.Validate(); err != nil {
		return 0, err
	}
	return e.store.Collection(model.Collection).CountDocuments(ctx, filter)
}

// Delete removes the documents stored under the primary key of instance and
// returns how many were removed. Referenced instances are left untouched.
func (e *Engine) Delete(ctx context.Context, instance models.Instance) (int64, error) {
	if isNilInstance(instance) {
		return 0, fmt.Errorf("%w: nil instance", ErrInvalidModel)
	}
	model := instance.Model()
	if err := model.Validate(); err != nil {
		return 0, err
	}

	deleted, err := e.store.Collection(model.Collection).DeleteMany(ctx, models.IDFilter(instance.PrimaryKeyValue()))
	if err != nil {
		return 0, err
	}
	e.logger.Debugf("deleted %d document(s) from %s", deleted, model.Collection)
	return deleted, nil
}

// ModelPointer is satisfied by *T when *T is a model instance able to parse
// itself from a document.
type ModelPointer[T any] interface {
	*T
	models.Instance
	models.Parser
}

// modelOf returns the descriptor of T.
func modelOf[T any, PT ModelPointer[T]]() (*models.Model, error) {
	model := PT(new(T)).Model()
	if err := model.Validate(); err != nil {
		return nil, err
	}
	return model, nil
}

// Find returns every instance of T matching filter, parsed from the result
// documents in store order. It returns an empty slice when nothing matches.
//
// Instances whose reference fields do not resolve are not returned; see
// BuildFindPipeline.
func Find[T any, PT ModelPointer[T]](ctx context.Context, e *Engine, filter interface{}, opts ...FindOption) ([]*T, error) {
	model, err := modelOf[T, PT]()
	if err != nil {
		return nil, err
	}

	raws, err := e.FindDocuments(ctx, model, filter, opts...)
	if err != nil {
		return nil, err
	}

	results := make([]*T, 0, len(raws))
	for _, raw := range raws {
		instance := PT(new(T))
		if err := instance.ParseDocument(raw); err != nil {
			return nil, fmt.Errorf("failed to parse %s document: %w", model.Collection, err)
		}
		results = append(results, (*T)(instance))
	}
	return results, nil
}

// FindOne returns the first instance of T matching filter, or nil when there
// is none.
func FindOne[T any, PT ModelPointer[T]](ctx context.Context, e *Engine, filter interface{}) (*T, error) {
	results, err := Find[T, PT](ctx, e, filter, WithLimit(1))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// Count returns the number of T documents matching filter.
func Count[T any, PT ModelPointer[T]](ctx context.Context, e *Engine, filter interface{}) (int64, error) {
	model, err := modelOf[T, PT]()
	if err != nil {
		return 0, err
	}
	return e.CountDocuments(ctx, model, filter)
}
