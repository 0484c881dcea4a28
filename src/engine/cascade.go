package engine

import (
	"context"
	"fmt"
	"reflect"

	"golang.org/x/sync/errgroup"

	"mongodm/src/helpers"
	"mongodm/src/models"
)

// cascadeSave upserts instance after all of its direct references have been
// saved. Sibling references are saved concurrently; the first failure cancels
// the others and is returned once every sibling has stopped.
//
// path holds the instances on the way down from the root, keyed by
// collection and the BSON encoding of the primary key, so keys compare the
// way the store compares _id values. Meeting one of them again means the
// graph has a cycle.
func (e *Engine) cascadeSave(ctx context.Context, instance models.Instance, path map[string]struct{}) error {
	model := instance.Model()
	if err := model.Validate(); err != nil {
		return err
	}
	pk := instance.PrimaryKeyValue()

	idKey, err := helpers.ValueKey(pk)
	if err != nil {
		return fmt.Errorf("%s: %w", model.Collection, err)
	}
	key := model.Collection + "/" + idKey
	if _, seen := path[key]; seen {
		return fmt.Errorf("%w: %s/%v", ErrCyclicReference, model.Collection, pk)
	}
	childPath := make(map[string]struct{}, len(path)+1)
	for k := range path {
		childPath[k] = struct{}{}
	}
	childPath[key] = struct{}{}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, ref := range model.References {
		child := instance.Referenced(ref.Field)
		if isNilInstance(child) {
			continue
		}
		group.Go(func() error {
			return e.cascadeSave(groupCtx, child, childPath)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	doc, err := instance.ToDocument()
	if err != nil {
		return fmt.Errorf("failed to serialize %s/%v: %w", model.Collection, pk, err)
	}
	if _, ok := models.DocumentID(doc); !ok {
		return fmt.Errorf("%w: %s/%v", models.ErrMissingID, model.Collection, pk)
	}

	if err := e.store.Collection(model.Collection).Upsert(ctx, models.IDFilter(pk), doc); err != nil {
		return err
	}
	e.logger.Debugf("upserted %s/%v", model.Collection, pk)
	return nil
}

// isNilInstance catches both a nil interface and a typed nil pointer.
func isNilInstance(instance models.Instance) bool {
	if instance == nil {
		return true
	}
	v := reflect.ValueOf(instance)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return v.IsNil()
	}
	return false
}
