package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"mongodm/src/helpers"
	"mongodm/src/models"
)

// Save upserts instance and, recursively, every instance reachable through
// its reference fields, all inside one transaction: either the whole graph is
// stored or nothing is.
//
// A uniqueness violation on a primary key is returned as a
// *DuplicatePrimaryKeyError carrying instance. Other failures are returned
// unchanged and nothing is retried.
func (e *Engine) Save(ctx context.Context, instance models.Instance) (models.Instance, error) {
	if isNilInstance(instance) {
		return nil, fmt.Errorf("%w: nil instance", ErrInvalidModel)
	}
	model := instance.Model()
	if err := model.Validate(); err != nil {
		return nil, err
	}

	saveID := helpers.ShortID(helpers.GenerateUUID())
	e.logger.Debugf("save %s: %s/%v", saveID, model.Collection, instance.PrimaryKeyValue())

	err := e.store.WithTransaction(ctx, func(txnCtx context.Context) error {
		return e.cascadeSave(txnCtx, instance, nil)
	})
	if err != nil {
		e.logger.Debugf("save %s: failed: %v", saveID, err)
		return nil, translateSaveError(instance, err)
	}
	e.logger.Debugf("save %s: committed", saveID)
	return instance, nil
}

// SaveAll saves every instance concurrently, each with its own Save and
// transaction, and waits for all of them. There is no atomicity across
// instances: the ones that succeed stay saved when others fail.
//
// The returned slice is instances itself. The error combines the failure of
// every instance that could not be saved; use multierr.Errors to list them.
func SaveAll[I models.Instance](ctx context.Context, e *Engine, instances []I) ([]I, error) {
	errs := make([]error, len(instances))

	var wg sync.WaitGroup
	for i, instance := range instances {
		i, instance := i, instance
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.Save(ctx, instance)
		}()
	}
	wg.Wait()

	return instances, multierr.Combine(errs...)
}

// SaveAll is the non-generic form of the SaveAll function.
func (e *Engine) SaveAll(ctx context.Context, instances []models.Instance) ([]models.Instance, error) {
	return SaveAll(ctx, e, instances)
}
