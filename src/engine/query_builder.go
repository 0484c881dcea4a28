package engine

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"mongodm/src/models"
	"mongodm/src/settings"
)

// PagingOrder selects how skip and limit combine in a find pipeline.
type PagingOrder int

const (
	// SkipThenLimit skips over the filtered set, then limits what is left.
	SkipThenLimit PagingOrder = iota

	// LimitThenSkip limits the filtered set first and skips inside it, so
	// limit=10 skip=5 yields at most 5 documents.
	LimitThenSkip
)

func (o PagingOrder) String() string {
	if o == LimitThenSkip {
		return settings.PagingLimitSkip
	}
	return settings.PagingSkipLimit
}

// ParsePagingOrder maps a settings value to a PagingOrder.
func ParsePagingOrder(s string) (PagingOrder, error) {
	switch s {
	case "", settings.PagingSkipLimit:
		return SkipThenLimit, nil
	case settings.PagingLimitSkip:
		return LimitThenSkip, nil
	}
	return SkipThenLimit, fmt.Errorf("unknown paging order %q", s)
}

// BuildFindPipeline returns the aggregation pipeline behind a find on model.
//
// The pipeline starts with a $match on filter (nil matches everything),
// followed by the paging stages for non-zero skip and limit in the given
// order. Each reference field then gets a $lookup of the foreign document by
// primary key into the field, followed by an $unwind of that field.
//
// The $unwind turns the left outer join into an inner join: a document whose
// reference does not resolve is dropped from the result, and one whose
// reference resolves to several documents appears once per match. Only the
// model's own reference fields are expanded.
func BuildFindPipeline(model *models.Model, filter interface{}, limit, skip int64, order PagingOrder) (mongo.Pipeline, error) {
	if err := model.Validate(); err != nil {
		return nil, err
	}
	if filter == nil {
		filter = bson.D{}
	}

	pipeline := mongo.Pipeline{{{Key: "$match", Value: filter}}}

	limitStage := bson.D{{Key: "$limit", Value: limit}}
	skipStage := bson.D{{Key: "$skip", Value: skip}}
	switch order {
	case LimitThenSkip:
		if limit > 0 {
			pipeline = append(pipeline, limitStage)
		}
		if skip > 0 {
			pipeline = append(pipeline, skipStage)
		}
	default:
		if skip > 0 {
			pipeline = append(pipeline, skipStage)
		}
		if limit > 0 {
			pipeline = append(pipeline, limitStage)
		}
	}

	for _, ref := range model.References {
		pipeline = append(pipeline,
			bson.D{{Key: "$lookup", Value: bson.D{
				{Key: "from", Value: ref.Model.Collection},
				{Key: "localField", Value: ref.KeyName},
				{Key: "foreignField", Value: models.IDField},
				{Key: "as", Value: ref.Field},
			}}},
			bson.D{{Key: "$unwind", Value: "$" + ref.Field}},
		)
	}
	return pipeline, nil
}
