package store

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"mongodm/src/helpers"
)

// runPipeline evaluates an aggregation pipeline over the collection named
// source. view lists the documents of any collection.
func runPipeline(source string, view func(string) []memEntry, pipeline mongo.Pipeline) ([]bson.D, error) {
	docs, err := loadDocuments(view, source)
	if err != nil {
		return nil, err
	}

	for i, rawStage := range pipeline {
		stage, err := helpers.NormalizeDocument(rawStage)
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		if len(stage) != 1 {
			return nil, fmt.Errorf("stage %d: a stage must have exactly one operator", i)
		}

		op := stage[0]
		switch op.Key {
		case "$match":
			filter, ok := op.Value.(bson.D)
			if !ok {
				return nil, fmt.Errorf("stage %d: $match needs a document", i)
			}
			docs, err = matchStage(docs, filter)
		case "$limit":
			docs, err = limitStage(docs, op.Value)
		case "$skip":
			docs, err = skipStage(docs, op.Value)
		case "$lookup":
			docs, err = lookupStage(docs, op.Value, view)
		case "$unwind":
			docs, err = unwindStage(docs, op.Value)
		default:
			err = fmt.Errorf("%w: %s", ErrUnsupportedStage, op.Key)
		}
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
	}
	return docs, nil
}

func loadDocuments(view func(string) []memEntry, name string) ([]bson.D, error) {
	entries, err := decodeEntries(view(name))
	if err != nil {
		return nil, err
	}
	docs := make([]bson.D, 0, len(entries))
	for _, entry := range entries {
		docs = append(docs, entry.doc)
	}
	return docs, nil
}

func matchStage(docs []bson.D, filter bson.D) ([]bson.D, error) {
	out := make([]bson.D, 0, len(docs))
	for _, doc := range docs {
		ok, err := matchDocument(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func stageCount(op string, value interface{}) (int, error) {
	f, ok := toFloat(value)
	if !ok || f < 0 || f != float64(int64(f)) {
		return 0, fmt.Errorf("%s needs a non-negative integer, got %v", op, value)
	}
	return int(f), nil
}

func limitStage(docs []bson.D, value interface{}) ([]bson.D, error) {
	n, err := stageCount("$limit", value)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("$limit must be positive")
	}
	if len(docs) > n {
		docs = docs[:n]
	}
	return docs, nil
}

func skipStage(docs []bson.D, value interface{}) ([]bson.D, error) {
	n, err := stageCount("$skip", value)
	if err != nil {
		return nil, err
	}
	if n >= len(docs) {
		return []bson.D{}, nil
	}
	return docs[n:], nil
}

// lookupStage implements the localField/foreignField form of $lookup: every
// document receives the array of foreign documents whose foreignField equals
// its localField.
func lookupStage(docs []bson.D, value interface{}, view func(string) []memEntry) ([]bson.D, error) {
	args, ok := value.(bson.D)
	if !ok {
		return nil, fmt.Errorf("$lookup needs a document")
	}
	var from, localField, foreignField, as string
	for _, e := range args {
		s, isString := e.Value.(string)
		if !isString {
			return nil, fmt.Errorf("$lookup.%s must be a string", e.Key)
		}
		switch e.Key {
		case "from":
			from = s
		case "localField":
			localField = s
		case "foreignField":
			foreignField = s
		case "as":
			as = s
		default:
			return nil, fmt.Errorf("%w: $lookup.%s", ErrUnsupportedStage, e.Key)
		}
	}
	if from == "" || localField == "" || foreignField == "" || as == "" {
		return nil, fmt.Errorf("$lookup needs from, localField, foreignField and as")
	}

	foreign, err := loadDocuments(view, from)
	if err != nil {
		return nil, err
	}

	out := make([]bson.D, 0, len(docs))
	for _, doc := range docs {
		local, found := getPath(doc, localField)
		if !found {
			local = nil
		}
		joined := bson.A{}
		for _, candidate := range foreign {
			key, keyFound := getPath(candidate, foreignField)
			if joinMatches(local, key, keyFound) {
				joined = append(joined, candidate)
			}
		}
		out = append(out, setPath(doc, as, joined))
	}
	return out, nil
}

func joinMatches(local, key interface{}, keyFound bool) bool {
	if arr, ok := local.(bson.A); ok {
		for _, elem := range arr {
			if matchEquality(key, keyFound, elem) {
				return true
			}
		}
		return false
	}
	return matchEquality(key, keyFound, local)
}

// unwindStage emits one document per element of an array field. Documents
// where the field is missing, null or an empty array are dropped unless
// preserveNullAndEmptyArrays is set.
func unwindStage(docs []bson.D, value interface{}) ([]bson.D, error) {
	var path string
	preserve := false
	switch v := value.(type) {
	case string:
		path = v
	case bson.D:
		for _, e := range v {
			switch e.Key {
			case "path":
				path, _ = e.Value.(string)
			case "preserveNullAndEmptyArrays":
				preserve = truthy(e.Value)
			default:
				return nil, fmt.Errorf("%w: $unwind.%s", ErrUnsupportedStage, e.Key)
			}
		}
	default:
		return nil, fmt.Errorf("$unwind needs a field path")
	}
	if !strings.HasPrefix(path, "$") || len(path) < 2 {
		return nil, fmt.Errorf("$unwind path must start with '$', got %q", path)
	}
	path = path[1:]

	out := make([]bson.D, 0, len(docs))
	for _, doc := range docs {
		field, found := getPath(doc, path)
		arr, isArray := field.(bson.A)
		switch {
		case !found || field == nil:
			if preserve {
				out = append(out, doc)
			}
		case isArray && len(arr) == 0:
			if preserve {
				out = append(out, removePath(doc, path))
			}
		case isArray:
			for _, elem := range arr {
				out = append(out, setPath(doc, path, elem))
			}
		default:
			out = append(out, doc)
		}
	}
	return out, nil
}
