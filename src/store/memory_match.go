package store

import (
	"bytes"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// matchDocument evaluates a query filter against doc. Both sides must have
// gone through BSON decoding so that embedded documents are bson.D and
// arrays bson.A.
func matchDocument(doc bson.D, filter bson.D) (bool, error) {
	for _, cond := range filter {
		ok, err := matchCondition(doc, cond)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchCondition(doc bson.D, cond bson.E) (bool, error) {
	switch cond.Key {
	case "$and", "$or", "$nor":
		return matchLogical(doc, cond)
	}
	if strings.HasPrefix(cond.Key, "$") {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedOperator, cond.Key)
	}

	value, found := getPath(doc, cond.Key)
	if ops, ok := cond.Value.(bson.D); ok && isOperatorDoc(ops) {
		return matchOperators(value, found, ops)
	}
	return matchEquality(value, found, cond.Value), nil
}

func matchLogical(doc bson.D, cond bson.E) (bool, error) {
	clauses, ok := cond.Value.(bson.A)
	if !ok || len(clauses) == 0 {
		return false, fmt.Errorf("%s needs a non-empty array", cond.Key)
	}

	for _, clause := range clauses {
		sub, ok := clause.(bson.D)
		if !ok {
			return false, fmt.Errorf("%s entries must be documents", cond.Key)
		}
		matched, err := matchDocument(doc, sub)
		if err != nil {
			return false, err
		}
		switch {
		case cond.Key == "$and" && !matched:
			return false, nil
		case cond.Key == "$or" && matched:
			return true, nil
		case cond.Key == "$nor" && matched:
			return false, nil
		}
	}
	return cond.Key != "$or", nil
}

func isOperatorDoc(d bson.D) bool {
	if len(d) == 0 {
		return false
	}
	for _, e := range d {
		if !strings.HasPrefix(e.Key, "$") {
			return false
		}
	}
	return true
}

func matchOperators(value interface{}, found bool, ops bson.D) (bool, error) {
	for _, op := range ops {
		var ok bool
		switch op.Key {
		case "$eq":
			ok = matchEquality(value, found, op.Value)
		case "$ne":
			ok = !matchEquality(value, found, op.Value)
		case "$gt", "$gte", "$lt", "$lte":
			ok = found && matchOrdering(value, op.Key, op.Value)
		case "$in", "$nin":
			candidates, isArray := op.Value.(bson.A)
			if !isArray {
				return false, fmt.Errorf("%s needs an array", op.Key)
			}
			for _, candidate := range candidates {
				if matchEquality(value, found, candidate) {
					ok = true
					break
				}
			}
			if op.Key == "$nin" {
				ok = !ok
			}
		case "$exists":
			ok = truthy(op.Value) == found
		default:
			return false, fmt.Errorf("%w: %s", ErrUnsupportedOperator, op.Key)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// matchEquality follows the store's equality rules: a missing field equals
// null, and an array matches when it equals the target or contains it.
func matchEquality(value interface{}, found bool, target interface{}) bool {
	if !found {
		return target == nil
	}
	if valuesEqual(value, target) {
		return true
	}
	if arr, ok := value.(bson.A); ok {
		for _, elem := range arr {
			if valuesEqual(elem, target) {
				return true
			}
		}
	}
	return false
}

func matchOrdering(value interface{}, op string, target interface{}) bool {
	check := func(v interface{}) bool {
		cmp, ok := compareValues(v, target)
		if !ok {
			return false
		}
		switch op {
		case "$gt":
			return cmp > 0
		case "$gte":
			return cmp >= 0
		case "$lt":
			return cmp < 0
		default:
			return cmp <= 0
		}
	}
	if arr, ok := value.(bson.A); ok {
		for _, elem := range arr {
			if check(elem) {
				return true
			}
		}
		return false
	}
	return check(value)
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// compareValues orders two scalars of the same kind. Numbers compare across
// widths. ok is false when the values are not comparable.
func compareValues(a, b interface{}) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}

	switch av := a.(type) {
	case nil:
		if b == nil {
			return 0, true
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv), true
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0, true
			case bv:
				return -1, true
			}
			return 1, true
		}
	case primitive.DateTime:
		if bv, ok := b.(primitive.DateTime); ok {
			switch {
			case av < bv:
				return -1, true
			case av > bv:
				return 1, true
			}
			return 0, true
		}
	case primitive.ObjectID:
		if bv, ok := b.(primitive.ObjectID); ok {
			return bytes.Compare(av[:], bv[:]), true
		}
	}
	return 0, false
}

func valuesEqual(a, b interface{}) bool {
	if cmp, ok := compareValues(a, b); ok {
		return cmp == 0
	}

	switch av := a.(type) {
	case bson.D:
		bv, ok := b.(bson.D)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i].Key != bv[i].Key || !valuesEqual(av[i].Value, bv[i].Value) {
				return false
			}
		}
		return true
	case bson.A:
		bv, ok := b.(bson.A)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case primitive.Binary:
		bv, ok := b.(primitive.Binary)
		return ok && av.Subtype == bv.Subtype && bytes.Equal(av.Data, bv.Data)
	}
	return false
}

// getPath resolves a dotted path through embedded documents.
func getPath(doc bson.D, path string) (interface{}, bool) {
	head, rest, nested := strings.Cut(path, ".")
	for _, e := range doc {
		if e.Key != head {
			continue
		}
		if !nested {
			return e.Value, true
		}
		sub, ok := e.Value.(bson.D)
		if !ok {
			return nil, false
		}
		return getPath(sub, rest)
	}
	return nil, false
}

// setPath returns a copy of doc with path set to value, creating embedded
// documents as needed. doc itself is not modified.
func setPath(doc bson.D, path string, value interface{}) bson.D {
	head, rest, nested := strings.Cut(path, ".")
	out := make(bson.D, len(doc), len(doc)+1)
	copy(out, doc)

	for i, e := range out {
		if e.Key != head {
			continue
		}
		if !nested {
			out[i].Value = value
			return out
		}
		sub, _ := e.Value.(bson.D)
		out[i].Value = setPath(sub, rest, value)
		return out
	}

	if nested {
		return append(out, bson.E{Key: head, Value: setPath(nil, rest, value)})
	}
	return append(out, bson.E{Key: head, Value: value})
}

// removePath returns a copy of doc without path.
func removePath(doc bson.D, path string) bson.D {
	head, rest, nested := strings.Cut(path, ".")
	out := make(bson.D, 0, len(doc))
	for _, e := range doc {
		if e.Key != head {
			out = append(out, e)
			continue
		}
		if nested {
			if sub, ok := e.Value.(bson.D); ok {
				out = append(out, bson.E{Key: head, Value: removePath(sub, rest)})
				continue
			}
			out = append(out, e)
		}
	}
	return out
}
