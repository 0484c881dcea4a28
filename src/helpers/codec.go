package helpers

import (
	"fmt"
	"math"

	"go.mongodb.org/mongo-driver/bson"
)

// EncodeBSON marshals any BSON-encodable value into raw document bytes.
// A nil value encodes as the empty document.
func EncodeBSON(value interface{}) (bson.Raw, error) {
	if value == nil {
		value = bson.D{}
	}
	data, err := bson.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("error encoding BSON: %w", err)
	}
	return data, nil
}

// DecodeBSON decodes raw document bytes into an ordered document. Embedded
// documents decode as bson.D and arrays as bson.A.
func DecodeBSON(data []byte) (bson.D, error) {
	var decoded bson.D
	if err := bson.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("error decoding BSON: %w", err)
	}
	return decoded, nil
}

// NormalizeDocument round-trips value through BSON so that maps, structs and
// documents built from Go literals all end up with the same decoded types.
func NormalizeDocument(value interface{}) (bson.D, error) {
	data, err := EncodeBSON(value)
	if err != nil {
		return nil, err
	}
	return DecodeBSON(data)
}

// ValueKey encodes v into a string usable as a map key. Values of different
// BSON types get different keys, except that integral numbers share one
// encoding: int32(7), int64(7) and 7.0 all map to the same key.
func ValueKey(v interface{}) (string, error) {
	switch n := v.(type) {
	case int8:
		v = int64(n)
	case int16:
		v = int64(n)
	case int32:
		v = int64(n)
	case int:
		v = int64(n)
	case float32:
		if i, ok := integral(float64(n)); ok {
			v = i
		}
	case float64:
		if i, ok := integral(n); ok {
			v = i
		}
	}

	raw, err := bson.Marshal(bson.D{{Key: "v", Value: v}})
	if err != nil {
		return "", fmt.Errorf("cannot key value %v: %w", v, err)
	}
	value := bson.Raw(raw).Lookup("v")
	return string(rune(value.Type)) + string(value.Value), nil
}

func integral(f float64) (int64, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= -math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}
