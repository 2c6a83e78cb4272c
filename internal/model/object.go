package model

import (
	"fmt"
	"iter"
	"math"
	"strings"
	"time"

	"github.com/serroba/docsync/internal/sortedmap"
)

// ObjectValue is an immutable map of field names to values, sorted by name.
type ObjectValue struct {
	fields sortedmap.Map[string, Value]
}

// EmptyObject returns an object with no fields.
func EmptyObject() ObjectValue {
	return ObjectValue{fields: sortedmap.New[string, Value](strings.Compare)}
}

func (v ObjectValue) isValue() {}

// TypeOrder implements Value.
func (ObjectValue) TypeOrder() TypeOrder { return TypeOrderObject }

func (v ObjectValue) ensure() ObjectValue {
	if v.fields.Comparator() == nil {
		return EmptyObject()
	}

	return v
}

// Len returns the number of top level fields.
func (v ObjectValue) Len() int {
	return v.fields.Len()
}

// All iterates over top level fields in name order.
func (v ObjectValue) All() iter.Seq2[string, Value] {
	return v.fields.All()
}

// Field returns the value at path, descending into nested objects.
func (v ObjectValue) Field(path FieldPath) (Value, bool) {
	var current Value = v

	for _, seg := range path.segments {
		obj, ok := current.(ObjectValue)
		if !ok {
			return nil, false
		}

		current, ok = obj.fields.Get(seg)
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// Set returns an object with path set to value, creating intermediate
// objects as needed.
func (v ObjectValue) Set(path FieldPath, value Value) ObjectValue {
	v = v.ensure()
	first := path.FirstSegment()

	if path.Len() == 1 {
		return ObjectValue{fields: v.fields.Insert(first, value)}
	}

	child := EmptyObject()
	if existing, ok := v.fields.Get(first); ok {
		if obj, ok := existing.(ObjectValue); ok {
			child = obj
		}
	}

	return ObjectValue{fields: v.fields.Insert(first, child.Set(path.PopFirst(), value))}
}

// Delete returns an object without the field at path.
func (v ObjectValue) Delete(path FieldPath) ObjectValue {
	v = v.ensure()
	first := path.FirstSegment()

	if path.Len() == 1 {
		return ObjectValue{fields: v.fields.Remove(first)}
	}

	existing, ok := v.fields.Get(first)
	if !ok {
		return v
	}

	obj, ok := existing.(ObjectValue)
	if !ok {
		return v
	}

	return ObjectValue{fields: v.fields.Insert(first, obj.Delete(path.PopFirst()))}
}

// Equal implements Value.
func (v ObjectValue) Equal(other Value) bool {
	o, ok := other.(ObjectValue)
	if !ok || o.Len() != v.Len() {
		return false
	}

	for name, value := range v.All() {
		ov, ok := o.fields.Get(name)
		if !ok || !value.Equal(ov) {
			return false
		}
	}

	return true
}

// Compare implements Value. Fields are compared pairwise in name order.
func (v ObjectValue) Compare(other Value) int {
	o, ok := other.(ObjectValue)
	if !ok {
		return compareTypes(v, other)
	}

	next, stop := iter.Pull2(o.All())
	defer stop()

	for name, value := range v.All() {
		oname, ovalue, ok := next()
		if !ok {
			return 1
		}

		if c := strings.Compare(name, oname); c != 0 {
			return c
		}

		if c := value.Compare(ovalue); c != 0 {
			return c
		}
	}

	if _, _, ok := next(); ok {
		return -1
	}

	return 0
}

func (v ObjectValue) String() string {
	parts := make([]string, 0, v.Len())
	for name, value := range v.All() {
		parts = append(parts, name+": "+value.String())
	}

	return "{" + strings.Join(parts, ", ") + "}"
}

// ValueOf converts a plain Go value into a field Value. Supported inputs are
// nil, bool, integers, floats, string, []byte, time.Time, Timestamp,
// DocumentKey (as a reference in the default database of an empty project),
// GeoPointValue, []any, map[string]any and Value itself.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null, nil
	case Value:
		return t, nil
	case bool:
		return BooleanValue(t), nil
	case int:
		return IntegerValue(t), nil
	case int32:
		return IntegerValue(t), nil
	case int64:
		return IntegerValue(t), nil
	case float32:
		return DoubleValue(t), nil
	case float64:
		return DoubleValue(t), nil
	case string:
		return StringValue(t), nil
	case []byte:
		return BlobValue(t), nil
	case time.Time:
		return TimestampValue{Timestamp: TimestampFromTime(t)}, nil
	case Timestamp:
		return TimestampValue{Timestamp: t}, nil
	case DocumentKey:
		return ReferenceValue{DatabaseID: DatabaseID{Database: DefaultDatabase}, Key: t}, nil
	case []any:
		arr := make(ArrayValue, len(t))

		for i, e := range t {
			v, err := ValueOf(e)
			if err != nil {
				return nil, err
			}

			arr[i] = v
		}

		return arr, nil
	case map[string]any:
		return ObjectOf(t)
	default:
		return nil, fmt.Errorf("unsupported field value type %T", x)
	}
}

// ObjectOf converts a Go map into an ObjectValue.
func ObjectOf(fields map[string]any) (ObjectValue, error) {
	obj := EmptyObject()

	for name, x := range fields {
		v, err := ValueOf(x)
		if err != nil {
			return ObjectValue{}, fmt.Errorf("field %s: %w", name, err)
		}

		obj = ObjectValue{fields: obj.fields.Insert(name, v)}
	}

	return obj, nil
}

// MustObject is like ObjectOf but panics on unsupported values.
func MustObject(fields map[string]any) ObjectValue {
	obj, err := ObjectOf(fields)
	if err != nil {
		panic(err)
	}

	return obj
}

// Interface converts v back into plain Go values, the inverse of ValueOf.
func Interface(v Value) any {
	switch t := v.(type) {
	case NullValue:
		return nil
	case BooleanValue:
		return bool(t)
	case IntegerValue:
		return int64(t)
	case DoubleValue:
		return float64(t)
	case StringValue:
		return string(t)
	case BlobValue:
		return []byte(t)
	case TimestampValue:
		return t.Timestamp.Time()
	case ServerTimestampValue:
		return nil
	case ReferenceValue:
		return t.Key.String()
	case GeoPointValue:
		return t
	case ArrayValue:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Interface(e)
		}

		return out
	case ObjectValue:
		out := make(map[string]any, t.Len())
		for name, e := range t.All() {
			out[name] = Interface(e)
		}

		return out
	default:
		Fail("unknown value kind %T", v)

		return nil
	}
}

// IsNaN reports whether v is a NaN double.
func IsNaN(v Value) bool {
	d, ok := v.(DoubleValue)

	return ok && math.IsNaN(float64(d))
}
