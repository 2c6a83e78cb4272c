package model

import (
	"bytes"
	"cmp"
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// TypeOrder ranks value kinds for cross-type comparison.
type TypeOrder int

// Value kinds in sort order.
const (
	TypeOrderNull TypeOrder = iota
	TypeOrderBoolean
	TypeOrderNumber
	TypeOrderTimestamp
	TypeOrderString
	TypeOrderBlob
	TypeOrderReference
	TypeOrderGeoPoint
	TypeOrderArray
	TypeOrderObject
)

// Value is a field value stored in a document.
type Value interface {
	TypeOrder() TypeOrder
	// Equal reports structural equality. NaN equals NaN.
	Equal(other Value) bool
	// Compare defines a total order over all values.
	Compare(other Value) int
	String() string

	isValue()
}

// DefaultDatabase is the database name used when none is configured.
const DefaultDatabase = "(default)"

// DatabaseID names a project database.
type DatabaseID struct {
	ProjectID string
	Database  string
}

// NewDatabaseID creates an id for the default database of project.
func NewDatabaseID(project string) DatabaseID {
	return DatabaseID{ProjectID: project, Database: DefaultDatabase}
}

// Compare orders database ids by project then name.
func (d DatabaseID) Compare(other DatabaseID) int {
	if c := strings.Compare(d.ProjectID, other.ProjectID); c != 0 {
		return c
	}

	return strings.Compare(d.Database, other.Database)
}

// NullValue is the null field value.
type NullValue struct{}

// Null is the single null value.
var Null Value = NullValue{}

// BooleanValue is a boolean field value.
type BooleanValue bool

// IntegerValue is a 64-bit integer field value.
type IntegerValue int64

// DoubleValue is a double field value. NaN and infinities are allowed.
type DoubleValue float64

// StringValue is a string field value.
type StringValue string

// TimestampValue is a timestamp field value.
type TimestampValue struct {
	Timestamp Timestamp
}

// ServerTimestampValue is the local placeholder for a server timestamp
// transform that has not been acknowledged yet.
type ServerTimestampValue struct {
	LocalWriteTime Timestamp
}

// BlobValue is a bytes field value.
type BlobValue []byte

// ReferenceValue points at another document.
type ReferenceValue struct {
	DatabaseID DatabaseID
	Key        DocumentKey
}

// GeoPointValue is a latitude/longitude pair.
type GeoPointValue struct {
	Latitude  float64
	Longitude float64
}

// ArrayValue is an ordered list of values.
type ArrayValue []Value

func (NullValue) isValue()            {}
func (BooleanValue) isValue()         {}
func (IntegerValue) isValue()         {}
func (DoubleValue) isValue()          {}
func (StringValue) isValue()          {}
func (TimestampValue) isValue()       {}
func (ServerTimestampValue) isValue() {}
func (BlobValue) isValue()            {}
func (ReferenceValue) isValue()       {}
func (GeoPointValue) isValue()        {}
func (ArrayValue) isValue()           {}

// TypeOrder implements Value.
func (NullValue) TypeOrder() TypeOrder { return TypeOrderNull }

// TypeOrder implements Value.
func (BooleanValue) TypeOrder() TypeOrder { return TypeOrderBoolean }

// TypeOrder implements Value.
func (IntegerValue) TypeOrder() TypeOrder { return TypeOrderNumber }

// TypeOrder implements Value.
func (DoubleValue) TypeOrder() TypeOrder { return TypeOrderNumber }

// TypeOrder implements Value.
func (StringValue) TypeOrder() TypeOrder { return TypeOrderString }

// TypeOrder implements Value.
func (TimestampValue) TypeOrder() TypeOrder { return TypeOrderTimestamp }

// TypeOrder implements Value.
func (ServerTimestampValue) TypeOrder() TypeOrder { return TypeOrderTimestamp }

// TypeOrder implements Value.
func (BlobValue) TypeOrder() TypeOrder { return TypeOrderBlob }

// TypeOrder implements Value.
func (ReferenceValue) TypeOrder() TypeOrder { return TypeOrderReference }

// TypeOrder implements Value.
func (GeoPointValue) TypeOrder() TypeOrder { return TypeOrderGeoPoint }

// TypeOrder implements Value.
func (ArrayValue) TypeOrder() TypeOrder { return TypeOrderArray }

func compareTypes(a, b Value) int {
	return cmp.Compare(a.TypeOrder(), b.TypeOrder())
}

// Equal implements Value.
func (NullValue) Equal(other Value) bool {
	_, ok := other.(NullValue)

	return ok
}

// Compare implements Value.
func (v NullValue) Compare(other Value) int {
	return compareTypes(v, other)
}

func (NullValue) String() string { return "null" }

// Equal implements Value.
func (v BooleanValue) Equal(other Value) bool {
	o, ok := other.(BooleanValue)

	return ok && o == v
}

// Compare implements Value.
func (v BooleanValue) Compare(other Value) int {
	o, ok := other.(BooleanValue)
	if !ok {
		return compareTypes(v, other)
	}

	switch {
	case v == o:
		return 0
	case !bool(v):
		return -1
	default:
		return 1
	}
}

func (v BooleanValue) String() string { return strconv.FormatBool(bool(v)) }

// Equal implements Value. Integers never equal doubles.
func (v IntegerValue) Equal(other Value) bool {
	o, ok := other.(IntegerValue)

	return ok && o == v
}

// Compare implements Value.
func (v IntegerValue) Compare(other Value) int {
	return compareNumbers(v, other)
}

func (v IntegerValue) String() string { return strconv.FormatInt(int64(v), 10) }

// Equal implements Value. NaN equals NaN and 0.0 does not equal -0.0.
func (v DoubleValue) Equal(other Value) bool {
	o, ok := other.(DoubleValue)
	if !ok {
		return false
	}

	a, b := float64(v), float64(o)
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}

	return a == b && math.Signbit(a) == math.Signbit(b)
}

// Compare implements Value.
func (v DoubleValue) Compare(other Value) int {
	return compareNumbers(v, other)
}

func (v DoubleValue) String() string {
	return strconv.FormatFloat(float64(v), 'g', -1, 64)
}

// compareNumbers orders numbers numerically. NaN sorts before everything else.
func compareNumbers(a, b Value) int {
	if b.TypeOrder() != TypeOrderNumber {
		return compareTypes(a, b)
	}

	if ai, ok := a.(IntegerValue); ok {
		if bi, ok := b.(IntegerValue); ok {
			return cmp.Compare(ai, bi)
		}
	}

	return cmp.Compare(asFloat(a), asFloat(b))
}

func asFloat(v Value) float64 {
	switch n := v.(type) {
	case IntegerValue:
		return float64(n)
	case DoubleValue:
		return float64(n)
	default:
		Fail("not a number: %v", v)

		return 0
	}
}

// Equal implements Value.
func (v StringValue) Equal(other Value) bool {
	o, ok := other.(StringValue)

	return ok && o == v
}

// Compare implements Value.
func (v StringValue) Compare(other Value) int {
	o, ok := other.(StringValue)
	if !ok {
		return compareTypes(v, other)
	}

	return strings.Compare(string(v), string(o))
}

func (v StringValue) String() string { return strconv.Quote(string(v)) }

// Equal implements Value.
func (v TimestampValue) Equal(other Value) bool {
	o, ok := other.(TimestampValue)

	return ok && o.Timestamp == v.Timestamp
}

// Compare implements Value. Timestamps sort before pending server timestamps.
func (v TimestampValue) Compare(other Value) int {
	switch o := other.(type) {
	case TimestampValue:
		return v.Timestamp.Compare(o.Timestamp)
	case ServerTimestampValue:
		return -1
	default:
		return compareTypes(v, other)
	}
}

func (v TimestampValue) String() string { return v.Timestamp.Time().Format("2006-01-02T15:04:05.999999999Z") }

// Equal implements Value.
func (v ServerTimestampValue) Equal(other Value) bool {
	o, ok := other.(ServerTimestampValue)

	return ok && o.LocalWriteTime == v.LocalWriteTime
}

// Compare implements Value. Pending server timestamps sort by local write time.
func (v ServerTimestampValue) Compare(other Value) int {
	switch o := other.(type) {
	case ServerTimestampValue:
		return v.LocalWriteTime.Compare(o.LocalWriteTime)
	case TimestampValue:
		return 1
	default:
		return compareTypes(v, other)
	}
}

func (v ServerTimestampValue) String() string {
	return "ServerTimestamp(localWriteTime=" + v.LocalWriteTime.String() + ")"
}

// Equal implements Value.
func (v BlobValue) Equal(other Value) bool {
	o, ok := other.(BlobValue)

	return ok && bytes.Equal(v, o)
}

// Compare implements Value.
func (v BlobValue) Compare(other Value) int {
	o, ok := other.(BlobValue)
	if !ok {
		return compareTypes(v, other)
	}

	return bytes.Compare(v, o)
}

func (v BlobValue) String() string { return "Blob(" + base64.StdEncoding.EncodeToString(v) + ")" }

// Equal implements Value.
func (v ReferenceValue) Equal(other Value) bool {
	o, ok := other.(ReferenceValue)

	return ok && o.DatabaseID == v.DatabaseID && o.Key.Equal(v.Key)
}

// Compare implements Value.
func (v ReferenceValue) Compare(other Value) int {
	o, ok := other.(ReferenceValue)
	if !ok {
		return compareTypes(v, other)
	}

	if c := v.DatabaseID.Compare(o.DatabaseID); c != 0 {
		return c
	}

	return v.Key.Compare(o.Key)
}

func (v ReferenceValue) String() string { return "Reference(" + v.Key.String() + ")" }

// Equal implements Value.
func (v GeoPointValue) Equal(other Value) bool {
	o, ok := other.(GeoPointValue)

	return ok && o == v
}

// Compare implements Value.
func (v GeoPointValue) Compare(other Value) int {
	o, ok := other.(GeoPointValue)
	if !ok {
		return compareTypes(v, other)
	}

	if c := cmp.Compare(v.Latitude, o.Latitude); c != 0 {
		return c
	}

	return cmp.Compare(v.Longitude, o.Longitude)
}

func (v GeoPointValue) String() string {
	return fmt.Sprintf("GeoPoint(%g, %g)", v.Latitude, v.Longitude)
}

// Equal implements Value.
func (v ArrayValue) Equal(other Value) bool {
	o, ok := other.(ArrayValue)
	if !ok || len(o) != len(v) {
		return false
	}

	for i := range v {
		if !v[i].Equal(o[i]) {
			return false
		}
	}

	return true
}

// Compare implements Value.
func (v ArrayValue) Compare(other Value) int {
	o, ok := other.(ArrayValue)
	if !ok {
		return compareTypes(v, other)
	}

	for i := range min(len(v), len(o)) {
		if c := v[i].Compare(o[i]); c != 0 {
			return c
		}
	}

	return cmp.Compare(len(v), len(o))
}

func (v ArrayValue) String() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.String()
	}

	return "[" + strings.Join(parts, ", ") + "]"
}

// Ensure all value kinds implement Value.
var (
	_ Value = NullValue{}
	_ Value = BooleanValue(false)
	_ Value = IntegerValue(0)
	_ Value = DoubleValue(0)
	_ Value = StringValue("")
	_ Value = TimestampValue{}
	_ Value = ServerTimestampValue{}
	_ Value = BlobValue(nil)
	_ Value = ReferenceValue{}
	_ Value = GeoPointValue{}
	_ Value = ArrayValue(nil)
	_ Value = ObjectValue{}
)
