// Package query describes collection and document queries and evaluates
// them against documents in memory.
package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/serroba/docsync/internal/model"
)

// KeyFieldName is the pseudo field that orders by document key.
const KeyFieldName = "__name__"

// Operator is a relational filter operator.
type Operator string

// Supported operators.
const (
	LessThan           Operator = "<"
	LessThanOrEqual    Operator = "<="
	Equal              Operator = "=="
	GreaterThan        Operator = ">"
	GreaterThanOrEqual Operator = ">="
)

// ParseOperator validates op.
func ParseOperator(op string) (Operator, error) {
	switch o := Operator(op); o {
	case LessThan, LessThanOrEqual, Equal, GreaterThan, GreaterThanOrEqual:
		return o, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperator, op)
	}
}

// Filter compares one field against a constant.
type Filter struct {
	Field model.FieldPath
	Op    Operator
	Value model.Value
}

// Matches reports whether doc satisfies the filter. Values of a different
// kind never match.
func (f Filter) Matches(doc *model.Document) bool {
	var v model.Value

	if f.Field.CanonicalString() == KeyFieldName {
		v = model.ReferenceValue{DatabaseID: refDatabase(f.Value), Key: doc.Key()}
	} else {
		fv, ok := doc.Field(f.Field)
		if !ok {
			return false
		}

		v = fv
	}

	if v.TypeOrder() != f.Value.TypeOrder() {
		return false
	}

	c := v.Compare(f.Value)

	switch f.Op {
	case LessThan:
		return c < 0
	case LessThanOrEqual:
		return c <= 0
	case Equal:
		return c == 0
	case GreaterThan:
		return c > 0
	case GreaterThanOrEqual:
		return c >= 0
	default:
		model.Fail("unknown operator %q", f.Op)

		return false
	}
}

func refDatabase(v model.Value) model.DatabaseID {
	if r, ok := v.(model.ReferenceValue); ok {
		return r.DatabaseID
	}

	return model.DatabaseID{}
}

func (f Filter) canonicalID() string {
	return f.Field.CanonicalString() + string(f.Op) + f.Value.String()
}

// Direction of an ordering.
type Direction int

// Ordering directions.
const (
	Ascending Direction = iota
	Descending
)

// OrderBy orders results by one field.
type OrderBy struct {
	Field     model.FieldPath
	Direction Direction
}

func (o OrderBy) isKeyOrdering() bool {
	return o.Field.CanonicalString() == KeyFieldName
}

func (o OrderBy) compare(a, b *model.Document) int {
	var c int

	if o.isKeyOrdering() {
		c = a.Key().Compare(b.Key())
	} else {
		av, aok := a.Field(o.Field)
		bv, bok := b.Field(o.Field)
		model.Assert(aok && bok, "trying to compare documents on fields that don't exist")
		c = av.Compare(bv)
	}

	if o.Direction == Descending {
		return -c
	}

	return c
}

func (o OrderBy) canonicalID() string {
	if o.Direction == Descending {
		return o.Field.CanonicalString() + "desc"
	}

	return o.Field.CanonicalString() + "asc"
}

// Query selects documents from a collection, or a single document when Path
// is a document path.
type Query struct {
	Path    model.ResourcePath
	Filters []Filter
	OrderBy []OrderBy
	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// AtPath creates a query with no constraints.
func AtPath(path model.ResourcePath) *Query {
	return &Query{Path: path}
}

// Collection creates a query over the collection at slash separated path.
func Collection(path string) *Query {
	return AtPath(model.ParseResourcePath(path))
}

// Where returns a copy of q with an additional filter.
func (q *Query) Where(field string, op Operator, value any) (*Query, error) {
	v, err := model.ValueOf(value)
	if err != nil {
		return nil, err
	}

	out := q.clone()
	out.Filters = append(out.Filters, Filter{Field: model.ParseFieldPath(field), Op: op, Value: v})

	return out, nil
}

// MustWhere is like Where but panics on an unsupported value.
func (q *Query) MustWhere(field string, op Operator, value any) *Query {
	out, err := q.Where(field, op, value)
	if err != nil {
		panic(err)
	}

	return out
}

// OrderByField returns a copy of q with an additional ordering.
func (q *Query) OrderByField(field string, dir Direction) *Query {
	out := q.clone()
	out.OrderBy = append(out.OrderBy, OrderBy{Field: model.ParseFieldPath(field), Direction: dir})

	return out
}

// WithLimit returns a copy of q limited to n results.
func (q *Query) WithLimit(n int) *Query {
	out := q.clone()
	out.Limit = n

	return out
}

func (q *Query) clone() *Query {
	return &Query{
		Path:    q.Path,
		Filters: append([]Filter(nil), q.Filters...),
		OrderBy: append([]OrderBy(nil), q.OrderBy...),
		Limit:   q.Limit,
	}
}

// IsDocumentQuery reports whether q addresses exactly one document.
func (q *Query) IsDocumentQuery() bool {
	return model.IsDocumentKey(q.Path) && len(q.Filters) == 0
}

// EffectiveOrderBy returns the explicit orderings followed by a key ordering
// in the direction of the last explicit one.
func (q *Query) EffectiveOrderBy() []OrderBy {
	out := append([]OrderBy(nil), q.OrderBy...)
	dir := Ascending

	if n := len(out); n > 0 {
		if out[n-1].isKeyOrdering() {
			return out
		}

		dir = out[n-1].Direction
	}

	return append(out, OrderBy{Field: model.NewFieldPath(KeyFieldName), Direction: dir})
}

// Matches reports whether doc belongs in the result set of q.
func (q *Query) Matches(doc *model.Document) bool {
	return q.matchesPath(doc) && q.matchesOrderBy(doc) && q.matchesFilters(doc)
}

func (q *Query) matchesPath(doc *model.Document) bool {
	path := doc.Key().Path()
	if model.IsDocumentKey(q.Path) {
		return q.Path.Equal(path)
	}

	return q.Path.IsImmediateParentOf(path)
}

// matchesOrderBy drops documents that lack an ordered field.
func (q *Query) matchesOrderBy(doc *model.Document) bool {
	for _, o := range q.OrderBy {
		if o.isKeyOrdering() {
			continue
		}

		if _, ok := doc.Field(o.Field); !ok {
			return false
		}
	}

	return true
}

func (q *Query) matchesFilters(doc *model.Document) bool {
	for _, f := range q.Filters {
		if !f.Matches(doc) {
			return false
		}
	}

	return true
}

// Compare orders two matching documents by the effective ordering.
func (q *Query) Compare(a, b *model.Document) int {
	for _, o := range q.EffectiveOrderBy() {
		if c := o.compare(a, b); c != 0 {
			return c
		}
	}

	return 0
}

// CanonicalID is a string that is equal for equivalent queries.
func (q *Query) CanonicalID() string {
	var b strings.Builder

	b.WriteString(q.Path.CanonicalString())

	if len(q.Filters) > 0 {
		b.WriteString("|f:")

		for _, f := range q.Filters {
			b.WriteString(f.canonicalID())
		}
	}

	b.WriteString("|ob:")

	for _, o := range q.EffectiveOrderBy() {
		b.WriteString(o.canonicalID())
	}

	if q.Limit > 0 {
		b.WriteString("|l:")
		b.WriteString(strconv.Itoa(q.Limit))
	}

	return b.String()
}

// Equal reports whether both queries are equivalent.
func (q *Query) Equal(other *Query) bool {
	return q.CanonicalID() == other.CanonicalID()
}

func (q *Query) String() string {
	return "Query(" + q.CanonicalID() + ")"
}
