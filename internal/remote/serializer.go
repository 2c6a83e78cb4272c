package remote

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
)

const nullValue = "NULL_VALUE"

// Serializer converts between model types and wire types.
type Serializer struct {
	db            model.DatabaseID
	useProto3JSON bool
}

// NewSerializer creates a serializer for db. With useProto3JSON, doubles that
// JSON cannot represent (NaN and the infinities) are written as strings.
func NewSerializer(db model.DatabaseID, useProto3JSON bool) *Serializer {
	return &Serializer{db: db, useProto3JSON: useProto3JSON}
}

// DatabaseID returns the database the serializer names documents in.
func (s *Serializer) DatabaseID() model.DatabaseID {
	return s.db
}

// DatabaseName returns projects/{project}/databases/{database}.
func (s *Serializer) DatabaseName() string {
	return databaseName(s.db)
}

func databaseName(db model.DatabaseID) string {
	return "projects/" + db.ProjectID + "/databases/" + db.Database
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}

// ToTimestamp renders ts as RFC 3339 with nanoseconds.
func (s *Serializer) ToTimestamp(ts model.Timestamp) string {
	return ts.Time().Format(time.RFC3339Nano)
}

// FromTimestamp parses an RFC 3339 timestamp.
func (s *Serializer) FromTimestamp(v string) (model.Timestamp, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return model.Timestamp{}, invalid("timestamp %q: %v", v, err)
	}

	return model.TimestampFromTime(t), nil
}

// ToVersion renders a snapshot version.
func (s *Serializer) ToVersion(v model.SnapshotVersion) string {
	return s.ToTimestamp(v.Timestamp())
}

// FromVersion parses a snapshot version. An empty string is MinVersion.
func (s *Serializer) FromVersion(v string) (model.SnapshotVersion, error) {
	if v == "" {
		return model.MinVersion, nil
	}

	ts, err := s.FromTimestamp(v)
	if err != nil {
		return model.SnapshotVersion{}, err
	}

	return model.VersionFromTimestamp(ts), nil
}

// ToValue converts a field value.
func (s *Serializer) ToValue(v model.Value) Value {
	switch t := v.(type) {
	case model.NullValue:
		n := nullValue

		return Value{NullValue: &n}
	case model.BooleanValue:
		b := bool(t)

		return Value{BooleanValue: &b}
	case model.IntegerValue:
		i := strconv.FormatInt(int64(t), 10)

		return Value{IntegerValue: &i}
	case model.DoubleValue:
		return Value{DoubleValue: s.toDouble(float64(t))}
	case model.TimestampValue:
		ts := s.ToTimestamp(t.Timestamp)

		return Value{TimestampValue: &ts}
	case model.StringValue:
		str := string(t)

		return Value{StringValue: &str}
	case model.BlobValue:
		b := []byte(t)

		return Value{BytesValue: &b}
	case model.ReferenceValue:
		ref := databaseName(t.DatabaseID) + "/documents/" + t.Key.String()

		return Value{ReferenceValue: &ref}
	case model.GeoPointValue:
		return Value{GeoPointValue: &LatLng{Latitude: t.Latitude, Longitude: t.Longitude}}
	case model.ArrayValue:
		values := make([]Value, len(t))
		for i, e := range t {
			values[i] = s.ToValue(e)
		}

		return Value{ArrayValue: &ArrayWire{Values: values}}
	case model.ObjectValue:
		return Value{MapValue: &MapWire{Fields: s.ToFields(t)}}
	default:
		model.Fail("cannot serialize value kind %T", v)

		return Value{}
	}
}

func (s *Serializer) toDouble(f float64) any {
	if !s.useProto3JSON {
		return f
	}

	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	default:
		return f
	}
}

func fromDouble(v any) (model.Value, error) {
	switch d := v.(type) {
	case float64:
		return model.DoubleValue(d), nil
	case float32:
		return model.DoubleValue(d), nil
	case int64:
		return model.DoubleValue(d), nil
	case string:
		switch d {
		case "NaN":
			return model.DoubleValue(math.NaN()), nil
		case "Infinity":
			return model.DoubleValue(math.Inf(1)), nil
		case "-Infinity":
			return model.DoubleValue(math.Inf(-1)), nil
		}

		f, err := strconv.ParseFloat(d, 64)
		if err != nil {
			return nil, invalid("double %q", d)
		}

		return model.DoubleValue(f), nil
	default:
		return nil, invalid("double of type %T", v)
	}
}

// FromValue converts a wire field value.
func (s *Serializer) FromValue(w Value) (model.Value, error) {
	switch {
	case w.NullValue != nil:
		return model.Null, nil
	case w.BooleanValue != nil:
		return model.BooleanValue(*w.BooleanValue), nil
	case w.IntegerValue != nil:
		i, err := strconv.ParseInt(*w.IntegerValue, 10, 64)
		if err != nil {
			return nil, invalid("integer %q", *w.IntegerValue)
		}

		return model.IntegerValue(i), nil
	case w.DoubleValue != nil:
		return fromDouble(w.DoubleValue)
	case w.TimestampValue != nil:
		ts, err := s.FromTimestamp(*w.TimestampValue)
		if err != nil {
			return nil, err
		}

		return model.TimestampValue{Timestamp: ts}, nil
	case w.StringValue != nil:
		return model.StringValue(*w.StringValue), nil
	case w.BytesValue != nil:
		return model.BlobValue(append([]byte{}, *w.BytesValue...)), nil
	case w.ReferenceValue != nil:
		db, path, err := parseResourceName(*w.ReferenceValue)
		if err != nil {
			return nil, err
		}

		if !model.IsDocumentKey(path) || path.IsEmpty() {
			return nil, invalid("reference %q is not a document", *w.ReferenceValue)
		}

		return model.ReferenceValue{DatabaseID: db, Key: model.NewDocumentKey(path)}, nil
	case w.GeoPointValue != nil:
		return model.GeoPointValue{Latitude: w.GeoPointValue.Latitude, Longitude: w.GeoPointValue.Longitude}, nil
	case w.ArrayValue != nil:
		arr := make(model.ArrayValue, len(w.ArrayValue.Values))

		for i, e := range w.ArrayValue.Values {
			v, err := s.FromValue(e)
			if err != nil {
				return nil, err
			}

			arr[i] = v
		}

		return arr, nil
	case w.MapValue != nil:
		return s.FromFields(w.MapValue.Fields)
	default:
		return nil, invalid("value has no kind set")
	}
}

// ToFields converts an object into a wire field map.
func (s *Serializer) ToFields(obj model.ObjectValue) map[string]Value {
	fields := make(map[string]Value, obj.Len())
	for name, v := range obj.All() {
		fields[name] = s.ToValue(v)
	}

	return fields
}

// FromFields converts a wire field map into an object.
func (s *Serializer) FromFields(fields map[string]Value) (model.ObjectValue, error) {
	obj := model.EmptyObject()

	for name, w := range fields {
		v, err := s.FromValue(w)
		if err != nil {
			return model.ObjectValue{}, fmt.Errorf("field %s: %w", name, err)
		}

		obj = obj.Set(model.NewFieldPath(name), v)
	}

	return obj, nil
}

// parseResourceName splits projects/{p}/databases/{d}/documents/{path}.
func parseResourceName(name string) (model.DatabaseID, model.ResourcePath, error) {
	segs := strings.Split(name, "/")
	if len(segs) < 5 || segs[0] != "projects" || segs[2] != "databases" || segs[4] != "documents" {
		return model.DatabaseID{}, model.ResourcePath{}, invalid("resource name %q", name)
	}

	db := model.DatabaseID{ProjectID: segs[1], Database: segs[3]}

	return db, model.NewResourcePath(segs[5:]...), nil
}

// ToName returns the fully qualified name of key.
func (s *Serializer) ToName(key model.DocumentKey) string {
	return s.toResourceName(key.Path())
}

func (s *Serializer) toResourceName(path model.ResourcePath) string {
	if path.IsEmpty() {
		return s.DatabaseName() + "/documents"
	}

	return s.DatabaseName() + "/documents/" + path.CanonicalString()
}

func (s *Serializer) fromResourceName(name string) (model.ResourcePath, error) {
	db, path, err := parseResourceName(name)
	if err != nil {
		return model.ResourcePath{}, err
	}

	if db != s.db {
		return model.ResourcePath{}, invalid("resource %q is from another database", name)
	}

	return path, nil
}

// FromName parses a fully qualified document name.
func (s *Serializer) FromName(name string) (model.DocumentKey, error) {
	path, err := s.fromResourceName(name)
	if err != nil {
		return model.DocumentKey{}, err
	}

	if path.IsEmpty() || !model.IsDocumentKey(path) {
		return model.DocumentKey{}, invalid("%q is not a document name", name)
	}

	return model.NewDocumentKey(path), nil
}

// ToDocument converts a document.
func (s *Serializer) ToDocument(doc *model.Document) Document {
	model.Assert(!doc.HasLocalMutations(), "can't serialize documents with local mutations")

	return Document{
		Name:       s.ToName(doc.Key()),
		Fields:     s.ToFields(doc.Data()),
		UpdateTime: s.ToVersion(doc.Version()),
	}
}

// FromDocument converts a wire document.
func (s *Serializer) FromDocument(w Document) (*model.Document, error) {
	key, err := s.FromName(w.Name)
	if err != nil {
		return nil, err
	}

	if w.UpdateTime == "" {
		return nil, invalid("document %s has no update time", w.Name)
	}

	version, err := s.FromVersion(w.UpdateTime)
	if err != nil {
		return nil, err
	}

	data, err := s.FromFields(w.Fields)
	if err != nil {
		return nil, err
	}

	return model.NewDocument(key, version, data, false), nil
}

// FromBatchGetResult converts a lookup result.
func (s *Serializer) FromBatchGetResult(r BatchGetResult) (model.MaybeDocument, error) {
	if r.Found != nil {
		return s.FromDocument(*r.Found)
	}

	if r.Missing == "" {
		return nil, invalid("batchGet result has neither found nor missing set")
	}

	key, err := s.FromName(r.Missing)
	if err != nil {
		return nil, err
	}

	version, err := s.FromVersion(r.ReadTime)
	if err != nil {
		return nil, err
	}

	return model.NewNoDocument(key, version), nil
}

// ToPrecondition converts a precondition. PreconditionNone yields nil.
func (s *Serializer) ToPrecondition(p model.Precondition) *Precondition {
	if v, ok := p.UpdateTime(); ok {
		ts := s.ToVersion(v)

		return &Precondition{UpdateTime: &ts}
	}

	if exists, ok := p.Exists(); ok {
		return &Precondition{Exists: &exists}
	}

	return nil
}

// FromPrecondition converts a wire precondition. Nil is PreconditionNone.
func (s *Serializer) FromPrecondition(w *Precondition) (model.Precondition, error) {
	switch {
	case w == nil:
		return model.PreconditionNone, nil
	case w.UpdateTime != nil:
		v, err := s.FromVersion(*w.UpdateTime)
		if err != nil {
			return model.Precondition{}, err
		}

		return model.PreconditionUpdateTime(v), nil
	case w.Exists != nil:
		return model.PreconditionExists(*w.Exists), nil
	default:
		return model.PreconditionNone, nil
	}
}

// ToMutation converts a mutation into a wire write.
func (s *Serializer) ToMutation(m model.Mutation) Write {
	var w Write

	switch t := m.(type) {
	case *model.SetMutation:
		w.Update = &Document{Name: s.ToName(t.Key()), Fields: s.ToFields(t.Value())}
	case *model.PatchMutation:
		w.Update = &Document{Name: s.ToName(t.Key()), Fields: s.ToFields(t.Value())}

		paths := make([]string, len(t.Mask().Fields))
		for i, f := range t.Mask().Fields {
			paths[i] = f.CanonicalString()
		}

		w.UpdateMask = &DocumentMask{FieldPaths: paths}
	case *model.TransformMutation:
		transforms := make([]FieldTransform, 0, len(t.FieldTransforms()))
		for _, ft := range t.FieldTransforms() {
			transforms = append(transforms, FieldTransform{
				FieldPath:        ft.Field.CanonicalString(),
				SetToServerValue: ServerValueRequestTime,
			})
		}

		w.Transform = &DocumentTransform{Document: s.ToName(t.Key()), FieldTransforms: transforms}
	case *model.DeleteMutation:
		name := s.ToName(t.Key())
		w.Delete = &name
	default:
		model.Fail("unknown mutation type %T", m)
	}

	if !m.Precondition().IsNone() {
		w.CurrentDocument = s.ToPrecondition(m.Precondition())
	}

	return w
}

// FromMutation converts a wire write into a mutation.
func (s *Serializer) FromMutation(w Write) (model.Mutation, error) {
	precondition, err := s.FromPrecondition(w.CurrentDocument)
	if err != nil {
		return nil, err
	}

	switch {
	case w.Update != nil:
		key, err := s.FromName(w.Update.Name)
		if err != nil {
			return nil, err
		}

		value, err := s.FromFields(w.Update.Fields)
		if err != nil {
			return nil, err
		}

		if w.UpdateMask == nil {
			return model.NewSetMutation(key, value, precondition), nil
		}

		return model.NewPatchMutation(key, value, model.NewFieldMask(w.UpdateMask.FieldPaths...), precondition), nil
	case w.Delete != nil:
		key, err := s.FromName(*w.Delete)
		if err != nil {
			return nil, err
		}

		return model.NewDeleteMutation(key, precondition), nil
	case w.Transform != nil:
		if exists, ok := precondition.Exists(); !ok || !exists {
			return nil, invalid("transforms must require an existing document")
		}

		key, err := s.FromName(w.Transform.Document)
		if err != nil {
			return nil, err
		}

		transforms := make([]model.FieldTransform, len(w.Transform.FieldTransforms))

		for i, ft := range w.Transform.FieldTransforms {
			if ft.SetToServerValue != ServerValueRequestTime {
				return nil, invalid("unknown server value %q", ft.SetToServerValue)
			}

			transforms[i] = model.FieldTransform{Field: model.ParseFieldPath(ft.FieldPath)}
		}

		return model.NewTransformMutation(key, transforms), nil
	default:
		return nil, invalid("write has no operation set")
	}
}

// FromWriteResult converts the result of one write.
func (s *Serializer) FromWriteResult(w WriteResult) (model.MutationResult, error) {
	var result model.MutationResult

	if w.UpdateTime != "" {
		v, err := s.FromVersion(w.UpdateTime)
		if err != nil {
			return result, err
		}

		result.Version = &v
	}

	if len(w.TransformResults) > 0 {
		result.TransformResults = make([]model.Value, len(w.TransformResults))

		for i, tr := range w.TransformResults {
			v, err := s.FromValue(tr)
			if err != nil {
				return result, err
			}

			result.TransformResults[i] = v
		}
	}

	return result, nil
}

// FromWriteResults converts all results of a commit.
func (s *Serializer) FromWriteResults(ws []WriteResult) ([]model.MutationResult, error) {
	results := make([]model.MutationResult, len(ws))

	for i, w := range ws {
		r, err := s.FromWriteResult(w)
		if err != nil {
			return nil, err
		}

		results[i] = r
	}

	return results, nil
}

var operatorNames = map[query.Operator]string{
	query.LessThan:           "LESS_THAN",
	query.LessThanOrEqual:    "LESS_THAN_OR_EQUAL",
	query.Equal:              "EQUAL",
	query.GreaterThan:        "GREATER_THAN",
	query.GreaterThanOrEqual: "GREATER_THAN_OR_EQUAL",
}

func fromOperatorName(name string) (query.Operator, error) {
	for op, n := range operatorNames {
		if n == name {
			return op, nil
		}
	}

	return "", invalid("unknown filter operator %q", name)
}

// ToTarget converts listen data into a wire target.
func (s *Serializer) ToTarget(data *query.TargetData) Target {
	t := Target{TargetID: data.TargetID}

	if data.Query.IsDocumentQuery() {
		t.Documents = s.ToDocumentsTarget(data.Query)
	} else {
		t.Query = s.ToQueryTarget(data.Query)
	}

	if len(data.ResumeToken) > 0 {
		t.ResumeToken = data.ResumeToken
	}

	return t
}

// FromTarget recovers the query of a wire target.
func (s *Serializer) FromTarget(t Target) (*query.Query, error) {
	switch {
	case t.Documents != nil:
		return s.FromDocumentsTarget(*t.Documents)
	case t.Query != nil:
		return s.FromQueryTarget(*t.Query)
	default:
		return nil, invalid("target %d has neither query nor documents", t.TargetID)
	}
}

// ToDocumentsTarget converts a single document query.
func (s *Serializer) ToDocumentsTarget(q *query.Query) *DocumentsTarget {
	return &DocumentsTarget{Documents: []string{s.toResourceName(q.Path)}}
}

// FromDocumentsTarget converts a documents target.
func (s *Serializer) FromDocumentsTarget(t DocumentsTarget) (*query.Query, error) {
	if len(t.Documents) != 1 {
		return nil, invalid("documents target contains %d documents", len(t.Documents))
	}

	key, err := s.FromName(t.Documents[0])
	if err != nil {
		return nil, err
	}

	return query.AtPath(key.Path()), nil
}

// ToQueryTarget converts a collection query.
func (s *Serializer) ToQueryTarget(q *query.Query) *QueryTarget {
	sq := StructuredQuery{
		From: []CollectionSelector{{CollectionID: q.Path.LastSegment()}},
	}

	filters := make([]Filter, len(q.Filters))
	for i, f := range q.Filters {
		filters[i] = Filter{FieldFilter: &FieldFilter{
			Field: FieldReference{FieldPath: f.Field.CanonicalString()},
			Op:    operatorNames[f.Op],
			Value: s.ToValue(f.Value),
		}}
	}

	switch len(filters) {
	case 0:
	case 1:
		sq.Where = &filters[0]
	default:
		sq.Where = &Filter{CompositeFilter: &CompositeFilter{Op: "AND", Filters: filters}}
	}

	for _, o := range q.OrderBy {
		dir := "ASCENDING"
		if o.Direction == query.Descending {
			dir = "DESCENDING"
		}

		sq.OrderBy = append(sq.OrderBy, Order{
			Field:     FieldReference{FieldPath: o.Field.CanonicalString()},
			Direction: dir,
		})
	}

	if q.Limit > 0 {
		limit := q.Limit
		sq.Limit = &limit
	}

	return &QueryTarget{Parent: s.toResourceName(q.Path.Parent()), StructuredQuery: sq}
}

// FromQueryTarget converts a query target.
func (s *Serializer) FromQueryTarget(t QueryTarget) (*query.Query, error) {
	parent, err := s.fromResourceName(t.Parent)
	if err != nil {
		return nil, err
	}

	sq := t.StructuredQuery
	if len(sq.From) != 1 {
		return nil, invalid("structured query must select one collection, got %d", len(sq.From))
	}

	q := query.AtPath(parent.Child(sq.From[0].CollectionID))

	if sq.Where != nil {
		filters, err := s.fromFilter(*sq.Where)
		if err != nil {
			return nil, err
		}

		q.Filters = filters
	}

	for _, o := range sq.OrderBy {
		dir := query.Ascending

		switch o.Direction {
		case "ASCENDING", "":
		case "DESCENDING":
			dir = query.Descending
		default:
			return nil, invalid("unknown direction %q", o.Direction)
		}

		q.OrderBy = append(q.OrderBy, query.OrderBy{Field: model.ParseFieldPath(o.Field.FieldPath), Direction: dir})
	}

	if sq.Limit != nil {
		q.Limit = *sq.Limit
	}

	return q, nil
}

func (s *Serializer) fromFilter(f Filter) ([]query.Filter, error) {
	switch {
	case f.FieldFilter != nil:
		op, err := fromOperatorName(f.FieldFilter.Op)
		if err != nil {
			return nil, err
		}

		v, err := s.FromValue(f.FieldFilter.Value)
		if err != nil {
			return nil, err
		}

		return []query.Filter{{Field: model.ParseFieldPath(f.FieldFilter.Field.FieldPath), Op: op, Value: v}}, nil
	case f.CompositeFilter != nil:
		if f.CompositeFilter.Op != "AND" {
			return nil, invalid("unsupported composite operator %q", f.CompositeFilter.Op)
		}

		var out []query.Filter

		for _, sub := range f.CompositeFilter.Filters {
			fs, err := s.fromFilter(sub)
			if err != nil {
				return nil, err
			}

			out = append(out, fs...)
		}

		return out, nil
	default:
		return nil, invalid("filter has no kind set")
	}
}
