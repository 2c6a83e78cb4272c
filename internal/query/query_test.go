package query_test

import (
	"testing"

	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
	"github.com/stretchr/testify/require"
)

func doc(path string, fields map[string]any) *model.Document {
	return model.NewDocument(model.KeyOf(path), model.VersionFromMicros(1), model.MustObject(fields), false)
}

func TestQuery_MatchesImmediateChildrenOnly(t *testing.T) {
	t.Parallel()

	q := query.Collection("rooms")

	if !q.Matches(doc("rooms/abc", nil)) {
		t.Error("expected rooms/abc to match")
	}

	if q.Matches(doc("rooms/abc/messages/x", nil)) {
		t.Error("expected nested document not to match")
	}

	if q.Matches(doc("other/abc", nil)) {
		t.Error("expected document of another collection not to match")
	}
}

func TestQuery_DocumentQuery(t *testing.T) {
	t.Parallel()

	q := query.Collection("rooms/abc")

	require.True(t, q.IsDocumentQuery())
	require.True(t, q.Matches(doc("rooms/abc", nil)))
	require.False(t, q.Matches(doc("rooms/abd", nil)))
}

func TestQuery_Filters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		op    query.Operator
		value any
		doc   map[string]any
		want  bool
	}{
		{"greater", query.GreaterThan, 0, map[string]any{"n": 1}, true},
		{"greater fails", query.GreaterThan, 0, map[string]any{"n": -1}, false},
		{"missing field", query.GreaterThan, 0, map[string]any{"m": 1}, false},
		{"different kind", query.GreaterThan, 0, map[string]any{"n": "1"}, false},
		{"int equals double", query.Equal, 1.0, map[string]any{"n": 1}, true},
		{"less or equal", query.LessThanOrEqual, 5, map[string]any{"n": 5}, true},
		{"greater or equal", query.GreaterThanOrEqual, 5, map[string]any{"n": 4.5}, false},
		{"less", query.LessThan, "b", map[string]any{"n": "a"}, true},
		{"null equals null", query.Equal, nil, map[string]any{"n": nil}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			q := query.Collection("docs").MustWhere("n", tt.op, tt.value)
			if got := q.Matches(doc("docs/a", tt.doc)); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuery_OrderByRequiresField(t *testing.T) {
	t.Parallel()

	q := query.Collection("docs").OrderByField("rank", query.Ascending)

	require.False(t, q.Matches(doc("docs/a", map[string]any{"n": 1})))
	require.True(t, q.Matches(doc("docs/a", map[string]any{"rank": 1})))
}

func TestQuery_Compare(t *testing.T) {
	t.Parallel()

	q := query.Collection("docs").OrderByField("rank", query.Descending)

	a := doc("docs/a", map[string]any{"rank": 1})
	b := doc("docs/b", map[string]any{"rank": 2})
	c := doc("docs/c", map[string]any{"rank": 2})

	if q.Compare(b, a) >= 0 {
		t.Error("expected higher rank first for descending order")
	}

	if q.Compare(c, b) >= 0 {
		t.Error("expected key tie break to follow the last direction")
	}

	byKey := query.Collection("docs")
	if byKey.Compare(a, b) >= 0 {
		t.Error("expected default key order to be ascending")
	}
}

func TestQuery_CanonicalID(t *testing.T) {
	t.Parallel()

	a := query.Collection("docs").MustWhere("n", query.GreaterThan, 0).WithLimit(3)
	b := query.Collection("docs").MustWhere("n", query.GreaterThan, 0).WithLimit(3)
	c := query.Collection("docs").MustWhere("n", query.GreaterThan, 1)

	require.Equal(t, a.CanonicalID(), b.CanonicalID())
	require.True(t, a.Equal(b))
	require.NotEqual(t, a.CanonicalID(), c.CanonicalID())
	require.Equal(t, "docs|ob:__name__asc", query.Collection("docs").CanonicalID())
}

func TestQuery_BuildersDoNotMutate(t *testing.T) {
	t.Parallel()

	base := query.Collection("docs")
	_ = base.MustWhere("n", query.Equal, 1).OrderByField("n", query.Ascending)

	require.Empty(t, base.Filters)
	require.Empty(t, base.OrderBy)
}

func TestParseOperator(t *testing.T) {
	t.Parallel()

	op, err := query.ParseOperator(">=")
	require.NoError(t, err)
	require.Equal(t, query.GreaterThanOrEqual, op)

	_, err = query.ParseOperator("!=")
	require.ErrorIs(t, err, query.ErrInvalidOperator)
}

func TestIDGenerator(t *testing.T) {
	t.Parallel()

	local := query.LocalStoreIDGenerator(0)
	require.Equal(t, 2, local.Next())
	require.Equal(t, 4, local.Next())

	resumed := query.LocalStoreIDGenerator(6)
	require.Equal(t, 8, resumed.Next())

	limbo := query.SyncEngineIDGenerator()
	require.Equal(t, 1, limbo.Next())
	require.Equal(t, 3, limbo.Next())
}

func TestTargetData_Update(t *testing.T) {
	t.Parallel()

	data := query.NewTargetData(query.Collection("docs"), 2, query.PurposeListen)
	updated := data.Update(model.VersionFromMicros(5), []byte("token"))

	require.Nil(t, data.ResumeToken)
	require.Equal(t, []byte("token"), updated.ResumeToken)
	require.Equal(t, 2, updated.TargetID)
}
