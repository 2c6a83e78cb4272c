package remote

// Wire types mirror the backend's proto3 JSON shapes. The same structs are
// reused by the local store's on-disk encoding.

// Value is a wire field value. Exactly one field is set.
type Value struct {
	NullValue    *string `json:"nullValue,omitempty"`
	BooleanValue *bool   `json:"booleanValue,omitempty"`
	// IntegerValue is an int64 rendered as a decimal string.
	IntegerValue *string `json:"integerValue,omitempty"`
	// DoubleValue is a float64, or one of "NaN", "Infinity", "-Infinity"
	// in proto3 JSON mode.
	DoubleValue    any        `json:"doubleValue,omitempty"`
	TimestampValue *string    `json:"timestampValue,omitempty"`
	StringValue    *string    `json:"stringValue,omitempty"`
	BytesValue     *[]byte    `json:"bytesValue,omitempty"`
	ReferenceValue *string    `json:"referenceValue,omitempty"`
	GeoPointValue  *LatLng    `json:"geoPointValue,omitempty"`
	ArrayValue     *ArrayWire `json:"arrayValue,omitempty"`
	MapValue       *MapWire   `json:"mapValue,omitempty"`
}

// LatLng is a wire geo point.
type LatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ArrayWire is a wire array.
type ArrayWire struct {
	Values []Value `json:"values,omitempty"`
}

// MapWire is a wire map.
type MapWire struct {
	Fields map[string]Value `json:"fields,omitempty"`
}

// Document is a wire document.
type Document struct {
	Name       string           `json:"name"`
	Fields     map[string]Value `json:"fields,omitempty"`
	UpdateTime string           `json:"updateTime,omitempty"`
}

// Precondition is a wire precondition.
type Precondition struct {
	Exists     *bool   `json:"exists,omitempty"`
	UpdateTime *string `json:"updateTime,omitempty"`
}

// DocumentMask lists patched fields.
type DocumentMask struct {
	FieldPaths []string `json:"fieldPaths"`
}

// ServerValueRequestTime sets a field to the commit time.
const ServerValueRequestTime = "REQUEST_TIME"

// FieldTransform is a wire field transform.
type FieldTransform struct {
	FieldPath        string `json:"fieldPath"`
	SetToServerValue string `json:"setToServerValue"`
}

// DocumentTransform is a wire transform.
type DocumentTransform struct {
	Document        string           `json:"document"`
	FieldTransforms []FieldTransform `json:"fieldTransforms"`
}

// Write is a wire mutation. Exactly one of Update, Delete or Transform is set.
type Write struct {
	Update          *Document          `json:"update,omitempty"`
	Delete          *string            `json:"delete,omitempty"`
	Transform       *DocumentTransform `json:"transform,omitempty"`
	UpdateMask      *DocumentMask      `json:"updateMask,omitempty"`
	CurrentDocument *Precondition      `json:"currentDocument,omitempty"`
}

// WriteResult is the wire result of one write.
type WriteResult struct {
	UpdateTime       string  `json:"updateTime,omitempty"`
	TransformResults []Value `json:"transformResults,omitempty"`
}

// CommitRequest is the body of the commit RPC.
type CommitRequest struct {
	Database string  `json:"database"`
	Writes   []Write `json:"writes"`
}

// CommitResponse is the result of the commit RPC.
type CommitResponse struct {
	WriteResults []WriteResult `json:"writeResults"`
	CommitTime   string        `json:"commitTime"`
}

// BatchGetRequest is the body of the batchGet RPC.
type BatchGetRequest struct {
	Database  string   `json:"database"`
	Documents []string `json:"documents"`
}

// BatchGetResult is one entry of a batchGet response: either Found or Missing.
type BatchGetResult struct {
	Found    *Document `json:"found,omitempty"`
	Missing  string    `json:"missing,omitempty"`
	ReadTime string    `json:"readTime"`
}

// BatchGetResponse is the result of the batchGet RPC.
type BatchGetResponse struct {
	Results []BatchGetResult `json:"results"`
}

// FieldReference names a field in a structured query.
type FieldReference struct {
	FieldPath string `json:"fieldPath"`
}

// FieldFilter is a wire relational filter.
type FieldFilter struct {
	Field FieldReference `json:"field"`
	Op    string         `json:"op"`
	Value Value          `json:"value"`
}

// CompositeFilter combines filters with AND.
type CompositeFilter struct {
	Op      string   `json:"op"`
	Filters []Filter `json:"filters"`
}

// Filter is a wire filter: a field filter or a composite.
type Filter struct {
	FieldFilter     *FieldFilter     `json:"fieldFilter,omitempty"`
	CompositeFilter *CompositeFilter `json:"compositeFilter,omitempty"`
}

// Order is a wire ordering.
type Order struct {
	Field     FieldReference `json:"field"`
	Direction string         `json:"direction"`
}

// CollectionSelector names the queried collection.
type CollectionSelector struct {
	CollectionID string `json:"collectionId"`
}

// StructuredQuery is a wire query.
type StructuredQuery struct {
	From    []CollectionSelector `json:"from"`
	Where   *Filter              `json:"where,omitempty"`
	OrderBy []Order              `json:"orderBy,omitempty"`
	Limit   *int                 `json:"limit,omitempty"`
}

// QueryTarget is a collection query target.
type QueryTarget struct {
	Parent          string          `json:"parent"`
	StructuredQuery StructuredQuery `json:"structuredQuery"`
}

// DocumentsTarget is a target over explicit documents.
type DocumentsTarget struct {
	Documents []string `json:"documents"`
}

// Target is a wire listen target.
type Target struct {
	TargetID    int              `json:"targetId"`
	Query       *QueryTarget     `json:"query,omitempty"`
	Documents   *DocumentsTarget `json:"documents,omitempty"`
	ResumeToken []byte           `json:"resumeToken,omitempty"`
}

// ListenRequest is sent on the watch stream.
type ListenRequest struct {
	Database     string            `json:"database"`
	AddTarget    *Target           `json:"addTarget,omitempty"`
	RemoveTarget int               `json:"removeTarget,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// Status is a wire error status.
type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// Target change types.
const (
	TargetChangeNoChange = "NO_CHANGE"
	TargetChangeAdd      = "ADD"
	TargetChangeRemove   = "REMOVE"
	TargetChangeCurrent  = "CURRENT"
	TargetChangeReset    = "RESET"
)

// TargetChangeWire reports a change in target state.
type TargetChangeWire struct {
	TargetChangeType string  `json:"targetChangeType,omitempty"`
	TargetIDs        []int   `json:"targetIds,omitempty"`
	Cause            *Status `json:"cause,omitempty"`
	ResumeToken      []byte  `json:"resumeToken,omitempty"`
	ReadTime         string  `json:"readTime,omitempty"`
}

// DocumentChangeWire reports a changed document.
type DocumentChangeWire struct {
	Document         Document `json:"document"`
	TargetIDs        []int    `json:"targetIds,omitempty"`
	RemovedTargetIDs []int    `json:"removedTargetIds,omitempty"`
}

// DocumentDeleteWire reports a deleted document.
type DocumentDeleteWire struct {
	Document         string `json:"document"`
	RemovedTargetIDs []int  `json:"removedTargetIds,omitempty"`
	ReadTime         string `json:"readTime,omitempty"`
}

// DocumentRemoveWire reports a document leaving targets.
type DocumentRemoveWire struct {
	Document         string `json:"document"`
	RemovedTargetIDs []int  `json:"removedTargetIds,omitempty"`
	ReadTime         string `json:"readTime,omitempty"`
}

// ExistenceFilterWire carries the number of documents matching a target.
type ExistenceFilterWire struct {
	TargetID int `json:"targetId"`
	Count    int `json:"count"`
}

// ListenResponse is received on the watch stream. Exactly one field is set.
type ListenResponse struct {
	TargetChange   *TargetChangeWire    `json:"targetChange,omitempty"`
	DocumentChange *DocumentChangeWire  `json:"documentChange,omitempty"`
	DocumentDelete *DocumentDeleteWire  `json:"documentDelete,omitempty"`
	DocumentRemove *DocumentRemoveWire  `json:"documentRemove,omitempty"`
	Filter         *ExistenceFilterWire `json:"filter,omitempty"`
}

// WriteRequest is sent on the write stream. The first request of a stream
// carries no writes and performs the handshake.
type WriteRequest struct {
	Database    string  `json:"database,omitempty"`
	StreamToken []byte  `json:"streamToken,omitempty"`
	Writes      []Write `json:"writes,omitempty"`
}

// WriteResponse is received on the write stream.
type WriteResponse struct {
	StreamToken  []byte        `json:"streamToken,omitempty"`
	WriteResults []WriteResult `json:"writeResults,omitempty"`
	CommitTime   string        `json:"commitTime,omitempty"`
}
