package model

// DocumentKey identifies exactly one document. Its path always has an even
// number of segments: collection, id, collection, id...
type DocumentKey struct {
	path ResourcePath
}

// EmptyKey is the key with zero segments. It sorts before every real key.
var EmptyKey = DocumentKey{}

// IsDocumentKey reports whether path addresses a document.
func IsDocumentKey(path ResourcePath) bool {
	return path.Len()%2 == 0
}

// NewDocumentKey wraps path. It panics if path is not a document path.
func NewDocumentKey(path ResourcePath) DocumentKey {
	Assert(IsDocumentKey(path), "invalid document key path: %s", path)

	return DocumentKey{path: path}
}

// KeyFromSegments creates a key from raw segments.
func KeyFromSegments(segments ...string) DocumentKey {
	return NewDocumentKey(NewResourcePath(segments...))
}

// KeyOf parses a slash separated document path such as docs/x.
func KeyOf(path string) DocumentKey {
	return NewDocumentKey(ParseResourcePath(path))
}

// Path returns the key's resource path.
func (k DocumentKey) Path() ResourcePath {
	return k.path
}

// CollectionPath returns the path of the collection holding the document.
func (k DocumentKey) CollectionPath() ResourcePath {
	return k.path.Parent()
}

// IsEmpty reports whether k is EmptyKey.
func (k DocumentKey) IsEmpty() bool {
	return k.path.IsEmpty()
}

// Compare orders keys by path.
func (k DocumentKey) Compare(other DocumentKey) int {
	return k.path.Compare(other.path)
}

// Equal reports whether both keys address the same document.
func (k DocumentKey) Equal(other DocumentKey) bool {
	return k.path.Equal(other.path)
}

func (k DocumentKey) String() string {
	return k.path.CanonicalString()
}

// CompareKeys is a comparator for sorted containers.
func CompareKeys(a, b DocumentKey) int {
	return a.Compare(b)
}
