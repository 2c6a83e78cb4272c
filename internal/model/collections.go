package model

import "github.com/serroba/docsync/internal/sortedmap"

// DocumentKeySet is an immutable sorted set of keys.
type DocumentKeySet = sortedmap.Set[DocumentKey]

// MaybeDocumentMap maps keys to documents or tombstones.
type MaybeDocumentMap = sortedmap.Map[DocumentKey, MaybeDocument]

// DocumentMap maps keys to existing documents.
type DocumentMap = sortedmap.Map[DocumentKey, *Document]

// NewDocumentKeySet creates a set containing keys.
func NewDocumentKeySet(keys ...DocumentKey) DocumentKeySet {
	s := sortedmap.NewSet(CompareKeys)
	for _, k := range keys {
		s = s.Add(k)
	}

	return s
}

// NewMaybeDocumentMap creates an empty map.
func NewMaybeDocumentMap() MaybeDocumentMap {
	return sortedmap.New[DocumentKey, MaybeDocument](CompareKeys)
}

// NewDocumentMap creates an empty map.
func NewDocumentMap() DocumentMap {
	return sortedmap.New[DocumentKey, *Document](CompareKeys)
}
