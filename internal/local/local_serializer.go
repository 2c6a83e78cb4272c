package local

import (
	"bytes"
	"fmt"

	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
	"github.com/serroba/docsync/internal/remote"
	"github.com/vmihailenco/msgpack/v5"
)

// Records stored by kv persistence. They embed the wire types so documents
// and mutations have one encoding on the network and on disk.

type dbNoDocument struct {
	Name     string `json:"name"`
	ReadTime string `json:"readTime"`
}

// dbRemoteDocument holds exactly one of Document or NoDocument.
type dbRemoteDocument struct {
	Document   *remote.Document `json:"document,omitempty"`
	NoDocument *dbNoDocument    `json:"noDocument,omitempty"`
}

type dbMutationBatch struct {
	UserID         string         `json:"userId"`
	BatchID        int            `json:"batchId"`
	LocalWriteTime string         `json:"localWriteTime"`
	Mutations      []remote.Write `json:"mutations"`
}

type dbMutationQueue struct {
	UserID                  string `json:"userId"`
	LastAcknowledgedBatchID int    `json:"lastAcknowledgedBatchId"`
	LastStreamToken         []byte `json:"lastStreamToken,omitempty"`
}

type dbTarget struct {
	TargetID        int           `json:"targetId"`
	CanonicalID     string        `json:"canonicalId"`
	SnapshotVersion string        `json:"snapshotVersion"`
	Target          remote.Target `json:"target"`
}

type dbTargetGlobal struct {
	HighestTargetID           int    `json:"highestTargetId"`
	LastRemoteSnapshotVersion string `json:"lastRemoteSnapshotVersion"`
}

type dbSchema struct {
	Version int `json:"version"`
}

// LocalSerializer converts model types to the records kv persistence
// stores. Values are msgpack encoded.
type LocalSerializer struct {
	remote *remote.Serializer
}

// NewLocalSerializer creates a serializer that encodes documents and
// mutations with s. s should not use proto3 JSON: msgpack represents every
// double natively.
func NewLocalSerializer(s *remote.Serializer) *LocalSerializer {
	return &LocalSerializer{remote: s}
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer

	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetCustomStructTag("json")
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)

	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}

	return buf.Bytes(), nil
}

func unmarshal(data []byte, v any) error {
	dec := msgpack.GetDecoder()
	dec.Reset(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	err := dec.Decode(v)
	msgpack.PutDecoder(dec)

	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}

	return nil
}

// EncodeMaybeDocument encodes a cached document or tombstone.
func (s *LocalSerializer) EncodeMaybeDocument(doc model.MaybeDocument) ([]byte, error) {
	var record dbRemoteDocument

	switch d := doc.(type) {
	case *model.Document:
		w := s.remote.ToDocument(d)
		record.Document = &w
	case *model.NoDocument:
		record.NoDocument = &dbNoDocument{
			Name:     s.remote.ToName(d.Key()),
			ReadTime: s.remote.ToVersion(d.Version()),
		}
	default:
		model.Fail("unknown MaybeDocument %T", doc)
	}

	return marshal(record)
}

// DecodeMaybeDocument decodes a record written by EncodeMaybeDocument.
func (s *LocalSerializer) DecodeMaybeDocument(data []byte) (model.MaybeDocument, error) {
	var record dbRemoteDocument
	if err := unmarshal(data, &record); err != nil {
		return nil, err
	}

	switch {
	case record.Document != nil:
		return s.remote.FromDocument(*record.Document)
	case record.NoDocument != nil:
		key, err := s.remote.FromName(record.NoDocument.Name)
		if err != nil {
			return nil, err
		}

		version, err := s.remote.FromVersion(record.NoDocument.ReadTime)
		if err != nil {
			return nil, err
		}

		return model.NewNoDocument(key, version), nil
	default:
		return nil, fmt.Errorf("%w: remote document record is empty", remote.ErrInvalidMessage)
	}
}

// EncodeMutationBatch encodes one of userID's batches.
func (s *LocalSerializer) EncodeMutationBatch(userID string, batch *model.MutationBatch) ([]byte, error) {
	record := dbMutationBatch{
		UserID:         userID,
		BatchID:        batch.BatchID,
		LocalWriteTime: s.remote.ToTimestamp(batch.LocalWriteTime),
		Mutations:      make([]remote.Write, len(batch.Mutations)),
	}

	for i, m := range batch.Mutations {
		record.Mutations[i] = s.remote.ToMutation(m)
	}

	return marshal(record)
}

// DecodeMutationBatch decodes a record written by EncodeMutationBatch.
func (s *LocalSerializer) DecodeMutationBatch(data []byte) (*model.MutationBatch, error) {
	var record dbMutationBatch
	if err := unmarshal(data, &record); err != nil {
		return nil, err
	}

	localWriteTime, err := s.remote.FromTimestamp(record.LocalWriteTime)
	if err != nil {
		return nil, err
	}

	mutations := make([]model.Mutation, len(record.Mutations))

	for i, w := range record.Mutations {
		if mutations[i], err = s.remote.FromMutation(w); err != nil {
			return nil, err
		}
	}

	return model.NewMutationBatch(record.BatchID, localWriteTime, mutations), nil
}

// EncodeTargetData encodes a listen target with its resume state.
func (s *LocalSerializer) EncodeTargetData(data *query.TargetData) ([]byte, error) {
	model.Assert(data.Purpose == query.PurposeListen,
		"only listen targets are persisted, got purpose %d", int(data.Purpose))

	return marshal(dbTarget{
		TargetID:        data.TargetID,
		CanonicalID:     data.Query.CanonicalID(),
		SnapshotVersion: s.remote.ToVersion(data.SnapshotVersion),
		Target:          s.remote.ToTarget(data),
	})
}

// DecodeTargetData decodes a record written by EncodeTargetData.
func (s *LocalSerializer) DecodeTargetData(data []byte) (*query.TargetData, error) {
	var record dbTarget
	if err := unmarshal(data, &record); err != nil {
		return nil, err
	}

	q, err := s.remote.FromTarget(record.Target)
	if err != nil {
		return nil, err
	}

	version, err := s.remote.FromVersion(record.SnapshotVersion)
	if err != nil {
		return nil, err
	}

	return query.NewTargetData(q, record.TargetID, query.PurposeListen).Update(version, record.Target.ResumeToken), nil
}
