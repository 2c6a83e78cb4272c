package remote

import (
	"context"
	"fmt"

	"github.com/serroba/docsync/internal/asyncqueue"
	"github.com/serroba/docsync/internal/auth"
	"github.com/serroba/docsync/internal/logging"
	"github.com/serroba/docsync/internal/model"
	"go.uber.org/zap"
)

// DatastoreConfig holds configuration for a Datastore.
type DatastoreConfig struct {
	Connection  Connection
	Credentials auth.CredentialsProvider
	Serializer  *Serializer
	// Queue delivers stream events.
	Queue  *asyncqueue.Queue
	Stream StreamConfig
	Logger *zap.Logger
}

// Datastore exposes the backend RPCs in model terms.
type Datastore struct {
	conn       Connection
	creds      auth.CredentialsProvider
	serializer *Serializer
	queue      *asyncqueue.Queue
	streamCfg  StreamConfig
	log        *zap.Logger
}

// NewDatastore creates a Datastore.
func NewDatastore(cfg DatastoreConfig) *Datastore {
	streamCfg := cfg.Stream
	if streamCfg == (StreamConfig{}) {
		streamCfg = DefaultStreamConfig()
	}

	return &Datastore{
		conn:       cfg.Connection,
		creds:      cfg.Credentials,
		serializer: cfg.Serializer,
		queue:      cfg.Queue,
		streamCfg:  streamCfg,
		log:        logging.OrNop(cfg.Logger),
	}
}

// Serializer returns the serializer used for requests.
func (d *Datastore) Serializer() *Serializer {
	return d.serializer
}

func (d *Datastore) invoke(ctx context.Context, rpc RPC, req, resp any) error {
	token, err := d.creds.GetToken(ctx, false)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}

	return d.conn.Invoke(ctx, rpc, req, resp, token)
}

// Commit writes mutations atomically.
func (d *Datastore) Commit(ctx context.Context, mutations []model.Mutation) ([]model.MutationResult, error) {
	req := CommitRequest{Database: d.serializer.DatabaseName(), Writes: make([]Write, len(mutations))}
	for i, m := range mutations {
		req.Writes[i] = d.serializer.ToMutation(m)
	}

	var resp CommitResponse
	if err := d.invoke(ctx, RPCCommit, req, &resp); err != nil {
		return nil, err
	}

	if len(resp.WriteResults) != len(mutations) {
		return nil, invalid("commit returned %d results for %d writes", len(resp.WriteResults), len(mutations))
	}

	return d.serializer.FromWriteResults(resp.WriteResults)
}

// Lookup reads the current state of keys, in the order given.
func (d *Datastore) Lookup(ctx context.Context, keys []model.DocumentKey) ([]model.MaybeDocument, error) {
	req := BatchGetRequest{Database: d.serializer.DatabaseName(), Documents: make([]string, len(keys))}
	for i, k := range keys {
		req.Documents[i] = d.serializer.ToName(k)
	}

	var resp BatchGetResponse
	if err := d.invoke(ctx, RPCBatchGet, req, &resp); err != nil {
		return nil, err
	}

	found := model.NewMaybeDocumentMap()

	for _, r := range resp.Results {
		doc, err := d.serializer.FromBatchGetResult(r)
		if err != nil {
			return nil, err
		}

		found = found.Insert(doc.Key(), doc)
	}

	docs := make([]model.MaybeDocument, len(keys))

	for i, k := range keys {
		doc, ok := found.Get(k)
		if !ok {
			return nil, invalid("missing entity in batchGet response for %s", k)
		}

		docs[i] = doc
	}

	return docs, nil
}

// NewWatchStream creates a stream that delivers events to l.
func (d *Datastore) NewWatchStream(l WatchStreamListener) *WatchStream {
	return newWatchStream(d, l)
}

// NewWriteStream creates a stream that delivers events to l.
func (d *Datastore) NewWriteStream(l WriteStreamListener) *WriteStream {
	return newWriteStream(d, l)
}
