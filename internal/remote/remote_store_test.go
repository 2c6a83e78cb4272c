package remote_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/serroba/docsync/internal/asyncqueue"
	"github.com/serroba/docsync/internal/auth"
	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
	"github.com/serroba/docsync/internal/remote"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

var errStreamClosed = errors.New("stream closed")

// fakeStream is a StreamConn driven by the test through channels.
type fakeStream struct {
	rpc       remote.RPC
	sent      chan json.RawMessage
	responses chan any
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream(rpc remote.RPC) *fakeStream {
	return &fakeStream{
		rpc:       rpc,
		sent:      make(chan json.RawMessage, 16),
		responses: make(chan any, 16),
		closed:    make(chan struct{}),
	}
}

func (s *fakeStream) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case <-s.closed:
		return errStreamClosed
	case s.sent <- data:
		return nil
	}
}

func (s *fakeStream) Receive(msg any) error {
	select {
	case <-s.closed:
		return remote.NewError(remote.Unavailable, "stream closed")
	case r := <-s.responses:
		if err, ok := r.(error); ok {
			return err
		}

		data, err := json.Marshal(r)
		if err != nil {
			return err
		}

		return json.Unmarshal(data, msg)
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })

	return nil
}

func (s *fakeStream) nextSent(t *testing.T, v any) {
	t.Helper()

	select {
	case data := <-s.sent:
		require.NoError(t, json.Unmarshal(data, v))
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for a %s request", s.rpc)
	}
}

// fakeConnection hands every opened stream to the test and answers unary
// calls with invoke.
type fakeConnection struct {
	streams chan *fakeStream
	invoke  func(rpc remote.RPC, req any) (any, error)
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{streams: make(chan *fakeStream, 8)}
}

func (c *fakeConnection) Invoke(_ context.Context, rpc remote.RPC, req, resp any, _ *auth.Token) error {
	out, err := c.invoke(rpc, req)
	if err != nil {
		return err
	}

	data, err := json.Marshal(out)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, resp)
}

func (c *fakeConnection) OpenStream(_ context.Context, rpc remote.RPC, _ *auth.Token) (remote.StreamConn, error) {
	s := newFakeStream(rpc)
	c.streams <- s

	return s, nil
}

func (c *fakeConnection) nextStream(t *testing.T, rpc remote.RPC) *fakeStream {
	t.Helper()

	select {
	case s := <-c.streams:
		require.Equal(t, rpc, s.rpc)

		return s
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for a %s stream", rpc)

		return nil
	}
}

// fakeLocalStore serves a fixed list of batches.
type fakeLocalStore struct {
	batches []*model.MutationBatch
	token   []byte
}

func (l *fakeLocalStore) NextMutationBatch(afterBatchID int) (*model.MutationBatch, error) {
	for _, b := range l.batches {
		if b.BatchID > afterBatchID {
			return b, nil
		}
	}

	return nil, nil
}

func (l *fakeLocalStore) GetLastStreamToken() ([]byte, error) { return l.token, nil }

func (l *fakeLocalStore) SetLastStreamToken(token []byte) error {
	l.token = token

	return nil
}

func (l *fakeLocalStore) GetLastRemoteSnapshotVersion() model.SnapshotVersion {
	return model.MinVersion
}

type rejection struct {
	id    int
	cause error
}

// fakeSyncer forwards every callback to a channel.
type fakeSyncer struct {
	events          chan *model.RemoteEvent
	rejectedListens chan rejection
	acked           chan *model.MutationBatchResult
	rejectedWrites  chan rejection
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{
		events:          make(chan *model.RemoteEvent, 8),
		rejectedListens: make(chan rejection, 8),
		acked:           make(chan *model.MutationBatchResult, 8),
		rejectedWrites:  make(chan rejection, 8),
	}
}

func (s *fakeSyncer) ApplyRemoteEvent(event *model.RemoteEvent) error {
	s.events <- event

	return nil
}

func (s *fakeSyncer) RejectListen(targetID int, cause error) error {
	s.rejectedListens <- rejection{targetID, cause}

	return nil
}

func (s *fakeSyncer) ApplySuccessfulWrite(result *model.MutationBatchResult) error {
	s.acked <- result

	return nil
}

func (s *fakeSyncer) RejectFailedWrite(batchID int, cause error) error {
	s.rejectedWrites <- rejection{batchID, cause}

	return nil
}

func (s *fakeSyncer) GetRemoteKeysForTarget(int) (model.DocumentKeySet, error) {
	return model.NewDocumentKeySet(), nil
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a callback")

		var zero T

		return zero
	}
}

type remoteStoreFixture struct {
	queue  *asyncqueue.Queue
	conn   *fakeConnection
	local  *fakeLocalStore
	syncer *fakeSyncer
	store  *remote.RemoteStore
	s      *remote.Serializer
}

func newRemoteStoreFixture(t *testing.T, batches ...*model.MutationBatch) *remoteStoreFixture {
	t.Helper()

	f := &remoteStoreFixture{
		queue:  asyncqueue.New(asyncqueue.Config{}),
		conn:   newFakeConnection(),
		local:  &fakeLocalStore{batches: batches},
		syncer: newFakeSyncer(),
		s:      newSerializer(),
	}

	ds := remote.NewDatastore(remote.DatastoreConfig{
		Connection:  f.conn,
		Credentials: &auth.EmptyCredentialsProvider{},
		Serializer:  f.s,
		Queue:       f.queue,
		Stream:      remote.StreamConfig{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, DialRetries: 1},
	})

	f.store = remote.NewRemoteStore(remote.RemoteStoreConfig{LocalStore: f.local, Datastore: ds, Queue: f.queue})
	f.store.SetSyncer(f.syncer)

	t.Cleanup(func() {
		_ = f.queue.Run(func() error {
			f.store.Shutdown()

			return nil
		})
		f.queue.Shutdown()
	})

	require.NoError(t, f.queue.Run(f.store.Start))

	return f
}

func testBatch(id int, path string) *model.MutationBatch {
	set := model.NewSetMutation(model.KeyOf(path), model.MustObject(map[string]any{"n": int64(id)}), model.PreconditionNone)

	return model.NewMutationBatch(id, model.Now(), []model.Mutation{set})
}

// handshake completes the write handshake and returns the first write.
func (f *remoteStoreFixture) handshake(t *testing.T) (*fakeStream, remote.WriteRequest) {
	t.Helper()

	stream := f.conn.nextStream(t, remote.RPCWrite)

	var hs remote.WriteRequest
	stream.nextSent(t, &hs)
	require.Equal(t, f.s.DatabaseName(), hs.Database)
	require.Empty(t, hs.Writes)

	stream.responses <- remote.WriteResponse{StreamToken: []byte("t1")}

	var write remote.WriteRequest
	stream.nextSent(t, &write)

	return stream, write
}

func TestRemoteStore_WritesAndAcknowledgesBatches(t *testing.T) {
	t.Parallel()

	f := newRemoteStoreFixture(t, testBatch(1, "docs/a"))

	stream, write := f.handshake(t)
	require.Equal(t, []byte("t1"), write.StreamToken)
	require.Len(t, write.Writes, 1)
	require.Equal(t, f.s.ToName(model.KeyOf("docs/a")), write.Writes[0].Update.Name)

	commit := model.VersionFromMicros(42)
	stream.responses <- remote.WriteResponse{
		StreamToken:  []byte("t2"),
		CommitTime:   f.s.ToVersion(commit),
		WriteResults: []remote.WriteResult{{UpdateTime: f.s.ToVersion(commit)}},
	}

	result := receive(t, f.syncer.acked)
	require.Equal(t, 1, result.Batch.BatchID)
	require.True(t, result.CommitVersion.Equal(commit))
	require.Equal(t, []byte("t2"), result.StreamToken)

	require.NoError(t, f.queue.Run(func() error {
		if string(f.local.token) != "t1" {
			t.Errorf("expected handshake token to be persisted, got %q", f.local.token)
		}

		return nil
	}))
}

func TestRemoteStore_RejectsBatchOnPermanentError(t *testing.T) {
	t.Parallel()

	f := newRemoteStoreFixture(t, testBatch(1, "docs/a"))

	stream, _ := f.handshake(t)
	stream.responses <- remote.NewError(remote.FailedPrecondition, "precondition failed")

	rejected := receive(t, f.syncer.rejectedWrites)
	require.Equal(t, 1, rejected.id)
	require.Equal(t, remote.FailedPrecondition, remote.CodeOf(rejected.cause))
}

func TestRemoteStore_RetriesBatchOnTransientError(t *testing.T) {
	t.Parallel()

	f := newRemoteStoreFixture(t, testBatch(1, "docs/a"))

	stream, _ := f.handshake(t)
	stream.responses <- remote.NewError(remote.Unavailable, "try again")

	// The restarted stream resends the same batch after a new handshake.
	_, write := f.handshake(t)
	require.Len(t, write.Writes, 1)

	select {
	case r := <-f.syncer.rejectedWrites:
		t.Errorf("expected no rejection, got batch %d", r.id)
	default:
	}
}

func TestRemoteStore_ListenRaisesRemoteEvent(t *testing.T) {
	t.Parallel()

	f := newRemoteStoreFixture(t)
	data := query.NewTargetData(query.Collection("docs"), 2, query.PurposeListen)

	require.NoError(t, f.queue.Run(func() error {
		f.store.Listen(data)

		return nil
	}))

	stream := f.conn.nextStream(t, remote.RPCListen)

	var req remote.ListenRequest
	stream.nextSent(t, &req)
	require.NotNil(t, req.AddTarget)
	require.Equal(t, 2, req.AddTarget.TargetID)

	doc := testDoc("docs/a", 5)
	readTime := model.VersionFromMicros(7)
	stream.responses <- remote.ListenResponse{TargetChange: &remote.TargetChangeWire{
		TargetChangeType: remote.TargetChangeAdd, TargetIDs: []int{2},
	}}
	stream.responses <- remote.ListenResponse{DocumentChange: &remote.DocumentChangeWire{
		Document: f.s.ToDocument(doc), TargetIDs: []int{2},
	}}
	stream.responses <- remote.ListenResponse{TargetChange: &remote.TargetChangeWire{
		TargetChangeType: remote.TargetChangeCurrent, TargetIDs: []int{2}, ResumeToken: []byte("r1"),
	}}
	stream.responses <- remote.ListenResponse{TargetChange: &remote.TargetChangeWire{
		TargetChangeType: remote.TargetChangeNoChange, ReadTime: f.s.ToVersion(readTime),
	}}

	event := receive(t, f.syncer.events)
	require.True(t, event.SnapshotVersion.Equal(readTime))

	got, ok := event.DocumentUpdates.Get(doc.Key())
	require.True(t, ok)
	require.True(t, got.Equal(doc))

	change := event.TargetChanges[2]
	require.NotNil(t, change)
	require.Equal(t, model.CurrentStatusMarkCurrent, change.CurrentStatusUpdate)
	require.Equal(t, []byte("r1"), change.ResumeToken)

	require.NoError(t, f.queue.Run(func() error {
		f.store.Unlisten(2)

		return nil
	}))

	stream.nextSent(t, &req)
	require.Nil(t, req.AddTarget)
	require.Equal(t, 2, req.RemoveTarget)
}

func TestRemoteStore_TargetErrorRejectsListen(t *testing.T) {
	t.Parallel()

	f := newRemoteStoreFixture(t)

	require.NoError(t, f.queue.Run(func() error {
		f.store.Listen(query.NewTargetData(query.Collection("secret"), 2, query.PurposeListen))

		return nil
	}))

	stream := f.conn.nextStream(t, remote.RPCListen)

	var req remote.ListenRequest
	stream.nextSent(t, &req)

	stream.responses <- remote.ListenResponse{TargetChange: &remote.TargetChangeWire{
		TargetChangeType: remote.TargetChangeRemove,
		TargetIDs:        []int{2},
		Cause:            &remote.Status{Code: int(remote.PermissionDenied), Message: "denied"},
	}}

	rejected := receive(t, f.syncer.rejectedListens)
	require.Equal(t, 2, rejected.id)
	require.Equal(t, remote.PermissionDenied, remote.CodeOf(rejected.cause))
}

func TestDatastore_CommitAndLookup(t *testing.T) {
	t.Parallel()

	s := newSerializer()
	conn := newFakeConnection()
	version := model.VersionFromMicros(11)
	doc := testDoc("docs/a", 11)

	conn.invoke = func(rpc remote.RPC, req any) (any, error) {
		switch rpc {
		case remote.RPCCommit:
			commit, ok := req.(remote.CommitRequest)
			require.True(t, ok)

			results := make([]remote.WriteResult, len(commit.Writes))
			for i := range results {
				results[i] = remote.WriteResult{UpdateTime: s.ToVersion(version)}
			}

			return remote.CommitResponse{WriteResults: results, CommitTime: s.ToVersion(version)}, nil
		case remote.RPCBatchGet:
			d := s.ToDocument(doc)

			return remote.BatchGetResponse{Results: []remote.BatchGetResult{
				{Missing: s.ToName(model.KeyOf("docs/b")), ReadTime: s.ToVersion(version)},
				{Found: &d, ReadTime: s.ToVersion(version)},
			}}, nil
		default:
			return nil, remote.NewError(remote.Unimplemented, "unexpected rpc %s", rpc)
		}
	}

	ds := remote.NewDatastore(remote.DatastoreConfig{
		Connection:  conn,
		Credentials: &auth.EmptyCredentialsProvider{},
		Serializer:  s,
	})

	results, err := ds.Commit(t.Context(), []model.Mutation{testBatch(1, "docs/a").Mutations[0]})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Version.Equal(version))

	docs, err := ds.Lookup(t.Context(), []model.DocumentKey{model.KeyOf("docs/a"), model.KeyOf("docs/b")})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.True(t, docs[0].Equal(doc))
	require.True(t, docs[1].Equal(model.NewNoDocument(model.KeyOf("docs/b"), version)))

	_, err = ds.Lookup(t.Context(), []model.DocumentKey{model.KeyOf("docs/c")})
	require.ErrorIs(t, err, remote.ErrInvalidMessage)
}
