package emulator_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/serroba/docsync/internal/acl"
	"github.com/serroba/docsync/internal/auth"
	"github.com/serroba/docsync/internal/emulator"
	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
	"github.com/serroba/docsync/internal/remote"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

var db = model.NewDatabaseID("test")

// newServer starts an emulator. grants are collection, user, role triples.
func newServer(t *testing.T, grants ...acl.Permission) (*emulator.Server, *httptest.Server) {
	t.Helper()

	cfg := emulator.ServerConfig{Database: db}

	if len(grants) > 0 {
		store := acl.NewMemoryStore()
		for _, g := range grants {
			require.NoError(t, store.Grant(g.Collection, g.UserID, g.Role))
		}

		cfg.PermStore = store
	}

	srv := emulator.NewServer(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return srv, ts
}

func newConnection(t *testing.T, ts *httptest.Server) *remote.WebSocketConnection {
	t.Helper()

	conn, err := remote.NewWebSocketConnection(remote.WebSocketConfig{Endpoint: ts.URL})
	require.NoError(t, err)

	return conn
}

func token(uid string) *auth.Token {
	if uid == "" {
		return nil
	}

	return &auth.Token{Value: uid, User: auth.User{UID: uid}}
}

func newDatastore(t *testing.T, ts *httptest.Server, uid string) *remote.Datastore {
	t.Helper()

	return remote.NewDatastore(remote.DatastoreConfig{
		Connection:  newConnection(t, ts),
		Credentials: auth.NewStaticCredentialsProvider(auth.User{UID: uid}, uid),
		Serializer:  remote.NewSerializer(db, false),
	})
}

func TestServer_CommitAndLookup(t *testing.T) {
	t.Parallel()

	_, ts := newServer(t)
	ds := newDatastore(t, ts, "alice")
	ctx := context.Background()

	results, err := ds.Commit(ctx, []model.Mutation{
		set("rooms/a", map[string]any{"n": 1}),
		model.NewTransformMutation(model.KeyOf("rooms/a"), []model.FieldTransform{{Field: model.ParseFieldPath("at")}}),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.NotNil(t, results[0].Version)
	require.Len(t, results[1].TransformResults, 1)

	docs, err := ds.Lookup(ctx, []model.DocumentKey{model.KeyOf("rooms/a"), model.KeyOf("rooms/b")})
	require.NoError(t, err)

	found, ok := docs[0].(*model.Document)
	require.True(t, ok)
	require.Equal(t, *results[0].Version, found.Version())

	n, _ := found.Field(model.ParseFieldPath("n"))
	require.True(t, n.Equal(model.IntegerValue(1)))

	require.False(t, docs[1].Exists())
	require.False(t, docs[1].Version().IsMin())
}

func TestServer_CommitPreconditionFailure(t *testing.T) {
	t.Parallel()

	_, ts := newServer(t)
	ds := newDatastore(t, ts, "alice")

	_, err := ds.Commit(context.Background(), []model.Mutation{patch("rooms/a", map[string]any{"n": 1}, "n")})
	require.Equal(t, remote.NotFound, remote.CodeOf(err))
	require.True(t, remote.IsPermanentWriteError(err))
}

func TestServer_AccessControl(t *testing.T) {
	t.Parallel()

	_, ts := newServer(t,
		acl.Permission{Collection: "rooms", UserID: "alice", Role: acl.Owner},
		acl.Permission{Collection: acl.Wildcard, UserID: acl.Wildcard, Role: acl.Viewer},
	)
	ctx := context.Background()
	alice := newDatastore(t, ts, "alice")
	bob := newDatastore(t, ts, "bob")
	anonymous := newDatastore(t, ts, "")

	write := []model.Mutation{set("rooms/a", map[string]any{"by": "bob"})}

	_, err := bob.Commit(ctx, write)
	require.Equal(t, remote.PermissionDenied, remote.CodeOf(err))

	_, err = anonymous.Lookup(ctx, []model.DocumentKey{model.KeyOf("rooms/a")})
	require.NoError(t, err)

	grant := func(uid string, req emulator.GrantRequest) int {
		body, err := json.Marshal(req)
		require.NoError(t, err)

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/rpc/grant", bytes.NewReader(body))
		require.NoError(t, err)
		httpReq.Header.Set("Authorization", "Bearer "+uid)

		res, err := http.DefaultClient.Do(httpReq)
		require.NoError(t, err)
		require.NoError(t, res.Body.Close())

		return res.StatusCode
	}

	require.Equal(t, http.StatusForbidden, grant("bob", emulator.GrantRequest{Collection: "rooms", UserID: "bob", Role: "owner"}))
	require.Equal(t, http.StatusBadRequest, grant("alice", emulator.GrantRequest{Collection: "rooms", UserID: "bob", Role: "admin"}))
	require.Equal(t, http.StatusOK, grant("alice", emulator.GrantRequest{Collection: "rooms", UserID: "bob", Role: "editor"}))

	_, err = bob.Commit(ctx, write)
	require.NoError(t, err)

	// Editors may not delete.
	_, err = bob.Commit(ctx, []model.Mutation{del("rooms/a")})
	require.Equal(t, remote.PermissionDenied, remote.CodeOf(err))

	_, err = alice.Commit(ctx, []model.Mutation{del("rooms/a")})
	require.NoError(t, err)
}

func TestServer_MalformedAuthorization(t *testing.T) {
	t.Parallel()

	_, ts := newServer(t)

	req := httptest.NewRequest(http.MethodPost, "/rpc/commit", bytes.NewBufferString(`{"writes":[]}`))
	req.Header.Set("Authorization", "Basic abc")

	rec := httptest.NewRecorder()
	emulator.NewServer(emulator.ServerConfig{Database: db}).Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}

	var status remote.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, int(remote.Unauthenticated), status.Code)

	res, err := http.Get(ts.URL + "/rpc/commit")
	require.NoError(t, err)
	require.NoError(t, res.Body.Close())
	require.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
}

// listenStream opens a listen stream as uid.
func listenStream(t *testing.T, ts *httptest.Server, uid string) remote.StreamConn {
	t.Helper()

	sc, err := newConnection(t, ts).OpenStream(context.Background(), remote.RPCListen, token(uid))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sc.Close() })

	return sc
}

func receive(t *testing.T, sc remote.StreamConn) remote.ListenResponse {
	t.Helper()

	got := make(chan remote.ListenResponse, 1)
	errs := make(chan error, 1)

	go func() {
		var resp remote.ListenResponse
		if err := sc.Receive(&resp); err != nil {
			errs <- err

			return
		}

		got <- resp
	}()

	select {
	case resp := <-got:
		return resp
	case err := <-errs:
		t.Fatalf("receive: %v", err)
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a listen response")
	}

	return remote.ListenResponse{}
}

func requireTargetChange(t *testing.T, resp remote.ListenResponse, state string, ids ...int) *remote.TargetChangeWire {
	t.Helper()

	require.NotNil(t, resp.TargetChange, "expected a target change, got %+v", resp)
	require.Equal(t, state, resp.TargetChange.TargetChangeType)
	require.Equal(t, ids, resp.TargetChange.TargetIDs)

	return resp.TargetChange
}

func TestServer_ListenStream(t *testing.T) {
	t.Parallel()

	srv, ts := newServer(t)
	ser := remote.NewSerializer(db, false)
	ctx := context.Background()

	_, _, err := srv.Backend().Commit([]model.Mutation{
		set("rooms/a", map[string]any{"n": 1}),
		set("halls/h", map[string]any{"n": 1}),
	})
	require.NoError(t, err)

	sc := listenStream(t, ts, "alice")
	target := ser.ToTarget(query.NewTargetData(query.Collection("rooms"), 2, query.PurposeListen))
	require.NoError(t, sc.Send(remote.ListenRequest{Database: ser.DatabaseName(), AddTarget: &target}))

	requireTargetChange(t, receive(t, sc), remote.TargetChangeAdd, 2)

	resp := receive(t, sc)
	require.NotNil(t, resp.DocumentChange)
	require.Equal(t, ser.ToName(model.KeyOf("rooms/a")), resp.DocumentChange.Document.Name)
	require.Equal(t, []int{2}, resp.DocumentChange.TargetIDs)

	current := requireTargetChange(t, receive(t, sc), remote.TargetChangeCurrent, 2)
	require.NotEmpty(t, current.ResumeToken)

	global := requireTargetChange(t, receive(t, sc), remote.TargetChangeNoChange)
	require.NotEmpty(t, global.ReadTime)

	ds := newDatastore(t, ts, "alice")

	_, err = ds.Commit(ctx, []model.Mutation{set("rooms/b", map[string]any{"n": 2})})
	require.NoError(t, err)

	resp = receive(t, sc)
	require.NotNil(t, resp.DocumentChange)
	require.Equal(t, ser.ToName(model.KeyOf("rooms/b")), resp.DocumentChange.Document.Name)

	update := requireTargetChange(t, receive(t, sc), remote.TargetChangeNoChange, 2)
	require.NotEqual(t, current.ResumeToken, update.ResumeToken)

	next := requireTargetChange(t, receive(t, sc), remote.TargetChangeNoChange)

	before, err := ser.FromVersion(global.ReadTime)
	require.NoError(t, err)

	after, err := ser.FromVersion(next.ReadTime)
	require.NoError(t, err)

	if after.Compare(before) <= 0 {
		t.Errorf("read time did not advance: %s then %s", before, after)
	}

	_, err = ds.Commit(ctx, []model.Mutation{del("rooms/a")})
	require.NoError(t, err)

	resp = receive(t, sc)
	require.NotNil(t, resp.DocumentDelete)
	require.Equal(t, ser.ToName(model.KeyOf("rooms/a")), resp.DocumentDelete.Document)
	require.Equal(t, []int{2}, resp.DocumentDelete.RemovedTargetIDs)
	requireTargetChange(t, receive(t, sc), remote.TargetChangeNoChange, 2)
	requireTargetChange(t, receive(t, sc), remote.TargetChangeNoChange)

	require.NoError(t, sc.Send(remote.ListenRequest{Database: ser.DatabaseName(), RemoveTarget: 2}))
	requireTargetChange(t, receive(t, sc), remote.TargetChangeRemove, 2)
}

func TestServer_ListenDocumentLeavesQuery(t *testing.T) {
	t.Parallel()

	srv, ts := newServer(t)
	ser := remote.NewSerializer(db, false)

	_, _, err := srv.Backend().Commit([]model.Mutation{set("rooms/a", map[string]any{"open": true})})
	require.NoError(t, err)

	sc := listenStream(t, ts, "")
	q := query.Collection("rooms").MustWhere("open", query.Equal, true)
	target := ser.ToTarget(query.NewTargetData(q, 4, query.PurposeListen))
	require.NoError(t, sc.Send(remote.ListenRequest{AddTarget: &target}))

	for range 4 {
		receive(t, sc)
	}

	_, err = newDatastore(t, ts, "").Commit(context.Background(),
		[]model.Mutation{set("rooms/a", map[string]any{"open": false})})
	require.NoError(t, err)

	resp := receive(t, sc)
	require.NotNil(t, resp.DocumentRemove)
	require.Equal(t, []int{4}, resp.DocumentRemove.RemovedTargetIDs)
	require.NotEmpty(t, resp.DocumentRemove.ReadTime)
}

func TestServer_ListenDenied(t *testing.T) {
	t.Parallel()

	_, ts := newServer(t, acl.Permission{Collection: "rooms", UserID: "alice", Role: acl.Viewer})
	ser := remote.NewSerializer(db, false)

	sc := listenStream(t, ts, "bob")
	target := ser.ToTarget(query.NewTargetData(query.Collection("rooms"), 2, query.PurposeListen))
	require.NoError(t, sc.Send(remote.ListenRequest{AddTarget: &target}))

	removed := requireTargetChange(t, receive(t, sc), remote.TargetChangeRemove, 2)
	require.NotNil(t, removed.Cause)
	require.Equal(t, int(remote.PermissionDenied), removed.Cause.Code)
}

func TestServer_WriteStream(t *testing.T) {
	t.Parallel()

	srv, ts := newServer(t)
	ser := remote.NewSerializer(db, false)

	sc, err := newConnection(t, ts).OpenStream(context.Background(), remote.RPCWrite, token("alice"))
	require.NoError(t, err)

	defer sc.Close()

	require.NoError(t, sc.Send(remote.WriteRequest{Database: ser.DatabaseName()}))

	var handshake remote.WriteResponse
	require.NoError(t, sc.Receive(&handshake))
	require.NotEmpty(t, handshake.StreamToken)
	require.Empty(t, handshake.WriteResults)

	require.NoError(t, sc.Send(remote.WriteRequest{
		StreamToken: handshake.StreamToken,
		Writes:      []remote.Write{ser.ToMutation(set("rooms/a", map[string]any{"n": 1}))},
	}))

	var ack remote.WriteResponse
	require.NoError(t, sc.Receive(&ack))
	require.Len(t, ack.WriteResults, 1)
	require.NotEmpty(t, ack.CommitTime)

	docs, _ := srv.Backend().Snapshot()
	require.True(t, docs.Contains(model.KeyOf("rooms/a")))

	require.NoError(t, sc.Send(remote.WriteRequest{
		StreamToken: ack.StreamToken,
		Writes: []remote.Write{ser.ToMutation(model.NewSetMutation(
			model.KeyOf("rooms/a"), model.EmptyObject(), model.PreconditionExists(false)))},
	}))

	var rejected remote.WriteResponse
	err = sc.Receive(&rejected)
	require.Equal(t, remote.AlreadyExists, remote.CodeOf(err))
}

func TestServer_WriteStreamRequiresHandshake(t *testing.T) {
	t.Parallel()

	_, ts := newServer(t)
	ser := remote.NewSerializer(db, false)

	sc, err := newConnection(t, ts).OpenStream(context.Background(), remote.RPCWrite, nil)
	require.NoError(t, err)

	defer sc.Close()

	require.NoError(t, sc.Send(remote.WriteRequest{
		Writes: []remote.Write{ser.ToMutation(set("rooms/a", map[string]any{}))},
	}))

	var resp remote.WriteResponse
	err = sc.Receive(&resp)
	require.Equal(t, remote.InvalidArgument, remote.CodeOf(err))
}
