package emulator

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/serroba/docsync/internal/acl"
	"github.com/serroba/docsync/internal/logging"
	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/remote"
	"github.com/serroba/docsync/internal/ws"
	"go.uber.org/zap"
)

// Server handles the backend RPCs and streams.
type Server struct {
	backend    *Backend
	serializer *remote.Serializer
	permStore  acl.Store
	checker    *acl.Checker
	hub        *ws.Hub
	upgrader   websocket.Upgrader
	metrics    *Metrics
	log        *zap.Logger

	mu sync.RWMutex
	// listeners maps a stream client ID to its listen stream.
	listeners map[string]*listenStream
}

// ServerConfig holds configuration for creating a server.
type ServerConfig struct {
	// Backend defaults to an empty backend.
	Backend  *Backend
	Database model.DatabaseID
	// PermStore enables access control. Without it every request is
	// allowed.
	PermStore acl.Store
	// Hub defaults to a new hub.
	Hub        *ws.Hub
	Registerer prometheus.Registerer
	Logger     *zap.Logger
}

// NewServer creates a new emulator server.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		backend:    cfg.Backend,
		serializer: remote.NewSerializer(cfg.Database, true),
		permStore:  cfg.PermStore,
		hub:        cfg.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		metrics:   NewMetrics(cfg.Registerer),
		log:       logging.OrNop(cfg.Logger),
		listeners: make(map[string]*listenStream),
	}

	if s.backend == nil {
		s.backend = NewBackend()
	}

	if s.hub == nil {
		s.hub = ws.NewHub()
	}

	if s.permStore != nil {
		s.checker = acl.NewChecker(s.permStore)
	}

	return s
}

// Backend returns the documents the server serves.
func (s *Server) Backend() *Backend {
	return s.backend
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/rpc/"+string(remote.RPCCommit), s.authMiddleware(http.HandlerFunc(s.handleCommit)))
	mux.Handle("/rpc/"+string(remote.RPCBatchGet), s.authMiddleware(http.HandlerFunc(s.handleBatchGet)))
	mux.Handle("/rpc/grant", s.authMiddleware(http.HandlerFunc(s.handleGrant)))
	mux.Handle("/rpc/revoke", s.authMiddleware(http.HandlerFunc(s.handleRevoke)))

	mux.Handle("/"+string(remote.RPCListen), s.authMiddleware(http.HandlerFunc(s.handleListen)))
	mux.Handle("/"+string(remote.RPCWrite), s.authMiddleware(http.HandlerFunc(s.handleWrite)))

	return mux
}

// writeError answers with the status of err.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := remote.StatusOf(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(remote.HTTPStatus(remote.Code(status.Code)))

	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Warn("EncodeResponseFailed", zap.Error(err))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("EncodeResponseFailed", zap.Error(err))
	}
}

// decodeRequest reads a POST body into v.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

		return false
	}

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, remote.NewError(remote.InvalidArgument, "invalid request body: %v", err))

		return false
	}

	return true
}

// authorize checks that userID may perform action on collection.
func (s *Server) authorize(collection, userID string, action acl.Action) error {
	if s.checker == nil {
		return nil
	}

	err := s.checker.RequirePermission(collection, userID, action)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, acl.ErrAccessDenied):
		return remote.NewError(remote.PermissionDenied, "missing %s permission on %s", action, collection)
	default:
		return remote.NewError(remote.Internal, "check permission: %v", err)
	}
}

// handleCommit handles POST /rpc/commit.
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req remote.CommitRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	resp, err := s.commitWrites(requestUser(r), req.Writes)
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, resp)
}

// commitWrites checks, applies and broadcasts one batch of writes.
func (s *Server) commitWrites(userID string, writes []remote.Write) (remote.CommitResponse, error) {
	mutations := make([]model.Mutation, len(writes))
	collections := make([]string, 0, len(writes))

	for i, w := range writes {
		m, err := s.serializer.FromMutation(w)
		if err != nil {
			return remote.CommitResponse{}, remote.NewError(remote.InvalidArgument, "%v", err)
		}

		action := acl.ActionWrite
		if _, ok := m.(*model.DeleteMutation); ok {
			action = acl.ActionDelete
		}

		collection := m.Key().CollectionPath().CanonicalString()
		if err := s.authorize(collection, userID, action); err != nil {
			s.metrics.RejectedCommits.WithLabelValues(remote.CodeOf(err).String()).Inc()

			return remote.CommitResponse{}, err
		}

		mutations[i] = m
		collections = append(collections, collection)
	}

	version, results, err := s.backend.Commit(mutations)
	if err != nil {
		s.metrics.RejectedCommits.WithLabelValues(remote.CodeOf(err).String()).Inc()
		s.log.Debug("CommitRejected", zap.String("user", userID), zap.Error(err))

		return remote.CommitResponse{}, err
	}

	s.metrics.Commits.Inc()
	s.metrics.Writes.Add(float64(len(mutations)))
	s.log.Debug("Committed", zap.String("user", userID),
		zap.Int("writes", len(mutations)), zap.Stringer("version", version))

	s.broadcast(collections)

	resp := remote.CommitResponse{
		WriteResults: make([]remote.WriteResult, len(results)),
		CommitTime:   s.serializer.ToVersion(version),
	}

	for i, res := range results {
		if res.Version != nil {
			resp.WriteResults[i].UpdateTime = s.serializer.ToVersion(*res.Version)
		}

		for _, v := range res.TransformResults {
			resp.WriteResults[i].TransformResults = append(resp.WriteResults[i].TransformResults, s.serializer.ToValue(v))
		}
	}

	return resp, nil
}

// broadcast refreshes the listen streams watching any of collections.
func (s *Server) broadcast(collections []string) {
	for _, client := range s.hub.Subscribers(collections...) {
		if l := s.listener(client.ID); l != nil {
			l.refresh()
		}
	}
}

// handleBatchGet handles POST /rpc/batchGet.
func (s *Server) handleBatchGet(w http.ResponseWriter, r *http.Request) {
	var req remote.BatchGetRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	userID := requestUser(r)
	keys := make([]model.DocumentKey, len(req.Documents))

	for i, name := range req.Documents {
		key, err := s.serializer.FromName(name)
		if err != nil {
			s.writeError(w, remote.NewError(remote.InvalidArgument, "%v", err))

			return
		}

		if err := s.authorize(key.CollectionPath().CanonicalString(), userID, acl.ActionRead); err != nil {
			s.writeError(w, err)

			return
		}

		keys[i] = key
	}

	docs, version := s.backend.Lookup(keys)
	readTime := s.serializer.ToVersion(version)
	resp := remote.BatchGetResponse{Results: make([]remote.BatchGetResult, len(docs))}

	for i, d := range docs {
		resp.Results[i].ReadTime = readTime

		if doc, ok := d.(*model.Document); ok {
			found := s.serializer.ToDocument(doc)
			resp.Results[i].Found = &found
		} else {
			resp.Results[i].Missing = s.serializer.ToName(d.Key())
		}
	}

	s.writeJSON(w, resp)
}

// GrantRequest is the body of the grant and revoke RPCs.
type GrantRequest struct {
	Collection string `json:"collection"`
	UserID     string `json:"userId"`
	Role       string `json:"role,omitempty"`
}

// handleGrant handles POST /rpc/grant. Only owners of a collection may
// grant roles on it.
func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !s.decodeRequest(w, r, &req) || !s.checkShare(w, r, req) {
		return
	}

	role, err := acl.ParseRole(req.Role)
	if err != nil {
		s.writeError(w, remote.NewError(remote.InvalidArgument, "%v", err))

		return
	}

	if err := s.permStore.Grant(req.Collection, req.UserID, role); err != nil {
		s.writeError(w, remote.NewError(remote.Internal, "grant: %v", err))

		return
	}

	s.log.Info("RoleGranted", zap.String("collection", req.Collection),
		zap.String("user", req.UserID), zap.Stringer("role", role))
	s.writeJSON(w, struct{}{})
}

// handleRevoke handles POST /rpc/revoke.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !s.decodeRequest(w, r, &req) || !s.checkShare(w, r, req) {
		return
	}

	err := s.permStore.Revoke(req.Collection, req.UserID)
	switch {
	case errors.Is(err, acl.ErrPermissionNotFound):
		s.writeError(w, remote.NewError(remote.NotFound, "no role for %s on %s", req.UserID, req.Collection))
	case err != nil:
		s.writeError(w, remote.NewError(remote.Internal, "revoke: %v", err))
	default:
		s.log.Info("RoleRevoked", zap.String("collection", req.Collection), zap.String("user", req.UserID))
		s.writeJSON(w, struct{}{})
	}
}

func (s *Server) checkShare(w http.ResponseWriter, r *http.Request, req GrantRequest) bool {
	if s.checker == nil {
		s.writeError(w, remote.NewError(remote.FailedPrecondition, "access control is disabled"))

		return false
	}

	if req.Collection == "" || req.UserID == "" {
		s.writeError(w, remote.NewError(remote.InvalidArgument, "collection and userId are required"))

		return false
	}

	if err := s.authorize(req.Collection, requestUser(r), acl.ActionShare); err != nil {
		s.writeError(w, err)

		return false
	}

	return true
}

// setupStreamClient upgrades the connection and registers a client.
func (s *Server) setupStreamClient(w http.ResponseWriter, r *http.Request) (*ws.Client, func(), error) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

		return nil, nil, errors.New("method not allowed")
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocketUpgradeFailed", zap.Error(err))

		return nil, nil, err
	}

	client := ws.NewClient(uuid.NewString(), requestUser(r), conn)
	s.hub.Register(client)

	cleanup := func() {
		s.hub.Unregister(client)
		_ = client.Close()
	}

	return client, cleanup, nil
}

func (s *Server) listener(clientID string) *listenStream {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.listeners[clientID]
}

// sendStatus closes a stream with the status of err.
func sendStatus(client *ws.Client, err error) {
	status := remote.StatusOf(err)
	_ = client.SendError(status.Code, status.Message)
}
