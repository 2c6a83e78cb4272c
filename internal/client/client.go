// Package client is the public face of the sync core. It wires the local
// store, the remote store and the sync engine onto one async queue and
// exposes listening to queries and writing documents.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/serroba/docsync/internal/asyncqueue"
	"github.com/serroba/docsync/internal/auth"
	"github.com/serroba/docsync/internal/local"
	"github.com/serroba/docsync/internal/logging"
	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
	"github.com/serroba/docsync/internal/remote"
	"github.com/serroba/docsync/internal/storage"
	"github.com/serroba/docsync/internal/syncengine"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Common errors.
var (
	ErrNotStarted     = errors.New("client not started")
	ErrAlreadyStarted = errors.New("client already started")
)

// Config holds configuration for a Client.
type Config struct {
	Database model.DatabaseID
	// Endpoint is the backend base URL. Ignored when Connection is set.
	Endpoint   string
	Connection remote.Connection
	// Credentials defaults to the unauthenticated user.
	Credentials auth.CredentialsProvider
	// StorePath is the durable store file used when Start is asked for
	// persistence.
	StorePath   string
	LockTimeout time.Duration
	Stream      remote.StreamConfig
	Registerer  prometheus.Registerer
	Logger      *zap.Logger
}

// Client is safe for concurrent use. Listeners run on the client's async
// queue and must not block on the client.
type Client struct {
	cfg   Config
	creds auth.CredentialsProvider
	log   *zap.Logger
	queue *asyncqueue.Queue

	mu      sync.Mutex
	started bool

	// Owned by the queue once started.
	persistence local.Persistence
	localStore  *local.LocalStore
	remoteStore *remote.RemoteStore
	engine      *syncengine.SyncEngine
	events      *eventManager
}

// New creates a client. Nothing happens until Start.
func New(cfg Config) *Client {
	log := logging.OrNop(cfg.Logger)

	creds := cfg.Credentials
	if creds == nil {
		creds = &auth.EmptyCredentialsProvider{}
	}

	return &Client{
		cfg:   cfg,
		creds: creds,
		log:   log,
		queue: asyncqueue.New(asyncqueue.Config{
			Logger: log.Named("queue"),
			OnFailure: func(err error) {
				log.Error("ClientFailed", zap.Error(err))
			},
		}),
		events: newEventManager(),
	}
}

// Start initializes the client for the first user reported by the
// credentials provider. With usePersistence the caches live in the store at
// StorePath. When that store is locked by another instance or was written by
// a newer version the client falls back to memory persistence: it is usable
// afterwards, and Start still returns the persistence error.
func (c *Client) Start(ctx context.Context, usePersistence bool) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()

		return ErrAlreadyStarted
	}

	c.started = true
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	initialUser := make(chan auth.User, 1)

	var persistenceErr error

	// Initialization holds the queue until the first user is known, so
	// that later user changes are applied after it.
	initialized := c.queue.Enqueue(func() error {
		var user auth.User

		select {
		case user = <-initialUser:
		case <-ctx.Done():
			return ctx.Err()
		}

		var err error

		persistenceErr, err = c.initialize(user, usePersistence)

		return err
	})

	var once sync.Once

	err := c.creds.SetUserChangeListener(func(user auth.User) {
		first := false
		once.Do(func() {
			first = true
			initialUser <- user
		})

		if first {
			return
		}

		c.queue.EnqueueAndForget(func() error {
			c.log.Info("UserChanged", zap.Stringer("user", user))

			return c.engine.HandleUserChange(user)
		})
	})
	if err != nil {
		cancel()

		return multierr.Append(fmt.Errorf("register user listener: %w", err), <-initialized)
	}

	if err := <-initialized; err != nil {
		return err
	}

	return persistenceErr
}

// initialize runs on the queue. persistenceErr is a failure the client
// recovered from; err is fatal.
func (c *Client) initialize(user auth.User, usePersistence bool) (persistenceErr, err error) {
	var gc local.GarbageCollector

	if usePersistence {
		p, err := c.openDurable()

		switch {
		case err == nil:
			c.persistence = p
			gc = local.NoOpGarbageCollector{}
		case errors.Is(err, storage.ErrLocked), errors.Is(err, local.ErrUnsupported):
			c.log.Warn("PersistenceUnavailable", zap.Error(err), zap.String("path", c.cfg.StorePath))
			persistenceErr = err
		default:
			return nil, err
		}
	}

	if c.persistence == nil {
		p := local.NewMemoryPersistence(c.log.Named("memory"))
		if err := p.Start(); err != nil {
			return nil, err
		}

		c.persistence = p
		gc = local.NewEagerGarbageCollector()
	}

	c.localStore = local.NewLocalStore(local.LocalStoreConfig{
		Persistence:      c.persistence,
		GarbageCollector: gc,
		InitialUser:      user,
		Metrics:          local.NewMetrics(c.cfg.Registerer),
		Logger:           c.log.Named("local"),
	})
	if err := c.localStore.Start(); err != nil {
		return nil, err
	}

	conn := c.cfg.Connection
	if conn == nil {
		ws, err := remote.NewWebSocketConnection(remote.WebSocketConfig{
			Endpoint: c.cfg.Endpoint,
			Logger:   c.log.Named("conn"),
		})
		if err != nil {
			return nil, err
		}

		conn = ws
	}

	datastore := remote.NewDatastore(remote.DatastoreConfig{
		Connection:  conn,
		Credentials: c.creds,
		Serializer:  remote.NewSerializer(c.cfg.Database, true),
		Queue:       c.queue,
		Stream:      c.cfg.Stream,
		Logger:      c.log.Named("datastore"),
	})

	c.remoteStore = remote.NewRemoteStore(remote.RemoteStoreConfig{
		LocalStore: c.localStore,
		Datastore:  datastore,
		Queue:      c.queue,
		Logger:     c.log.Named("remote"),
	})

	c.engine = syncengine.New(syncengine.Config{
		LocalStore:  c.localStore,
		RemoteStore: c.remoteStore,
		Handler:     c.events,
		InitialUser: user,
		Logger:      c.log.Named("sync"),
	})
	c.events.engine = c.engine
	c.remoteStore.SetSyncer(c.engine)

	if err := c.remoteStore.Start(); err != nil {
		return nil, err
	}

	c.log.Info("ClientStarted",
		zap.Stringer("user", user),
		zap.Bool("durable", !gc.IsEager()),
	)

	return persistenceErr, nil
}

func (c *Client) openDurable() (*local.KvPersistence, error) {
	store, err := storage.OpenBolt(c.cfg.StorePath, storage.BoltConfig{Timeout: c.cfg.LockTimeout})
	if err != nil {
		return nil, err
	}

	p := local.NewKvPersistence(local.KvPersistenceConfig{
		Store:      store,
		Serializer: remote.NewSerializer(c.cfg.Database, true),
		Logger:     c.log.Named("kv"),
	})
	if err := p.Start(); err != nil {
		return nil, multierr.Append(err, p.Shutdown())
	}

	return p, nil
}

func (c *Client) checkStarted() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return ErrNotStarted
	}

	return nil
}

// ListenerRegistration stops a listener.
type ListenerRegistration struct {
	client *Client
	query  *query.Query
	id     int
	once   sync.Once
}

// Remove stops the listener. It is safe to call more than once.
func (r *ListenerRegistration) Remove() error {
	var err error

	r.once.Do(func() {
		err = r.client.queue.Run(func() error {
			return r.client.events.unlisten(r.query, r.id)
		})
	})

	return err
}

// Listen calls fn with every snapshot of q, starting with the one computed
// from the local cache.
func (c *Client) Listen(q *query.Query, fn Listener) (*ListenerRegistration, error) {
	if err := c.checkStarted(); err != nil {
		return nil, err
	}

	var id int

	err := c.queue.Run(func() error {
		var err error

		id, err = c.events.listen(q, fn)

		return err
	})
	if err != nil {
		return nil, err
	}

	return &ListenerRegistration{client: c, query: q, id: id}, nil
}

// Write applies mutations locally as one batch. The returned channel
// receives the backend's verdict once the batch is acknowledged or
// rejected; until then the batch shows in snapshots as a pending write.
func (c *Client) Write(mutations ...model.Mutation) (<-chan error, error) {
	if err := c.checkStarted(); err != nil {
		return nil, err
	}

	var result <-chan error

	err := c.queue.Run(func() error {
		var err error

		result, err = c.engine.Write(mutations)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// WriteAndWait writes mutations and waits for the backend's verdict.
func (c *Client) WriteAndWait(ctx context.Context, mutations ...model.Mutation) error {
	result, err := c.Write(mutations...)
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the network and closes the persistence. The client cannot
// be restarted.
func (c *Client) Shutdown() error {
	if err := c.checkStarted(); err != nil {
		c.queue.Shutdown()

		return nil
	}

	err := c.creds.RemoveUserChangeListener()
	if errors.Is(err, auth.ErrNoListener) {
		err = nil
	}

	err = multierr.Append(err, c.queue.Run(func() error {
		if c.remoteStore != nil {
			c.remoteStore.Shutdown()
		}

		if c.persistence == nil {
			return nil
		}

		return c.persistence.Shutdown()
	}))

	c.queue.Shutdown()

	return err
}
