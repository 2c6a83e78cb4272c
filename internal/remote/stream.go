package remote

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/serroba/docsync/internal/asyncqueue"
	"github.com/serroba/docsync/internal/auth"
	"github.com/serroba/docsync/internal/model"
	"github.com/serroba/docsync/internal/query"
	"go.uber.org/zap"
)

// StreamConfig holds the reconnect policy of the watch and write streams.
type StreamConfig struct {
	// InitialBackoff is the delay before the first restart after a failure.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between restarts.
	MaxBackoff time.Duration
	// DialRetries is how often opening a stream is retried before the
	// failure is reported to the listener.
	DialRetries uint64
}

// DefaultStreamConfig returns the default reconnect policy.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		DialRetries:    3,
	}
}

type streamState int

const (
	// The stream was never started or was stopped.
	streamInitial streamState = iota
	// A token is being fetched and the stream dialed.
	streamStarting
	streamOpen
	// The stream closed with an error and may be restarted after backoff.
	streamError
)

// streamHandler receives stream events. All callbacks run on the queue.
type streamHandler[R any] struct {
	onOpen    func() error
	onMessage func(resp *R) error
	onClose   func(err error) error
}

// stream is a restartable bidirectional stream. Every state change happens
// on the async queue. Each start bumps a generation counter so that events
// from a stream that was closed in the meantime are dropped.
type stream[R any] struct {
	rpc     RPC
	conn    Connection
	creds   auth.CredentialsProvider
	queue   *asyncqueue.Queue
	log     *zap.Logger
	cfg     StreamConfig
	handler streamHandler[R]

	state      streamState
	generation int
	sc         StreamConn
	cancel     context.CancelFunc
	backoff    retry.Backoff
	delay      time.Duration
}

func newStream[R any](rpc RPC, d *Datastore, handler streamHandler[R]) *stream[R] {
	s := &stream[R]{
		rpc:     rpc,
		conn:    d.conn,
		creds:   d.creds,
		queue:   d.queue,
		log:     d.log.With(zap.String("stream", string(rpc))),
		cfg:     d.streamCfg,
		handler: handler,
	}
	s.resetBackoff()

	return s
}

func (s *stream[R]) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(s.cfg.MaxBackoff, retry.WithJitterPercent(20, retry.NewExponential(s.cfg.InitialBackoff)))
}

func (s *stream[R]) resetBackoff() {
	s.backoff = s.newBackoff()
	s.delay = 0
}

// isStarted reports whether the stream is starting or open.
func (s *stream[R]) isStarted() bool {
	return s.state == streamStarting || s.state == streamOpen
}

func (s *stream[R]) isOpen() bool {
	return s.state == streamOpen
}

// start fetches a token and dials the stream off the queue, waiting out
// the backoff delay of a previous failure first.
func (s *stream[R]) start() {
	s.queue.VerifyOperationInProgress()
	model.Assert(!s.isStarted(), "%s stream already started", s.rpc)

	s.state = streamStarting
	s.generation++

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.open(ctx, s.generation, s.delay)
}

func (s *stream[R]) open(ctx context.Context, gen int, delay time.Duration) {
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()

			return
		}
	}

	sc, err := s.dial(ctx)

	s.queue.EnqueueAndForget(func() error {
		if gen != s.generation {
			if sc != nil {
				_ = sc.Close()
			}

			return nil
		}

		if err != nil {
			return s.closeWithError(err)
		}

		s.sc = sc
		s.state = streamOpen
		s.log.Debug("StreamOpened")

		go s.read(gen, sc)

		return s.handler.onOpen()
	})
}

func (s *stream[R]) dial(ctx context.Context) (StreamConn, error) {
	token, err := s.creds.GetToken(ctx, false)
	if err != nil {
		return nil, err
	}

	var sc StreamConn

	b := retry.WithMaxRetries(s.cfg.DialRetries, s.newBackoff())

	err = retry.Do(ctx, b, func(ctx context.Context) error {
		c, err := s.conn.OpenStream(ctx, s.rpc, token)
		if err != nil {
			if !IsPermanentError(CodeOf(err)) {
				return retry.RetryableError(err)
			}

			return err
		}

		sc = c

		return nil
	})

	return sc, err
}

// read forwards frames to the queue until the stream fails.
func (s *stream[R]) read(gen int, sc StreamConn) {
	for {
		resp := new(R)

		if err := sc.Receive(resp); err != nil {
			s.queue.EnqueueAndForget(func() error {
				if gen != s.generation {
					return nil
				}

				return s.closeWithError(err)
			})

			return
		}

		s.queue.EnqueueAndForget(func() error {
			if gen != s.generation {
				return nil
			}

			s.resetBackoff()

			return s.handler.onMessage(resp)
		})
	}
}

// send writes a request. A failed send closes the connection; the read
// loop then reports the failure through the close callback.
func (s *stream[R]) send(req any) {
	s.queue.VerifyOperationInProgress()
	model.Assert(s.isOpen(), "cannot send on a %s stream that is not open", s.rpc)

	if err := s.sc.Send(req); err != nil {
		s.log.Debug("StreamSendFailed", zap.Error(err))
		_ = s.sc.Close()
	}
}

// inhibitBackoff makes the next restart immediate.
func (s *stream[R]) inhibitBackoff() {
	s.delay = 0
}

func (s *stream[R]) teardown() {
	s.generation++

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	if s.sc != nil {
		_ = s.sc.Close()
		s.sc = nil
	}
}

func (s *stream[R]) closeWithError(err error) error {
	s.teardown()
	s.state = streamError

	next, stop := s.backoff.Next()
	if stop {
		next = s.cfg.MaxBackoff
	}

	if CodeOf(err) == ResourceExhausted {
		next = s.cfg.MaxBackoff
	}

	s.delay = next
	s.log.Debug("StreamClosed", zap.Error(err), zap.Duration("backoff", s.delay))

	return s.handler.onClose(err)
}

// stop closes the stream without notifying the handler. The stream may be
// started again.
func (s *stream[R]) stop() {
	s.queue.VerifyOperationInProgress()

	if s.state == streamInitial {
		return
	}

	s.teardown()
	s.state = streamInitial
	s.resetBackoff()
	s.log.Debug("StreamStopped")
}

// WatchStreamListener receives watch stream events on the async queue.
type WatchStreamListener interface {
	OnWatchStreamOpen() error
	// OnWatchStreamChange receives one change and the global snapshot
	// version it completes, MinVersion if none.
	OnWatchStreamChange(change WatchChange, version model.SnapshotVersion) error
	OnWatchStreamClose(err error) error
}

// WatchStream adds and removes listen targets and delivers watch changes.
type WatchStream struct {
	*stream[ListenResponse]

	serializer *Serializer
}

func newWatchStream(d *Datastore, l WatchStreamListener) *WatchStream {
	w := &WatchStream{serializer: d.serializer}
	w.stream = newStream(RPCListen, d, streamHandler[ListenResponse]{
		onOpen: l.OnWatchStreamOpen,
		onMessage: func(resp *ListenResponse) error {
			change, err := w.serializer.FromWatchChange(*resp)
			if err != nil {
				return err
			}

			version, err := w.serializer.VersionFromListenResponse(*resp)
			if err != nil {
				return err
			}

			return l.OnWatchStreamChange(change, version)
		},
		onClose: l.OnWatchStreamClose,
	})

	return w
}

// Start opens the stream.
func (w *WatchStream) Start() { w.start() }

// Stop closes the stream without notifying the listener.
func (w *WatchStream) Stop() { w.stop() }

// IsStarted reports whether the stream is starting or open.
func (w *WatchStream) IsStarted() bool { return w.isStarted() }

// IsOpen reports whether requests may be sent.
func (w *WatchStream) IsOpen() bool { return w.isOpen() }

// Watch asks the server to listen to data.
func (w *WatchStream) Watch(data *query.TargetData) {
	target := w.serializer.ToTarget(data)
	w.send(ListenRequest{Database: w.serializer.DatabaseName(), AddTarget: &target})
}

// Unwatch asks the server to stop listening to targetID.
func (w *WatchStream) Unwatch(targetID int) {
	w.send(ListenRequest{Database: w.serializer.DatabaseName(), RemoveTarget: targetID})
}

// WriteStreamListener receives write stream events on the async queue.
type WriteStreamListener interface {
	OnWriteStreamOpen() error
	OnWriteHandshakeComplete() error
	OnMutationResult(commitVersion model.SnapshotVersion, results []model.MutationResult) error
	OnWriteStreamClose(err error) error
}

// WriteStream sends mutation batches. The first exchange on every stream is
// a handshake that returns a stream token; every later response
// acknowledges the oldest outstanding batch.
type WriteStream struct {
	*stream[WriteResponse]

	serializer        *Serializer
	handshakeComplete bool
	// LastStreamToken is sent with each write so the server can resume.
	LastStreamToken []byte
}

func newWriteStream(d *Datastore, l WriteStreamListener) *WriteStream {
	w := &WriteStream{serializer: d.serializer}
	w.stream = newStream(RPCWrite, d, streamHandler[WriteResponse]{
		onOpen: func() error {
			w.handshakeComplete = false

			return l.OnWriteStreamOpen()
		},
		onMessage: func(resp *WriteResponse) error {
			w.LastStreamToken = resp.StreamToken

			if !w.handshakeComplete {
				if len(resp.WriteResults) > 0 {
					return invalid("write handshake returned results")
				}

				w.handshakeComplete = true

				return l.OnWriteHandshakeComplete()
			}

			commitVersion, err := w.serializer.FromVersion(resp.CommitTime)
			if err != nil {
				return err
			}

			results, err := w.serializer.FromWriteResults(resp.WriteResults)
			if err != nil {
				return err
			}

			return l.OnMutationResult(commitVersion, results)
		},
		onClose: l.OnWriteStreamClose,
	})

	return w
}

// Start opens the stream.
func (w *WriteStream) Start() {
	w.handshakeComplete = false
	w.start()
}

// Stop closes the stream without notifying the listener.
func (w *WriteStream) Stop() {
	w.handshakeComplete = false
	w.stop()
}

// IsStarted reports whether the stream is starting or open.
func (w *WriteStream) IsStarted() bool { return w.isStarted() }

// IsOpen reports whether requests may be sent.
func (w *WriteStream) IsOpen() bool { return w.isOpen() }

// HandshakeComplete reports whether mutations may be written.
func (w *WriteStream) HandshakeComplete() bool { return w.handshakeComplete }

// InhibitBackoff makes the next restart immediate.
func (w *WriteStream) InhibitBackoff() { w.inhibitBackoff() }

// WriteHandshake sends the initial request of the stream.
func (w *WriteStream) WriteHandshake() {
	model.Assert(!w.handshakeComplete, "handshake already completed")
	w.send(WriteRequest{Database: w.serializer.DatabaseName()})
}

// WriteMutations sends one batch.
func (w *WriteStream) WriteMutations(mutations []model.Mutation) {
	model.Assert(w.handshakeComplete, "handshake must be complete before writing mutations")

	writes := make([]Write, len(mutations))
	for i, m := range mutations {
		writes[i] = w.serializer.ToMutation(m)
	}

	w.send(WriteRequest{StreamToken: w.LastStreamToken, Writes: writes})
}
