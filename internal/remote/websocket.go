package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/serroba/docsync/internal/auth"
	"github.com/serroba/docsync/internal/logging"
	"github.com/serroba/docsync/internal/ws"
	"go.uber.org/zap"
)

// WebSocketConfig holds configuration for a WebSocketConnection.
type WebSocketConfig struct {
	// Endpoint is the backend base URL, e.g. http://localhost:8080.
	Endpoint   string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *zap.Logger
}

// WebSocketConnection sends unary RPCs as HTTP POST requests to
// /rpc/{method} and opens streams as WebSockets on /{method}.
type WebSocketConnection struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
	log    *zap.Logger
}

// Ensure WebSocketConnection implements Connection.
var _ Connection = (*WebSocketConnection)(nil)

// NewWebSocketConnection creates a connection to cfg.Endpoint.
func NewWebSocketConnection(cfg WebSocketConfig) (*WebSocketConnection, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", cfg.Endpoint, err)
	}

	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("endpoint %q: scheme must be http or https", cfg.Endpoint)
	}

	c := &WebSocketConnection{
		base:   base,
		http:   cfg.HTTPClient,
		dialer: cfg.Dialer,
		log:    logging.OrNop(cfg.Logger),
	}

	if c.http == nil {
		c.http = http.DefaultClient
	}

	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}

	return c, nil
}

func authHeader(token *auth.Token) http.Header {
	header := http.Header{}
	for k, v := range token.AuthHeaders() {
		header.Set(k, v)
	}

	return header
}

// Invoke implements Connection.
func (c *WebSocketConnection) Invoke(ctx context.Context, rpc RPC, req, resp any, token *auth.Token) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", rpc, err)
	}

	u := c.base.JoinPath("rpc", string(rpc))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", rpc, err)
	}

	httpReq.Header = authHeader(token)
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return NewError(Canceled, "%s: %v", rpc, err)
		}

		return NewError(Unavailable, "%s: %v", rpc, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return NewError(Unavailable, "%s: read response: %v", rpc, err)
	}

	if res.StatusCode != http.StatusOK {
		var status Status
		if err := json.Unmarshal(data, &status); err != nil || Code(status.Code) == OK {
			return NewError(codeFromHTTPStatus(res.StatusCode), "%s: %s", rpc, res.Status)
		}

		return status.Err()
	}

	if err := json.Unmarshal(data, resp); err != nil {
		return invalid("%s response: %v", rpc, err)
	}

	return nil
}

// OpenStream implements Connection.
func (c *WebSocketConnection) OpenStream(ctx context.Context, rpc RPC, token *auth.Token) (StreamConn, error) {
	u := *c.base.JoinPath(string(rpc))
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}

	conn, res, err := c.dialer.DialContext(ctx, u.String(), authHeader(token))
	if err != nil {
		if res != nil {
			_ = res.Body.Close()

			return nil, NewError(codeFromHTTPStatus(res.StatusCode), "open %s stream: %s", rpc, res.Status)
		}

		return nil, NewError(Unavailable, "open %s stream: %v", rpc, err)
	}

	var uid string
	if token != nil {
		uid = token.User.UID
	}

	id := uuid.NewString()
	c.log.Debug("StreamDialed", zap.String("rpc", string(rpc)), zap.String("stream", id))

	return &wsStream{client: ws.NewClient(id, uid, conn)}, nil
}

type wsStream struct {
	client    *ws.Client
	closeOnce sync.Once
	closeErr  error
}

func (s *wsStream) Send(msg any) error {
	if err := s.client.Send(ws.MessageTypeRequest, msg); err != nil {
		return NewError(Unavailable, "send: %v", err)
	}

	return nil
}

func (s *wsStream) Receive(msg any) error {
	m, err := s.client.Receive()
	if err != nil {
		return NewError(Unavailable, "receive: %v", err)
	}

	switch m.Type {
	case ws.MessageTypeResponse:
		if err := m.Decode(msg); err != nil {
			return invalid("stream response: %v", err)
		}

		return nil
	case ws.MessageTypeError:
		var p ws.ErrorPayload
		if err := m.Decode(&p); err != nil {
			return invalid("stream error: %v", err)
		}

		return NewError(Code(p.Code), "%s", p.Message)
	default:
		return invalid("unexpected frame type %q", m.Type)
	}
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})

	return s.closeErr
}
