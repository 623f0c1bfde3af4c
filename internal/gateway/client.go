package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/missiond/internal/shared"
)

const (
	MethodSessionsList = "sessions.list"
	MethodChatSend     = "chat.send"

	defaultCallTimeout = 30 * time.Second
	readLimitBytes     = 4 << 20
)

// ErrNotConnected is returned by calls made while no connection is open.
var ErrNotConnected = errors.New("gateway: not connected")

// SessionInfo is one live session reported by the Gateway.
type SessionInfo struct {
	ID      string `json:"id"`
	Key     string `json:"key,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// Client is the RPC boundary to the agent runtime.
type Client interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Disconnect() error
	ListSessions(ctx context.Context) ([]SessionInfo, error)
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// ChatSendParams is the payload of chat.send.
type ChatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// RPCError is an error object returned by the Gateway.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("gateway rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
}

type callResult struct {
	result json.RawMessage
	err    error
}

type Config struct {
	URL         string
	Token       string
	CallTimeout time.Duration
	Logger      *slog.Logger
	HTTPClient  *http.Client
}

// WSClient speaks JSON-RPC 2.0 to the Gateway over one websocket. A single
// reader goroutine resolves pending calls by id; losing the connection
// fails every pending call and marks the client disconnected.
type WSClient struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc

	connected atomic.Bool
	nextID    atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan callResult
}

func NewWSClient(cfg Config) *WSClient {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		cfg:     cfg,
		logger:  logger,
		pending: map[int64]chan callResult{},
	}
}

// Connect dials the Gateway. It is a no-op when already connected.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	opts := &websocket.DialOptions{HTTPClient: c.cfg.HTTPClient}
	if c.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.cfg.Token}}
	}
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, opts)
	if err != nil {
		return fmt.Errorf("dial gateway %s: %w", shared.RedactURL(c.cfg.URL), err)
	}
	conn.SetReadLimit(readLimitBytes)

	readCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = cancel
	c.connected.Store(true)
	go c.readLoop(readCtx, conn)

	c.logger.Info("gateway connected", "url", shared.RedactURL(c.cfg.URL))
	return nil
}

func (c *WSClient) IsConnected() bool {
	return c.connected.Load()
}

// Disconnect closes the connection. Pending calls fail with ErrNotConnected.
func (c *WSClient) Disconnect() error {
	c.mu.Lock()
	conn, cancel := c.conn, c.cancel
	c.conn, c.cancel = nil, nil
	c.connected.Store(false)
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.failPending(ErrNotConnected)
	if err := conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		c.logger.Debug("gateway close", "error", err)
	}
	cancel()
	c.logger.Info("gateway disconnected")
	return nil
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var resp rpcResponse
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			c.dropConnection(conn, err)
			return
		}
		if resp.ID == nil {
			// Server notifications carry no id and are not used here.
			c.logger.Debug("gateway notification ignored", "method", resp.Method)
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[*resp.ID]
		delete(c.pending, *resp.ID)
		c.pendingMu.Unlock()
		if !ok {
			continue
		}
		if resp.Error != nil {
			ch <- callResult{err: resp.Error}
			continue
		}
		ch <- callResult{result: resp.Result}
	}
}

func (c *WSClient) dropConnection(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.connected.Store(false)
	c.mu.Unlock()

	c.logger.Warn("gateway connection lost", "error", cause)
	c.failPending(fmt.Errorf("%w: %v", ErrNotConnected, cause))
	_ = conn.CloseNow()
}

func (c *WSClient) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = map[int64]chan callResult{}
	c.pendingMu.Unlock()
	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

// Call sends one request and waits for its response, bounded by the
// configured call timeout.
func (c *WSClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	id := c.nextID.Add(1)
	ch := make(chan callResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := wsjson.Write(callCtx, conn, req); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("gateway %s: write: %w", method, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("gateway %s: %w", method, res.err)
		}
		return res.result, nil
	case <-callCtx.Done():
		c.forget(id)
		return nil, fmt.Errorf("gateway %s: %w", method, callCtx.Err())
	}
}

func (c *WSClient) forget(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// ListSessions returns the Gateway's live sessions. The result may be a
// bare array or an object with a sessions field.
func (c *WSClient) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	raw, err := c.Call(ctx, MethodSessionsList, map[string]any{})
	if err != nil {
		return nil, err
	}
	return decodeSessions(raw)
}

func decodeSessions(raw json.RawMessage) ([]SessionInfo, error) {
	var list []SessionInfo
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Sessions []SessionInfo `json:"sessions"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode sessions.list result: %w", err)
	}
	return wrapped.Sessions, nil
}

// SendChat delivers a message to a session via chat.send.
func SendChat(ctx context.Context, c Client, p ChatSendParams) error {
	_, err := c.Call(ctx, MethodChatSend, p)
	return err
}

var _ Client = (*WSClient)(nil)
