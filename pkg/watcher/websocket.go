package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrConnectionClosed is reported by calls made after the connection is gone
var ErrConnectionClosed = errors.New("logs connection closed")

const (
	defaultKeepalive = 30 * time.Second
	writeTimeout     = 10 * time.Second
	notificationBuf  = 256
)

// LogNotification is one logsNotification pushed by the node
type LogNotification struct {
	Subscription uint64
	Slot         uint64
	Signature    string
	Err          json.RawMessage
	Logs         []string
}

// Failed reports whether the transaction carrying these logs failed on chain
func (n LogNotification) Failed() bool {
	return len(n.Err) > 0 && string(n.Err) != "null"
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcMessage struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type logsNotificationParams struct {
	Result struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Signature string          `json:"signature"`
			Err       json.RawMessage `json:"err"`
			Logs      []string        `json:"logs"`
		} `json:"value"`
	} `json:"result"`
	Subscription uint64 `json:"subscription"`
}

// LogsConnection is a JSON-RPC websocket client for the Solana logs
// subscription API. A connection-level failure is reported once on Err and
// ends the connection; it is never reused afterwards.
type LogsConnection struct {
	conn   *websocket.Conn
	url    string
	logger *zap.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan rpcMessage

	notifications chan LogNotification
	errCh         chan error
	done          chan struct{}
	closeOnce     sync.Once
	keepalive     time.Duration
}

// DialLogs connects to a websocket endpoint and starts the read and
// keepalive loops. A keepalive of zero uses the default interval.
func DialLogs(ctx context.Context, url string, keepalive time.Duration, logger *zap.Logger) (*LogsConnection, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keepalive <= 0 {
		keepalive = defaultKeepalive
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
		ReadBufferSize:   1024 * 16,
		WriteBufferSize:  1024 * 16,
	}

	conn, _, err := dialer.DialContext(ctx, url, http.Header{
		"User-Agent": []string{"trade-resilience/1.0"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	c := &LogsConnection{
		conn:          conn,
		url:           url,
		logger:        logger,
		pending:       make(map[uint64]chan rpcMessage),
		notifications: make(chan LogNotification, notificationBuf),
		errCh:         make(chan error, 1),
		done:          make(chan struct{}),
		keepalive:     keepalive,
	}

	// A missed pong for two keepalive periods is treated as a stalled stream
	_ = conn.SetReadDeadline(time.Now().Add(2 * keepalive))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * keepalive))
	})

	go c.readMessages()
	go c.keepaliveLoop()

	return c, nil
}

// URL returns the endpoint this connection was dialed against
func (c *LogsConnection) URL() string {
	return c.url
}

// Notifications delivers every logsNotification in arrival order
func (c *LogsConnection) Notifications() <-chan LogNotification {
	return c.notifications
}

// Err delivers the connection-level failure that ended the connection
func (c *LogsConnection) Err() <-chan error {
	return c.errCh
}

// Done is closed once the connection has ended for any reason
func (c *LogsConnection) Done() <-chan struct{} {
	return c.done
}

// SubscribeMentions subscribes to logs of transactions mentioning address and
// returns the node-assigned subscription id.
func (c *LogsConnection) SubscribeMentions(ctx context.Context, address, commitment string) (uint64, error) {
	params := []interface{}{
		map[string]interface{}{"mentions": []string{address}},
		map[string]interface{}{"commitment": commitment},
	}

	result, err := c.call(ctx, "logsSubscribe", params)
	if err != nil {
		return 0, err
	}

	var subID uint64
	if err := json.Unmarshal(result, &subID); err != nil {
		return 0, fmt.Errorf("invalid logsSubscribe result %s: %w", string(result), err)
	}
	return subID, nil
}

// Unsubscribe cancels a logs subscription
func (c *LogsConnection) Unsubscribe(ctx context.Context, subID uint64) error {
	result, err := c.call(ctx, "logsUnsubscribe", []interface{}{subID})
	if err != nil {
		return err
	}

	var ok bool
	if err := json.Unmarshal(result, &ok); err != nil {
		return fmt.Errorf("invalid logsUnsubscribe result %s: %w", string(result), err)
	}
	if !ok {
		return fmt.Errorf("subscription %d was not active", subID)
	}
	return nil
}

// Close ends the connection. It is safe to call more than once.
func (c *LogsConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.shutdown()
	})
	return err
}

func (c *LogsConnection) shutdown() error {
	close(c.done)

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.conn.Close()
}

func (c *LogsConnection) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	respCh := make(chan rpcMessage, 1)

	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	msgBytes, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	if err := c.write(msgBytes); err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s failed: %w", method, resp.Error)
		}
		return resp.Result, nil
	case <-c.done:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *LogsConnection) write(msg []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// fail closes the connection and reports err, unless the owner closed it first
func (c *LogsConnection) fail(err error) {
	c.closeOnce.Do(func() {
		_ = c.shutdown()
		c.errCh <- err
	})
}

func (c *LogsConnection) keepaliveLoop() {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.fail(fmt.Errorf("keepalive ping failed: %w", err))
				return
			}
		}
	}
}

func (c *LogsConnection) readMessages() {
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("read from %s: %w", c.url, err))
			return
		}

		// Any inbound traffic proves the stream is alive
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * c.keepalive))

		var msg rpcMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Debug("skipping malformed message", zap.Error(err))
			continue
		}

		if msg.ID != nil {
			c.pendingMu.Lock()
			respCh, ok := c.pending[*msg.ID]
			c.pendingMu.Unlock()
			if ok {
				respCh <- msg
			}
			continue
		}

		if msg.Method != "logsNotification" {
			continue
		}

		var params logsNotificationParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Debug("skipping malformed notification", zap.Error(err))
			continue
		}

		notification := LogNotification{
			Subscription: params.Subscription,
			Slot:         params.Result.Context.Slot,
			Signature:    params.Result.Value.Signature,
			Err:          params.Result.Value.Err,
			Logs:         params.Result.Value.Logs,
		}

		select {
		case c.notifications <- notification:
		case <-c.done:
			return
		}
	}
}
