package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mev-engine/trade-resilience/pkg/interfaces"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
	clientBuffer   = 256
	statusInterval = 15 * time.Second
)

// WebSocketServer streams pool detections, watcher pings and periodic status
// snapshots to connected operators
type WebSocketServer struct {
	upgrader websocket.Upgrader
	clients  map[*Client]struct{}
	mutex    sync.RWMutex

	watcher  interfaces.PoolWatcher
	statusFn func() interfaces.SystemStatus
	logger   *zap.Logger

	unsubscribe []func()
	interval    time.Duration

	broadcast  chan *interfaces.WebSocketMessage
	register   chan *Client
	unregister chan *Client
	shutdown   chan struct{}
	stopped    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// Client represents a WebSocket client connection
type Client struct {
	conn *websocket.Conn
	send chan *interfaces.WebSocketMessage
	id   string
}

// NewWebSocketServer creates a hub fed by watcher. statusFn, when set, is
// sent on connect and every status interval.
func NewWebSocketServer(watcher interfaces.PoolWatcher, statusFn func() interfaces.SystemStatus, allowedOrigins []string, logger *zap.Logger) *WebSocketServer {
	return &WebSocketServer{
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients:    make(map[*Client]struct{}),
		watcher:    watcher,
		statusFn:   statusFn,
		logger:     logger.Named("ws"),
		interval:   statusInterval,
		broadcast:  make(chan *interfaces.WebSocketMessage, 100),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		shutdown:   make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// Start subscribes to the watcher and runs the hub loop
func (ws *WebSocketServer) Start(ctx context.Context) error {
	ws.startOnce.Do(func() {
		if ws.watcher != nil {
			ws.unsubscribe = append(ws.unsubscribe,
				ws.watcher.Subscribe(ws.BroadcastPool),
				ws.watcher.SubscribePings(ws.BroadcastPing),
			)
		}
		go ws.run(ctx)
		ws.logger.Info("websocket hub started")
	})
	return nil
}

// Stop detaches from the watcher and disconnects every client
func (ws *WebSocketServer) Stop(ctx context.Context) error {
	ws.stopOnce.Do(func() {
		// never started: nothing will close stopped
		ws.startOnce.Do(func() { close(ws.stopped) })
		for _, unsubscribe := range ws.unsubscribe {
			unsubscribe()
		}
		close(ws.shutdown)
	})

	select {
	case <-ws.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	ws.logger.Info("websocket hub stopped")
	return nil
}

// HandleWebSocket handles WebSocket connection upgrades
func (ws *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan *interfaces.WebSocketMessage, clientBuffer),
		id:   getClientID(r),
	}

	select {
	case ws.register <- client:
	case <-ws.stopped:
		conn.Close()
		return
	}

	go ws.writePump(client)
	go ws.readPump(client)
}

// BroadcastPool queues a pool detection for every client
func (ws *WebSocketServer) BroadcastPool(event interfaces.PoolEvent) {
	ws.enqueue(&interfaces.WebSocketMessage{
		Type:      interfaces.MessageTypePool,
		Data:      event,
		Timestamp: event.DetectedAt,
	})
}

// BroadcastPing forwards a watcher heartbeat
func (ws *WebSocketServer) BroadcastPing(ping interfaces.PingEvent) {
	ws.enqueue(&interfaces.WebSocketMessage{
		Type:      interfaces.MessageTypePing,
		Data:      ping,
		Timestamp: ping.Timestamp,
	})
}

func (ws *WebSocketServer) enqueue(msg *interfaces.WebSocketMessage) {
	select {
	case ws.broadcast <- msg:
	default:
		ws.logger.Warn("broadcast channel full, dropping message", zap.String("type", string(msg.Type)))
	}
}

// GetConnectedClients returns the number of connected clients
func (ws *WebSocketServer) GetConnectedClients() int {
	ws.mutex.RLock()
	defer ws.mutex.RUnlock()
	return len(ws.clients)
}

// run owns the client set; only it closes client send channels
func (ws *WebSocketServer) run(ctx context.Context) {
	ticker := time.NewTicker(ws.interval)
	defer func() {
		ticker.Stop()
		ws.closeAll()
		close(ws.stopped)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ws.shutdown:
			return
		case client := <-ws.register:
			ws.registerClient(client)
		case client := <-ws.unregister:
			ws.unregisterClient(client)
		case msg := <-ws.broadcast:
			ws.broadcastToClients(msg)
		case <-ticker.C:
			if ws.statusFn != nil && ws.GetConnectedClients() > 0 {
				ws.broadcastToClients(ws.statusMessage())
			}
		}
	}
}

func (ws *WebSocketServer) statusMessage() *interfaces.WebSocketMessage {
	return &interfaces.WebSocketMessage{
		Type:      interfaces.MessageTypeStatus,
		Data:      ws.statusFn(),
		Timestamp: time.Now(),
	}
}

func (ws *WebSocketServer) registerClient(client *Client) {
	ws.mutex.Lock()
	ws.clients[client] = struct{}{}
	total := len(ws.clients)
	ws.mutex.Unlock()

	ws.logger.Info("websocket client connected", zap.String("client", client.id), zap.Int("total", total))

	if ws.statusFn != nil {
		client.send <- ws.statusMessage()
	}
}

func (ws *WebSocketServer) unregisterClient(client *Client) {
	ws.mutex.Lock()
	_, ok := ws.clients[client]
	if ok {
		delete(ws.clients, client)
		close(client.send)
	}
	total := len(ws.clients)
	ws.mutex.Unlock()

	if ok {
		ws.logger.Info("websocket client disconnected", zap.String("client", client.id), zap.Int("total", total))
	}
}

// broadcastToClients drops clients whose buffer is full
func (ws *WebSocketServer) broadcastToClients(message *interfaces.WebSocketMessage) {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	for client := range ws.clients {
		select {
		case client.send <- message:
		default:
			close(client.send)
			delete(ws.clients, client)
			ws.logger.Warn("websocket client too slow, disconnecting", zap.String("client", client.id))
		}
	}
}

func (ws *WebSocketServer) closeAll() {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	for client := range ws.clients {
		close(client.send)
		delete(ws.clients, client)
	}
}

// readPump discards client input and keeps the read deadline fresh
func (ws *WebSocketServer) readPump(client *Client) {
	defer func() {
		select {
		case ws.unregister <- client:
		case <-ws.stopped:
		}
	}()

	client.conn.SetReadLimit(maxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				ws.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump serializes every write to the connection
func (ws *WebSocketServer) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteJSON(message); err != nil {
				ws.logger.Debug("websocket write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
