package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/adapters"
	"github.com/dispatchd/dispatchd/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	wsWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	wsPongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than wsPongWait)
	wsPingPeriod = (wsPongWait * 9) / 10

	// Maximum message size allowed from peer
	wsMaxMessageSize = 64 * 1024
)

// wsInbound is a client frame: {"type":"message","text":...}.
type wsInbound struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// wsOutbound is a server frame; type is reply, status, or error.
type wsOutbound struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// WSAdapter is the browser chat surface: one websocket per tab, messages
// dispatched into the handler, replies and status updates pushed back over
// the same socket.
type WSAdapter struct {
	logger   *logger.Logger
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	running   bool
	onMessage func(context.Context, *adapters.IncomingMessage)
	clients   map[string]map[*wsClient]struct{}
}

// NewWSAdapter builds the websocket chat adapter.
func NewWSAdapter(log *logger.Logger) *WSAdapter {
	return &WSAdapter{
		logger: log.WithFields(zap.String("component", "ws-chat")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// The browser client may be served from any origin; the API
				// carries no cookies, so cross-origin sockets are safe.
				return true
			},
		},
		clients: map[string]map[*wsClient]struct{}{},
	}
}

func (a *WSAdapter) Name() string     { return "web-chat" }
func (a *WSAdapter) Platform() string { return "web" }

// Start registers the message sink; the gateway serves the /ws route.
func (a *WSAdapter) Start(ctx context.Context, onMessage func(context.Context, *adapters.IncomingMessage)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onMessage = onMessage
	a.running = true
	return nil
}

// Stop closes every connected client.
func (a *WSAdapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
	a.onMessage = nil
	for _, conns := range a.clients {
		for client := range conns {
			client.close()
		}
	}
	a.clients = map[string]map[*wsClient]struct{}{}
	return nil
}

// SendToUser pushes a reply frame to every open socket of the user.
func (a *WSAdapter) SendToUser(ctx context.Context, userID, text string) error {
	a.mu.RLock()
	conns := make([]*wsClient, 0, len(a.clients[userID]))
	for client := range a.clients[userID] {
		conns = append(conns, client)
	}
	a.mu.RUnlock()

	if len(conns) == 0 {
		return fmt.Errorf("no websocket session for %s", userID)
	}
	for _, client := range conns {
		client.push(wsOutbound{Type: "reply", Text: text})
	}
	return nil
}

func (a *WSAdapter) handleWS(c *gin.Context) {
	userID := c.Query("user")
	if userID == "" {
		userID = uuid.New().String()[:8]
	}
	userID = "web:" + userID

	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		userID:  userID,
		conn:    conn,
		adapter: a,
		send:    make(chan wsOutbound, 64),
		logger:  a.logger.WithUserID(userID),
	}
	a.register(client)
	client.logger.Info("websocket connected")

	go client.writePump()
	client.readPump()
}

func (a *WSAdapter) register(client *wsClient) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.clients[client.userID] == nil {
		a.clients[client.userID] = map[*wsClient]struct{}{}
	}
	a.clients[client.userID][client] = struct{}{}
}

func (a *WSAdapter) unregister(client *wsClient) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if conns, ok := a.clients[client.userID]; ok {
		delete(conns, client)
		if len(conns) == 0 {
			delete(a.clients, client.userID)
		}
	}
}

func (a *WSAdapter) sink() func(context.Context, *adapters.IncomingMessage) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.onMessage
}

// wsClient is one websocket connection.
type wsClient struct {
	userID  string
	conn    *websocket.Conn
	adapter *WSAdapter
	send    chan wsOutbound
	logger  *logger.Logger

	closeOnce sync.Once
}

func (c *wsClient) readPump() {
	defer func() {
		c.adapter.unregister(c)
		c.close()
		c.logger.Info("websocket disconnected")
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var in wsInbound
		if err := json.Unmarshal(raw, &in); err != nil || in.Type != "message" {
			c.push(wsOutbound{Type: "error", Text: "expected {\"type\":\"message\",\"text\":...}"})
			continue
		}

		onMessage := c.adapter.sink()
		if onMessage == nil {
			c.push(wsOutbound{Type: "error", Text: "chat is not accepting messages"})
			continue
		}

		msg := &adapters.IncomingMessage{
			UserID:   c.userID,
			Platform: "web",
			Text:     in.Text,
			Reply: func(ctx context.Context, text string) error {
				return c.push(wsOutbound{Type: "reply", Text: text})
			},
			UpdateStatus: func(ctx context.Context, text string) error {
				return c.push(wsOutbound{Type: "status", Text: text})
			},
		}
		// Handling may block on resolution; keep reading the socket.
		go onMessage(context.Background(), msg)
	}
}

// push queues a frame for the write pump. A full buffer drops the frame
// rather than blocking a worker.
func (c *wsClient) push(out wsOutbound) error {
	select {
	case c.send <- out:
		return nil
	default:
		return fmt.Errorf("websocket send buffer full")
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case out := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(out); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close shuts the connection; the pumps notice through their next read or
// write error. The send channel stays open so late pushes cannot panic.
func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}
