// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/strandhq/strand/internal/protocol"
)

const (
	maxMessageSize = 4096
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = 10 * time.Second
	maxClients     = 1000
)

// newUpgrader creates a WebSocket upgrader honoring the configured allowed
// origins. An empty allow-list accepts any origin.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		},
	}
}

// wsClient is one connected WebSocket client. userID is empty for untagged
// connections, which receive broadcast events only.
type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

// Broker fans agent events out to connected clients. It implements the
// Broadcaster interface the agent subsystem emits through.
type Broker struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{clients: make(map[*wsClient]struct{})}
}

// Emit broadcasts an event to every connected client.
func (b *Broker) Emit(event protocol.Event) {
	b.send(event, "")
}

// EmitToUser delivers an event only to connections tagged with userID.
func (b *Broker) EmitToUser(userID string, event protocol.Event) {
	if userID == "" {
		b.Emit(event)
		return
	}
	b.send(event, userID)
}

func (b *Broker) send(event protocol.Event, userID string) {
	data, err := json.Marshal(event)
	if err != nil {
		getLog().Error().Err(err).Str("type", event.Type).Msg("Failed to marshal WS event")
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		if userID != "" && c.userID != userID {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Slow client: drop the frame rather than block emitters.
			getLog().Warn().Str("type", event.Type).Msg("Dropping event for slow WebSocket client")
		}
	}
}

func (b *Broker) add(c *wsClient) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.clients) >= maxClients {
		return false
	}
	b.clients[c] = struct{}{}
	return true
}

func (b *Broker) remove(c *wsClient) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
}

// CloseAll disconnects every client, for shutdown.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	clients := make([]*wsClient, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[*wsClient]struct{})
	b.mu.Unlock()

	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		c.conn.Close()
	}
}

// Handle upgrades HTTP connections and runs the client pumps. The user
// identity comes from the bearer token lookup upstream; here it arrives as
// the `user` query parameter set by that layer.
func (b *Broker) Handle(allowedOrigins []string) http.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			getLog().Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}

		client := &wsClient{
			conn:   conn,
			send:   make(chan []byte, 64),
			userID: r.URL.Query().Get("user"),
		}
		if !b.add(client) {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"))
			conn.Close()
			return
		}
		getLog().Info().Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

		go client.writePump()
		client.readPump(b)
	}
}

// readPump discards inbound frames (the protocol is server → client) while
// keeping the read deadline fresh via pongs.
func (c *wsClient) readPump(b *Broker) {
	defer func() {
		b.remove(c)
		close(c.send)
		c.conn.Close()
		getLog().Info().Msg("WebSocket client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				getLog().Error().Err(err).Msg("WebSocket read error")
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
