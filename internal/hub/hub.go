// Package hub owns the websocket fan-out for one room: the client roster,
// the read/write pumps and keepalive. What the messages mean is the
// Handler's business.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mossy-p/voicemesh/internal/models"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
	sendBuffer   = 256
)

// Handler receives the room-level events of a hub.
type Handler interface {
	// ClientJoined fires after the client is in the roster, before its
	// pumps start.
	ClientJoined(c *Client)
	// ClientLeft fires after the client is removed from the roster.
	ClientLeft(c *Client)
	// Message delivers one parsed inbound message. From and RoomID are
	// already stamped with the sender's identity.
	Message(c *Client, msg models.SignalMessage)
}

// Client is one websocket participant.
type Client struct {
	ID          string
	RoomID      string
	DisplayName string

	conn    *websocket.Conn
	send    chan []byte
	hub     *RoomHub
	handler Handler
	logger  *slog.Logger

	closeOnce sync.Once
}

// RoomHub is the roster and fan-out for one room.
type RoomHub struct {
	RoomID string

	mu      sync.RWMutex
	clients map[string]*Client
	logger  *slog.Logger
}

func NewRoomHub(roomID string, logger *slog.Logger) *RoomHub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RoomHub{
		RoomID:  roomID,
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// Attach registers a new client and starts its pumps. The handler sees
// ClientJoined first, then inbound messages, then ClientLeft when the
// connection dies.
func (h *RoomHub) Attach(id, displayName string, conn *websocket.Conn, handler Handler) *Client {
	c := &Client{
		ID:          id,
		RoomID:      h.RoomID,
		DisplayName: displayName,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		hub:         h,
		handler:     handler,
		logger:      h.logger,
	}
	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()

	handler.ClientJoined(c)
	go c.writePump()
	go c.readPump()
	return c
}

func (h *RoomHub) remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	h.mu.Unlock()
}

// Broadcast sends to every client except excludePeerID (empty excludes
// nobody). Slow clients are dropped rather than blocking the room.
func (h *RoomHub) Broadcast(msg models.SignalMessage, excludePeerID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "err", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.clients {
		if id == excludePeerID {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn("send buffer full, dropping message", "peer", id)
		}
	}
}

// SendTo sends to one client. Unknown targets are logged and dropped, the
// sender cannot tell whether a peer left a moment ago anyway.
func (h *RoomHub) SendTo(msg models.SignalMessage, targetPeerID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal message", "err", err)
		return
	}
	h.mu.RLock()
	c, ok := h.clients[targetPeerID]
	h.mu.RUnlock()
	if !ok {
		h.logger.Warn("target peer not in room", "peer", targetPeerID, "room", h.RoomID)
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn("send buffer full, dropping message", "peer", targetPeerID)
	}
}

// Peers returns the ids currently in the roster.
func (h *RoomHub) Peers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.clients))
	for id := range h.clients {
		out = append(out, id)
	}
	return out
}

// Len is the current roster size.
func (h *RoomHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *RoomHub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.Close()
	}
}

// Send queues one message for this client.
func (c *Client) Send(msg models.SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal message", "err", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping message", "peer", c.ID)
	}
}

// Close terminates the connection; the read pump then runs the usual
// departure path exactly once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { _ = c.conn.Close() })
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.Close()
		c.handler.ClientLeft(c)
	}()

	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read", "peer", c.ID, "err", err)
			}
			return
		}
		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("unparseable message", "peer", c.ID, "err", err)
			continue
		}
		msg.From = c.ID
		msg.RoomID = c.RoomID
		c.handler.Message(c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
