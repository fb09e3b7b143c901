package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go-chat-sync/internal/wire"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings with this period. Must be less than pongWait.
	maxMessageSize = 4096                // Maximum frame size allowed from peer.
)

// Client is the middleman between one websocket connection and the hub.
// It carries the authenticated identity and the credential's expiry;
// when the expiry passes, the write pump sends auth_expired and closes
// with 4401 so the peer knows to refresh and reconnect rather than
// treat it as a network failure.
type Client struct {
	hub  *Hub
	repo *Repository
	conn *websocket.Conn

	// Buffered channel of outbound frames.
	send chan []byte

	userID    int
	username  string
	avatarURL string
	expiresAt time.Time

	mu    sync.Mutex
	chats map[int]bool
}

// Joined reports whether this connection has joined the given chat.
func (c *Client) Joined(chatID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chats[chatID]
}

func (c *Client) join(chatID int) {
	c.mu.Lock()
	c.chats[chatID] = true
	c.mu.Unlock()
}

// readPump pumps frames from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame wire.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ws: read error from %s: %v", c.username, err)
			}
			break
		}

		switch frame.Event {
		case wire.EventJoinChat:
			c.handleJoin(frame.Data)
		case wire.EventSendMessage:
			c.handleSend(frame.Data)
		default:
			log.Printf("ws: ignoring unknown event %q from %s", frame.Event, c.username)
		}
	}
}

func (c *Client) handleJoin(data json.RawMessage) {
	var req wire.JoinRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("ws: bad join from %s: %v", c.username, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := c.repo.IsParticipant(ctx, req.ChatID, c.userID)
	if err != nil {
		log.Printf("ws: participant check: %v", err)
		return
	}
	if !ok {
		log.Printf("ws: %s tried to join chat %d without membership", c.username, req.ChatID)
		return
	}
	c.join(req.ChatID)
}

func (c *Client) handleSend(data json.RawMessage) {
	var req wire.SendRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("ws: bad send from %s: %v", c.username, err)
		return
	}

	if req.Content == "" {
		c.ack(wire.Ack{TempID: req.TempID, Status: wire.AckError, Error: "empty message"})
		return
	}
	if !c.Joined(req.ChatID) {
		c.ack(wire.Ack{TempID: req.TempID, Status: wire.AckError, Error: "not joined to chat"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, createdAt, err := c.repo.SaveMessage(ctx, req.ChatID, c.userID, req.Content)
	if err != nil {
		log.Printf("ws: save message: %v", err)
		c.ack(wire.Ack{TempID: req.TempID, Status: wire.AckError, Error: "storage failure"})
		return
	}

	c.ack(wire.Ack{TempID: req.TempID, Status: wire.AckSuccess})

	// Broadcast with the sender's temp id quoted back, so the sender
	// can promote its optimistic entry by id instead of falling back
	// to the content heuristic.
	c.hub.publish <- wire.Message{
		ID:        id,
		TempID:    req.TempID,
		ChatID:    req.ChatID,
		Content:   req.Content,
		CreatedAt: createdAt,
		Author: wire.Author{
			ID:        c.userID,
			Username:  c.username,
			AvatarURL: c.avatarURL,
		},
	}
}

func (c *Client) ack(ack wire.Ack) {
	frame, err := wire.NewFrame(wire.EventAck, ack)
	if err != nil {
		return
	}
	data, _ := json.Marshal(frame)
	select {
	case c.send <- data:
	default:
	}
}

// writePump pumps frames from the hub to the websocket connection. It
// also owns the heartbeat and the credential-expiry cutoff.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	authTimer := time.NewTimer(time.Until(c.expiresAt))
	defer func() {
		ticker.Stop()
		authTimer.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-authTimer.C:
			// Credential lapsed. Tell the peer explicitly, then close
			// with the auth code — this must be distinguishable from an
			// ordinary disconnect.
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if frame, err := wire.NewFrame(wire.EventAuthExpired, struct{}{}); err == nil {
				c.conn.WriteJSON(frame)
			}
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(wire.CloseAuthExpired, "credential expired"))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
