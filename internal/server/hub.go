package server

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"go-chat-sync/internal/wire"
)

// redisChannel carries every chat message between server instances.
// Each payload is a wire.Message; chat routing happens at fan-out time
// against each connection's joined set.
const redisChannel = "chat-events"

// Hub is the central router. It owns the set of live connections and is
// the only goroutine that touches it, so the map needs no lock.
type Hub struct {
	clients map[*Client]bool

	// Register requests from new connections.
	register chan *Client

	// Unregister requests from dying connections.
	unregister chan *Client

	// Messages accepted from local connections, headed to redis.
	publish chan wire.Message

	// Raw payloads arriving from redis, headed to local connections.
	broadcast chan []byte

	redis *redis.Client
}

func NewHub(redisClient *redis.Client) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		publish:    make(chan wire.Message, 64),
		broadcast:  make(chan []byte, 64),
		redis:      redisClient,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}

		case msg := <-h.publish:
			payload, err := json.Marshal(msg)
			if err != nil {
				log.Printf("hub: encode message: %v", err)
				continue
			}
			if err := h.redis.Publish(context.Background(), redisChannel, payload).Err(); err != nil {
				log.Printf("hub: redis publish: %v", err)
			}

		case payload := <-h.broadcast:
			var msg wire.Message
			if err := json.Unmarshal(payload, &msg); err != nil {
				log.Printf("hub: bad payload from redis: %v", err)
				continue
			}
			frame, err := wire.NewFrame(wire.EventChatMessage, msg)
			if err != nil {
				continue
			}
			data, _ := json.Marshal(frame)

			// Fan out to every local connection joined to this chat.
			for client := range h.clients {
				if !client.Joined(msg.ChatID) {
					continue
				}
				select {
				case client.send <- data:
				default:
					// Slow consumer: drop the connection, not the hub.
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// SubscribeToRedis pipes cross-instance traffic into the broadcast
// channel. Runs in its own goroutine.
func (h *Hub) SubscribeToRedis() {
	pubsub := h.redis.Subscribe(context.Background(), redisChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for msg := range ch {
		h.broadcast <- []byte(msg.Payload)
	}
}
