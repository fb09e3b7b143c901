package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	myMiddleware "go-chat-sync/internal/middleware"
	"go-chat-sync/internal/wire"
)

const historyLimit = 200

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (dev mode)
	},
}

type Handler struct {
	hub  *Hub
	repo *Repository
}

func NewHandler(hub *Hub, repo *Repository) *Handler {
	return &Handler{
		hub:  hub,
		repo: repo,
	}
}

// ServeWs upgrades an authenticated request to a push channel. The
// middleware has already validated the token; we carry its expiry into
// the connection so it can be cut off when the credential lapses.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(myMiddleware.UserKey).(int)
	username, ok2 := r.Context().Value(myMiddleware.UsernameKey).(string)
	expiresAt, ok3 := r.Context().Value(myMiddleware.ExpiryKey).(time.Time)

	if !ok || !ok2 || !ok3 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	client := &Client{
		hub:       h.hub,
		repo:      h.repo,
		conn:      conn,
		send:      make(chan []byte, 256),
		userID:    userID,
		username:  username,
		expiresAt: expiresAt,
		chats:     make(map[int]bool),
	}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// GetChatHistory serves the bulk history the client loads at chat-open
// time, before it trusts any push events.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(myMiddleware.UserKey).(int)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	chatID, err := strconv.Atoi(r.URL.Query().Get("chat_id"))
	if err != nil {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}

	member, err := h.repo.IsParticipant(r.Context(), chatID, userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, "not a participant", http.StatusForbidden)
		return
	}

	msgs, err := h.repo.ChatHistory(r.Context(), chatID, historyLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []wire.Message{}
	}
	json.NewEncoder(w).Encode(msgs)
}

// StartConversation finds or creates the private chat with the target
// user.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(myMiddleware.UserKey).(int)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		TargetID int `json:"target_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetID == 0 {
		http.Error(w, "target_id is required", http.StatusBadRequest)
		return
	}

	chatID, err := h.repo.EnsurePrivateChat(r.Context(), userID, req.TargetID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]int{"chat_id": chatID})
}
