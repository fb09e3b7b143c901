package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event names carried in Frame.Event. The client only ever sends
// join_chat and send_message; everything else flows server -> client.
const (
	EventJoinChat    = "join_chat"
	EventSendMessage = "send_message"
	EventAck         = "ack"
	EventChatMessage = "chat:message"
	EventAuthExpired = "auth_expired"
)

// CloseAuthExpired is the websocket close code the server uses when the
// connection's credential lapses. It is distinct from the normal close
// codes so clients can tell "re-authenticate" apart from "network died".
const CloseAuthExpired = 4401

// TempIDPrefix marks client-generated placeholder message ids.
const TempIDPrefix = "temp_"

// Frame is the envelope for everything on the push channel.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals data into a Frame with the given event name.
func NewFrame(event string, data interface{}) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: encode %s: %w", event, err)
	}
	return Frame{Event: event, Data: raw}, nil
}

type Author struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Message is a chat message as it travels over the wire and as the
// client renders it. ID is either a server id ("m_<n>") or, for a send
// still awaiting confirmation, a client temp id ("temp_<unixnano>").
// TempID is set by the server on broadcasts of a message it received
// over the channel, quoting back the sender's temp id so the sender can
// promote its optimistic entry.
type Message struct {
	ID        string    `json:"id"`
	TempID    string    `json:"temp_id,omitempty"`
	ChatID    int       `json:"chat_id"`
	Content   string    `json:"content"`
	Author    Author    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// IsTemp reports whether the message still carries a client-generated id.
func (m Message) IsTemp() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// Validate gates incoming push payloads. A message that fails here is
// dropped and logged, never inserted into the visible sequence.
func (m Message) Validate() error {
	if m.ID == "" {
		return errors.New("wire: message missing id")
	}
	if m.Author.ID == 0 {
		return errors.New("wire: message missing author")
	}
	if m.Content == "" {
		return errors.New("wire: message missing content")
	}
	return nil
}

// JoinRequest is the payload of a join_chat frame.
type JoinRequest struct {
	ChatID int `json:"chat_id"`
}

// SendRequest is the payload of a send_message frame.
type SendRequest struct {
	ChatID  int    `json:"chat_id"`
	Content string `json:"content"`
	TempID  string `json:"temp_id"`
}

// Ack statuses.
const (
	AckSuccess = "success"
	AckError   = "error"
)

// Ack answers a send_message frame. TempID identifies which send is
// being answered; Error is set when Status is "error".
type Ack struct {
	TempID string `json:"temp_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (a Ack) OK() bool { return a.Status == AckSuccess }
