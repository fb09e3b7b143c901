package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go-chat-sync/internal/channel"
	"go-chat-sync/internal/wire"
)

// ErrNotReady means a send was attempted before the session's channel
// was open. The send is a no-op; nothing was inserted.
var ErrNotReady = errors.New("chat: session not ready to send")

// defaultSendTimeout bounds how long a send waits for its ack before
// the optimistic entry is rolled back.
const defaultSendTimeout = 10 * time.Second

// History fetches bulk message history over request/response. Satisfied
// by *api.Client.
type History interface {
	Messages(ctx context.Context, chatID int) ([]wire.Message, error)
}

// Channel is the slice of a push-channel session this package needs.
// Satisfied by *channel.Session.
type Channel interface {
	Events() <-chan channel.Event
	Send(ctx context.Context, content, tempID string) error
	State() channel.State
	Close()
}

// ConnectFunc opens the push channel for a chat, tearing down whatever
// was live before. Typically wraps channel.Supervisor.Activate.
type ConnectFunc func(ctx context.Context, chatID int) (Channel, error)

// Session owns the message state for the currently active chat: it
// loads history, keeps the reconciliation store fed from the push
// channel, and runs the optimistic send pipeline. One Session exists
// per active chat; switching chats closes the old Session and opens a
// new one with a fresh store.
type Session struct {
	chatID      int
	self        wire.Author
	store       *Store
	ch          Channel
	sendTimeout time.Duration
	onEvent     func(channel.Event)

	closeOnce sync.Once
	done      chan struct{}
}

type Config struct {
	ChatID  int
	Self    wire.Author
	History History
	Connect ConnectFunc
	// OnEvent, if set, observes non-message channel events (connects,
	// disconnects, expiry). Message events are consumed internally.
	OnEvent func(channel.Event)
	// SendTimeout overrides the default ack wait.
	SendTimeout time.Duration
}

// Open activates a chat: fetch history first, then attach the push
// channel, so history is in place before any push event is applied.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.ChatID == 0 || cfg.Self.ID == 0 {
		return nil, errors.New("chat: chat id and local user are required")
	}
	if cfg.History == nil || cfg.Connect == nil {
		return nil, errors.New("chat: history fetcher and connector are required")
	}

	store := NewStore(cfg.Self.ID)
	history, err := cfg.History.Messages(ctx, cfg.ChatID)
	if err != nil {
		return nil, fmt.Errorf("chat: load history for chat %d: %w", cfg.ChatID, err)
	}
	store.LoadHistory(history)

	ch, err := cfg.Connect(ctx, cfg.ChatID)
	if err != nil {
		return nil, err
	}

	s := &Session{
		chatID:      cfg.ChatID,
		self:        cfg.Self,
		store:       store,
		ch:          ch,
		sendTimeout: cfg.SendTimeout,
		onEvent:     cfg.OnEvent,
		done:        make(chan struct{}),
	}
	if s.sendTimeout <= 0 {
		s.sendTimeout = defaultSendTimeout
	}
	go s.pump()
	return s, nil
}

// pump feeds channel events into the store until the session closes.
// Events are applied in delivery order; malformed or stale messages are
// dropped and logged, never inserted.
func (s *Session) pump() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.ch.Events():
			if !ok {
				return
			}
			if ev.Type != channel.EventMessage {
				if s.onEvent != nil {
					s.onEvent(ev)
				}
				continue
			}
			msg := *ev.Message
			if msg.ChatID != s.chatID {
				// A frame for a chat we already switched away from.
				log.Printf("chat: dropping message %s for inactive chat %d", msg.ID, msg.ChatID)
				continue
			}
			if err := s.store.ApplyIncoming(msg); err != nil {
				log.Printf("chat: dropping malformed message: %v", err)
			}
		}
	}
}

// Send runs the optimistic send pipeline: insert a pending entry under
// a fresh temp id, emit the send over the channel, and wait for the
// ack. A success ack leaves the entry pending — the server's broadcast
// resolves it, the same way every other participant sees it. A
// rejected or timed-out ack rolls the entry back. Returns the temp id
// of the optimistic entry.
func (s *Session) Send(ctx context.Context, content string) (string, error) {
	if content == "" {
		return "", errors.New("chat: empty message")
	}
	if s.ch.State() != channel.StateOpen {
		return "", fmt.Errorf("%w: channel %s", ErrNotReady, s.ch.State())
	}

	now := time.Now()
	tempID := fmt.Sprintf("%s%d", wire.TempIDPrefix, now.UnixNano())
	s.store.ApplyOptimistic(tempID, wire.Message{
		ChatID:    s.chatID,
		Content:   content,
		Author:    s.self,
		CreatedAt: now,
	})

	ackCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	if err := s.ch.Send(ackCtx, content, tempID); err != nil {
		s.store.Rollback(tempID)
		return "", fmt.Errorf("chat: send failed: %w", err)
	}
	return tempID, nil
}

// Messages returns the current visible sequence for rendering.
func (s *Session) Messages() []wire.Message {
	return s.store.Sequence()
}

// ChatID returns the active chat.
func (s *Session) ChatID() int { return s.chatID }

// Store exposes the reconciliation store.
func (s *Session) Store() *Store { return s.store }

// Close detaches the session from the channel. Events still in flight
// for this chat are ignored from here on. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.ch.Close()
	})
}
