package channel

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go-chat-sync/internal/token"
)

// Supervisor owns at most one live push-channel session at a time.
// Activating a chat always tears down the previous session first, so
// two live sessions for different chats can never coexist.
type Supervisor struct {
	wsURL    string
	tokens   *token.Store
	dialer   *websocket.Dialer
	onLogout func()

	mu   sync.Mutex
	sess *Session
}

type SupervisorConfig struct {
	// WSURL is the websocket endpoint, e.g. "ws://localhost:8080/ws".
	WSURL  string
	Tokens *token.Store
	Dialer *websocket.Dialer
	// OnLogout runs when a mid-session refresh is rejected.
	OnLogout func()
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	onLogout := cfg.OnLogout
	if onLogout == nil {
		onLogout = func() {}
	}
	return &Supervisor{
		wsURL:    cfg.WSURL,
		tokens:   cfg.Tokens,
		dialer:   dialer,
		onLogout: onLogout,
	}
}

// Activate opens a session for chatID, closing whatever session was
// live before. The returned session is Open and joined.
func (s *Supervisor) Activate(ctx context.Context, chatID int) (*Session, error) {
	s.mu.Lock()
	old := s.sess
	s.sess = nil
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	sess := newSession(s, chatID)
	if err := sess.connect(ctx); err != nil {
		return nil, err
	}
	go sess.readLoop()

	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()
	return sess, nil
}

// Deactivate closes the current session, if any. Idempotent.
func (s *Supervisor) Deactivate() {
	s.mu.Lock()
	old := s.sess
	s.sess = nil
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// Session returns the current session, or nil.
func (s *Supervisor) Session() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}
