package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go-chat-sync/internal/wire"
)

var (
	// ErrNotOpen means a send was attempted while the channel was not
	// in the Open state.
	ErrNotOpen = errors.New("channel: not open")
	// ErrSendRejected means the server acked a send with an error
	// status. The optimistic entry should be rolled back.
	ErrSendRejected = errors.New("channel: send rejected")
	// ErrConnectionLost means the channel dropped while a send was
	// still waiting for its ack.
	ErrConnectionLost = errors.New("channel: connection lost")
)

// reconnectTimeout bounds one refresh-and-redial cycle.
const reconnectTimeout = 15 * time.Second

// Session is one live push-channel connection, scoped to a single chat.
// The underlying websocket may be swapped during an auth-expiry
// reconnect; the Session, its event stream, and any state built on top
// of it survive the swap.
type Session struct {
	sup    *Supervisor
	chatID int

	events chan Event
	done   chan struct{}

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	pending map[string]chan wire.Ack
	closed  bool
}

func newSession(sup *Supervisor, chatID int) *Session {
	return &Session{
		sup:     sup,
		chatID:  chatID,
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
		state:   StateIdle,
		pending: make(map[string]chan wire.Ack),
	}
}

// ChatID returns the chat this session is scoped to.
func (s *Session) ChatID() int { return s.chatID }

// Events returns the session's event stream. The channel is closed when
// the session permanently ends.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// connect dials with the current credential and joins the chat.
func (s *Session) connect(ctx context.Context) error {
	cred, ok := s.sup.tokens.Get()
	if !ok {
		s.setState(StateClosed)
		return fmt.Errorf("channel: connect chat %d: no credential", s.chatID)
	}
	s.setState(StateConnecting)

	conn, err := s.dial(ctx, cred.AccessToken)
	if err != nil {
		s.setState(StateClosed)
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateOpen
	s.mu.Unlock()

	if err := s.join(); err != nil {
		s.teardownConn(conn)
		s.setState(StateClosed)
		return err
	}
	s.emit(Event{Type: EventConnected})
	return nil
}

func (s *Session) dial(ctx context.Context, accessToken string) (*websocket.Conn, error) {
	wsURL := s.sup.wsURL + "?token=" + url.QueryEscape(accessToken)
	conn, resp, err := s.sup.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("channel: dial chat %d: %s: %w", s.chatID, resp.Status, err)
		}
		return nil, fmt.Errorf("channel: dial chat %d: %w", s.chatID, err)
	}
	return conn, nil
}

func (s *Session) join() error {
	frame, err := wire.NewFrame(wire.EventJoinChat, wire.JoinRequest{ChatID: s.chatID})
	if err != nil {
		return err
	}
	return s.writeFrame(frame)
}

func (s *Session) writeFrame(frame wire.Frame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

// Send emits a send_message frame and waits for its acknowledgement.
// An error-status ack returns ErrSendRejected; a context deadline while
// waiting is the send timeout and the caller should roll back.
func (s *Session) Send(ctx context.Context, content, tempID string) error {
	s.mu.Lock()
	if s.state != StateOpen {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotOpen, st)
	}
	ackCh := make(chan wire.Ack, 1)
	s.pending[tempID] = ackCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, tempID)
		s.mu.Unlock()
	}()

	frame, err := wire.NewFrame(wire.EventSendMessage, wire.SendRequest{
		ChatID:  s.chatID,
		Content: content,
		TempID:  tempID,
	})
	if err != nil {
		return err
	}
	if err := s.writeFrame(frame); err != nil {
		return err
	}

	select {
	case ack, ok := <-ackCh:
		if !ok {
			return ErrConnectionLost
		}
		if !ack.OK() {
			return fmt.Errorf("%w: %s", ErrSendRejected, ack.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrConnectionLost
	}
}

// readLoop pumps frames off the connection until the session ends. It
// is the only goroutine that emits events after connect returns, and
// it closes the event stream on the way out.
func (s *Session) readLoop() {
	defer close(s.events)
	for {
		s.mu.Lock()
		conn := s.conn
		closed := s.closed
		s.mu.Unlock()
		if closed || conn == nil {
			return
		}

		var frame wire.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if s.isClosed() {
				return
			}
			if websocket.IsCloseError(err, wire.CloseAuthExpired) {
				if s.reauthenticate(err) {
					continue
				}
				return
			}
			s.setState(StateClosed)
			s.failPending()
			s.emit(Event{Type: EventDisconnected, Err: err})
			return
		}

		switch frame.Event {
		case wire.EventAck:
			var ack wire.Ack
			if err := json.Unmarshal(frame.Data, &ack); err != nil {
				log.Printf("channel: bad ack frame: %v", err)
				continue
			}
			s.deliverAck(ack)

		case wire.EventChatMessage:
			var msg wire.Message
			if err := json.Unmarshal(frame.Data, &msg); err != nil {
				log.Printf("channel: bad message frame: %v", err)
				continue
			}
			s.emit(Event{Type: EventMessage, Message: &msg})

		case wire.EventAuthExpired:
			if !s.reauthenticate(errors.New("channel: server signaled credential expiry")) {
				return
			}

		default:
			log.Printf("channel: ignoring unknown event %q", frame.Event)
		}
	}
}

// reauthenticate drives the Open -> Reconnecting -> Open cycle: refresh
// the credential, tear down the old connection, dial a new one for the
// same chat. Reports whether the session is live again. On refresh
// failure the session transitions to Closed and the logout hook fires;
// nothing built on top of the session (the message store in particular)
// is cleared either way.
func (s *Session) reauthenticate(cause error) bool {
	if s.isClosed() {
		return false
	}
	s.setState(StateReconnecting)
	s.emit(Event{Type: EventAuthExpired, Err: cause})

	s.mu.Lock()
	old := s.conn
	s.conn = nil
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	s.failPending()

	ctx, cancel := context.WithTimeout(context.Background(), reconnectTimeout)
	defer cancel()

	cred, err := s.sup.tokens.Refresh(ctx)
	if err != nil {
		s.setState(StateClosed)
		s.emit(Event{Type: EventSessionExpired, Err: err})
		s.sup.onLogout()
		return false
	}

	conn, err := s.dial(ctx, cred.AccessToken)
	if err != nil {
		s.setState(StateClosed)
		s.emit(Event{Type: EventDisconnected, Err: err})
		return false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return false
	}
	s.conn = conn
	s.state = StateOpen
	s.mu.Unlock()

	if err := s.join(); err != nil {
		s.setState(StateClosed)
		s.emit(Event{Type: EventDisconnected, Err: err})
		return false
	}
	s.emit(Event{Type: EventConnected})
	return true
}

func (s *Session) deliverAck(ack wire.Ack) {
	s.mu.Lock()
	ch, ok := s.pending[ack.TempID]
	if ok {
		delete(s.pending, ack.TempID)
	}
	s.mu.Unlock()
	if ok {
		ch <- ack
	}
}

// failPending unblocks every send still waiting for an ack.
func (s *Session) failPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]chan wire.Ack)
	s.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) teardownConn(conn *websocket.Conn) {
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

// Close tears the session down. Closing twice is a no-op.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	close(s.done)
	s.teardownConn(conn)
	s.failPending()
}
