package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat-sync/internal/channel"
	"go-chat-sync/internal/wire"
)

type fakeHistory struct {
	msgs    []wire.Message
	err     error
	fetched bool
}

func (f *fakeHistory) Messages(ctx context.Context, chatID int) ([]wire.Message, error) {
	f.fetched = true
	return f.msgs, f.err
}

type fakeChannel struct {
	events chan channel.Event

	mu      sync.Mutex
	state   channel.State
	sendErr error
	block   bool // Send waits for ctx instead of acking
	sent    []wire.SendRequest
	closed  bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		events: make(chan channel.Event, 16),
		state:  channel.StateOpen,
	}
}

func (f *fakeChannel) Events() <-chan channel.Event { return f.events }

func (f *fakeChannel) State() channel.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) Send(ctx context.Context, content, tempID string) error {
	f.mu.Lock()
	f.sent = append(f.sent, wire.SendRequest{Content: content, TempID: tempID})
	err := f.sendErr
	block := f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeChannel) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeChannel) push(msg wire.Message) {
	f.events <- channel.Event{Type: channel.EventMessage, Message: &msg}
}

func openTestSession(t *testing.T, hist *fakeHistory, ch *fakeChannel) *Session {
	t.Helper()
	s, err := Open(context.Background(), Config{
		ChatID:  1,
		Self:    self,
		History: hist,
		Connect: func(ctx context.Context, chatID int) (Channel, error) {
			return ch, nil
		},
		SendTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestOpenLoadsHistoryBeforeChannel(t *testing.T) {
	hist := &fakeHistory{msgs: []wire.Message{msg("m_1", "hi", other)}}
	historyDone := false
	ch := newFakeChannel()

	s, err := Open(context.Background(), Config{
		ChatID:  1,
		Self:    self,
		History: hist,
		Connect: func(ctx context.Context, chatID int) (Channel, error) {
			historyDone = hist.fetched
			return ch, nil
		},
	})
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, historyDone, "channel attached before history load")
	assert.Equal(t, []string{"m_1"}, ids(s.Messages()))
}

func TestOpenFailsWithoutIdentity(t *testing.T) {
	_, err := Open(context.Background(), Config{History: &fakeHistory{}})
	require.Error(t, err)
}

func TestOpenPropagatesHistoryError(t *testing.T) {
	hist := &fakeHistory{err: errors.New("boom")}
	_, err := Open(context.Background(), Config{
		ChatID:  1,
		Self:    self,
		History: hist,
		Connect: func(ctx context.Context, chatID int) (Channel, error) {
			t.Fatal("channel must not be attached when history fails")
			return nil, nil
		},
	})
	require.Error(t, err)
}

func TestSendResolvedByBroadcastNotByAck(t *testing.T) {
	ch := newFakeChannel()
	s := openTestSession(t, &fakeHistory{}, ch)

	tempID, err := s.Send(context.Background(), "yo")
	require.NoError(t, err)

	// Ack success alone leaves the entry pending; other participants
	// still need the broadcast, and so do we.
	assert.True(t, s.Store().HasPending(tempID))
	assert.Equal(t, []string{tempID}, ids(s.Messages()))

	confirmed := msg("m_9", "yo", self)
	confirmed.TempID = tempID
	ch.push(confirmed)

	assert.Eventually(t, func() bool {
		return !s.Store().HasPending(tempID)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m_9"}, ids(s.Messages()))
}

func TestSendRejectionRollsBack(t *testing.T) {
	ch := newFakeChannel()
	ch.sendErr = channel.ErrSendRejected
	s := openTestSession(t, &fakeHistory{msgs: []wire.Message{msg("m_1", "hi", other)}}, ch)

	_, err := s.Send(context.Background(), "doomed")
	require.ErrorIs(t, err, channel.ErrSendRejected)

	assert.Equal(t, []string{"m_1"}, ids(s.Messages()))
	assert.Equal(t, 0, s.Store().PendingCount())
}

func TestSendTimeoutRollsBack(t *testing.T) {
	ch := newFakeChannel()
	ch.block = true
	s := openTestSession(t, &fakeHistory{}, ch)

	_, err := s.Send(context.Background(), "never acked")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Empty(t, s.Messages())
	assert.Equal(t, 0, s.Store().PendingCount())
}

func TestSendRequiresOpenChannel(t *testing.T) {
	ch := newFakeChannel()
	ch.state = channel.StateClosed
	s := openTestSession(t, &fakeHistory{}, ch)

	_, err := s.Send(context.Background(), "hello?")
	require.ErrorIs(t, err, ErrNotReady)

	// Precondition failure is a no-op: nothing was inserted or sent.
	assert.Empty(t, s.Messages())
	assert.Empty(t, ch.sent)
}

func TestPumpDropsStaleAndMalformed(t *testing.T) {
	ch := newFakeChannel()
	s := openTestSession(t, &fakeHistory{}, ch)

	stale := msg("m_1", "old chat", other)
	stale.ChatID = 99
	ch.push(stale)
	ch.push(wire.Message{ChatID: 1, Content: "no id", Author: other})
	ch.push(msg("m_2", "real", other))

	assert.Eventually(t, func() bool {
		return s.Store().Len() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m_2"}, ids(s.Messages()))
}

func TestCloseDetachesPump(t *testing.T) {
	ch := newFakeChannel()
	s := openTestSession(t, &fakeHistory{}, ch)

	s.Close()
	s.Close() // idempotent
	assert.True(t, ch.closed)

	select {
	case ch.events <- channel.Event{Type: channel.EventMessage, Message: &wire.Message{ID: "m_1", ChatID: 1, Content: "late", Author: other}}:
	default:
	}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s.Messages())
}

func TestNonMessageEventsReachObserver(t *testing.T) {
	ch := newFakeChannel()
	seen := make(chan channel.EventType, 4)

	s, err := Open(context.Background(), Config{
		ChatID:  1,
		Self:    self,
		History: &fakeHistory{},
		Connect: func(ctx context.Context, chatID int) (Channel, error) {
			return ch, nil
		},
		OnEvent: func(ev channel.Event) { seen <- ev.Type },
	})
	require.NoError(t, err)
	defer s.Close()

	ch.events <- channel.Event{Type: channel.EventAuthExpired}

	select {
	case got := <-seen:
		assert.Equal(t, channel.EventAuthExpired, got)
	case <-time.After(time.Second):
		t.Fatal("observer never saw the event")
	}
}
