package chat

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat-sync/internal/wire"
)

const selfID = 7

var (
	self  = wire.Author{ID: selfID, Username: "alice"}
	other = wire.Author{ID: 9, Username: "bob"}
)

func msg(id, content string, author wire.Author) wire.Message {
	return wire.Message{
		ID:        id,
		ChatID:    1,
		Content:   content,
		Author:    author,
		CreatedAt: time.Now(),
	}
}

func ids(msgs []wire.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestLoadHistoryReplacesEverything(t *testing.T) {
	s := NewStore(selfID)
	s.ApplyOptimistic("temp_1", msg("", "draft", self))
	require.Equal(t, 1, s.PendingCount())

	s.LoadHistory([]wire.Message{
		msg("m_1", "hi", other),
		msg("m_2", "hey", self),
	})

	assert.Equal(t, []string{"m_1", "m_2"}, ids(s.Sequence()))
	assert.Equal(t, 0, s.PendingCount())
	require.NoError(t, s.check())
}

func TestApplyIncomingIsIdempotent(t *testing.T) {
	s := NewStore(selfID)
	s.LoadHistory([]wire.Message{msg("m_1", "hi", other)})

	// Redelivery of an existing id and of a fresh one.
	require.NoError(t, s.ApplyIncoming(msg("m_1", "hi", other)))
	require.NoError(t, s.ApplyIncoming(msg("m_2", "yo", other)))
	require.NoError(t, s.ApplyIncoming(msg("m_2", "yo", other)))

	assert.Equal(t, []string{"m_1", "m_2"}, ids(s.Sequence()))
	require.NoError(t, s.check())
}

func TestIncomingNeverReordersHistory(t *testing.T) {
	s := NewStore(selfID)
	history := []wire.Message{
		msg("m_1", "a", other),
		msg("m_2", "b", self),
		msg("m_3", "c", other),
	}
	s.LoadHistory(history)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.ApplyIncoming(msg(fmt.Sprintf("m_%d", 10+i), "x", other)))
	}

	got := ids(s.Sequence())
	assert.Equal(t, []string{"m_1", "m_2", "m_3"}, got[:3])
	require.NoError(t, s.check())
}

func TestTempIDPromotionByID(t *testing.T) {
	s := NewStore(selfID)
	s.LoadHistory([]wire.Message{msg("m_1", "hi", other)})

	s.ApplyOptimistic("temp_1", msg("", "yo", self))
	require.True(t, s.HasPending("temp_1"))

	// Server uses the temp id as the message id.
	require.NoError(t, s.ApplyIncoming(msg("temp_1", "yo", self)))

	seq := s.Sequence()
	assert.Equal(t, []string{"m_1", "temp_1"}, ids(seq))
	assert.False(t, s.HasPending("temp_1"))
	require.NoError(t, s.check())
}

func TestTempIDPromotionByQuotedTempID(t *testing.T) {
	s := NewStore(selfID)
	s.LoadHistory([]wire.Message{msg("m_1", "hi", other)})

	s.ApplyOptimistic("temp_1", msg("", "yo", self))

	confirmed := msg("m_2", "yo", self)
	confirmed.TempID = "temp_1"
	require.NoError(t, s.ApplyIncoming(confirmed))

	// The confirmed message holds the position the optimistic entry had.
	assert.Equal(t, []string{"m_1", "m_2"}, ids(s.Sequence()))
	assert.False(t, s.HasPending("temp_1"))

	// Redelivery of the same broadcast changes nothing.
	require.NoError(t, s.ApplyIncoming(confirmed))
	assert.Equal(t, []string{"m_1", "m_2"}, ids(s.Sequence()))
	require.NoError(t, s.check())
}

// The server does not echo the temp id at all; reconciliation falls
// back to matching content+author against pending entries. Best effort
// only — see the heuristic's doc comment.
func TestEchoHeuristicResolvesOwnBroadcast(t *testing.T) {
	s := NewStore(selfID)
	s.LoadHistory([]wire.Message{msg("m_1", "hi", other)})

	s.ApplyOptimistic("temp_1", msg("", "yo", self))
	require.NoError(t, s.ApplyIncoming(msg("m_2", "yo", self)))

	assert.Equal(t, []string{"m_1", "m_2"}, ids(s.Sequence()))
	assert.False(t, s.HasPending("temp_1"))
	assert.Equal(t, 0, s.PendingCount())
	require.NoError(t, s.check())
}

func TestEchoHeuristicIgnoresOtherAuthors(t *testing.T) {
	s := NewStore(selfID)
	s.ApplyOptimistic("temp_1", msg("", "yo", self))

	// Same content, different author: a real message, append it.
	require.NoError(t, s.ApplyIncoming(msg("m_2", "yo", other)))

	assert.Equal(t, []string{"temp_1", "m_2"}, ids(s.Sequence()))
	assert.True(t, s.HasPending("temp_1"))
	require.NoError(t, s.check())
}

func TestEchoHeuristicResolvesEarliestPendingFirst(t *testing.T) {
	s := NewStore(selfID)
	s.ApplyOptimistic("temp_1", msg("", "same", self))
	s.ApplyOptimistic("temp_2", msg("", "same", self))

	require.NoError(t, s.ApplyIncoming(msg("m_1", "same", self)))
	assert.False(t, s.HasPending("temp_1"))
	assert.True(t, s.HasPending("temp_2"))

	require.NoError(t, s.ApplyIncoming(msg("m_2", "same", self)))
	assert.False(t, s.HasPending("temp_2"))
	assert.Equal(t, []string{"m_1", "m_2"}, ids(s.Sequence()))
	require.NoError(t, s.check())
}

func TestRollbackRevertsToPreSendState(t *testing.T) {
	s := NewStore(selfID)
	s.LoadHistory([]wire.Message{msg("m_1", "hi", other)})
	before := ids(s.Sequence())

	s.ApplyOptimistic("temp_1", msg("", "doomed", self))
	s.Rollback("temp_1")

	assert.Equal(t, before, ids(s.Sequence()))
	assert.False(t, s.HasPending("temp_1"))
	require.NoError(t, s.check())
}

func TestRollbackKeepsLaterPositionsConsistent(t *testing.T) {
	s := NewStore(selfID)
	s.ApplyOptimistic("temp_1", msg("", "first", self))
	s.ApplyOptimistic("temp_2", msg("", "second", self))
	require.NoError(t, s.ApplyIncoming(msg("m_1", "from bob", other)))

	s.Rollback("temp_1")

	assert.Equal(t, []string{"temp_2", "m_1"}, ids(s.Sequence()))
	assert.True(t, s.HasPending("temp_2"))
	require.NoError(t, s.check())

	// The shifted pending entry still promotes correctly.
	confirmed := msg("m_2", "second", self)
	confirmed.TempID = "temp_2"
	require.NoError(t, s.ApplyIncoming(confirmed))
	assert.Equal(t, []string{"m_2", "m_1"}, ids(s.Sequence()))
	require.NoError(t, s.check())
}

func TestRollbackAfterResolutionIsNoop(t *testing.T) {
	s := NewStore(selfID)
	s.ApplyOptimistic("temp_1", msg("", "yo", self))
	require.NoError(t, s.ApplyIncoming(msg("temp_1", "yo", self)))

	// The broadcast won; a late timeout rollback must not remove it.
	s.Rollback("temp_1")
	assert.Equal(t, []string{"temp_1"}, ids(s.Sequence()))
	require.NoError(t, s.check())
}

func TestMalformedMessagesNeverEnterTheSequence(t *testing.T) {
	s := NewStore(selfID)
	s.LoadHistory([]wire.Message{msg("m_1", "hi", other)})

	assert.Error(t, s.ApplyIncoming(wire.Message{Content: "no id", Author: other}))
	assert.Error(t, s.ApplyIncoming(wire.Message{ID: "m_2", Content: "no author"}))
	assert.Error(t, s.ApplyIncoming(wire.Message{ID: "m_3", Author: other}))

	assert.Equal(t, []string{"m_1"}, ids(s.Sequence()))
	require.NoError(t, s.check())
}
