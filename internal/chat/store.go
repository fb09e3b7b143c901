package chat

import (
	"fmt"
	"sync"

	"go-chat-sync/internal/wire"
)

// Store is the single source of truth for the visible message sequence
// of one active chat. It merges three event classes — bulk history,
// remote pushes, and the local user's optimistic sends — into one
// de-duplicated, append-ordered sequence. Entries are never reordered
// in place. Switching chats discards the Store and builds a fresh one.
type Store struct {
	selfID int

	mu      sync.Mutex
	seq     []wire.Message
	index   map[string]int // message id -> position in seq
	pending map[string]int // temp id -> position in seq
}

func NewStore(selfID int) *Store {
	return &Store{
		selfID:  selfID,
		index:   make(map[string]int),
		pending: make(map[string]int),
	}
}

// LoadHistory replaces the whole sequence with the server's history.
// Called once per chat activation, before any push events are trusted.
// Clears the pending index.
func (s *Store) LoadHistory(msgs []wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq = s.seq[:0]
	s.index = make(map[string]int, len(msgs))
	s.pending = make(map[string]int)
	for _, m := range msgs {
		if _, dup := s.index[m.ID]; dup {
			continue
		}
		s.index[m.ID] = len(s.seq)
		s.seq = append(s.seq, m)
	}
}

// ApplyOptimistic appends the local user's own send under its temp id,
// pending until the server's broadcast resolves or rolls it back.
func (s *Store) ApplyOptimistic(tempID string, msg wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.index[tempID]; dup {
		return
	}
	msg.ID = tempID
	pos := len(s.seq)
	s.seq = append(s.seq, msg)
	s.index[tempID] = pos
	s.pending[tempID] = pos
}

// ApplyIncoming reconciles one message arriving over the channel, own
// or foreign. In order: a pending entry whose temp id the server quoted
// back (or used as the id) is promoted in place; redelivered ids are
// ignored; the local user's own broadcast with matching content
// promotes a pending entry even when the server did not echo the temp
// id (best-effort heuristic); everything else appends. A malformed
// message is rejected with an error and never enters the sequence.
func (s *Store) ApplyIncoming(msg wire.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Rule 1: server confirmed one of our pending sends by quoting the
	// temp id, either in the temp_id field or as the message id itself.
	for _, key := range []string{msg.TempID, msg.ID} {
		if key == "" {
			continue
		}
		if pos, ok := s.pending[key]; ok {
			s.promote(key, pos, msg)
			return nil
		}
	}

	// Idempotent against redelivery.
	if _, dup := s.index[msg.ID]; dup {
		return nil
	}

	// Rule 2: echo heuristic for servers that do not quote the temp id
	// back — our own message, same content, still pending.
	if msg.Author.ID == s.selfID {
		if key, pos, ok := s.matchPendingEcho(msg); ok {
			s.promote(key, pos, msg)
			return nil
		}
	}

	s.index[msg.ID] = len(s.seq)
	s.seq = append(s.seq, msg)
	return nil
}

// matchPendingEcho finds the earliest pending entry with the same
// author and content. Best effort: two identical texts sent in quick
// succession can resolve out of order, which is why id-echoing servers
// are preferred and this is only the fallback.
func (s *Store) matchPendingEcho(msg wire.Message) (string, int, bool) {
	best := -1
	bestKey := ""
	for key, pos := range s.pending {
		entry := s.seq[pos]
		if entry.Content != msg.Content || entry.Author.ID != msg.Author.ID {
			continue
		}
		if best == -1 || pos < best {
			best = pos
			bestKey = key
		}
	}
	return bestKey, best, best >= 0
}

// promote replaces the pending entry at pos with the confirmed message,
// keeping its position, and clears the pending record.
func (s *Store) promote(tempKey string, pos int, msg wire.Message) {
	old := s.seq[pos]
	delete(s.index, old.ID)
	s.seq[pos] = msg
	s.index[msg.ID] = pos
	delete(s.pending, tempKey)
}

// Rollback removes a pending entry after a failed or timed-out send.
// The sequence reverts to its pre-send state. Unknown temp ids are a
// no-op (the broadcast may have resolved the entry first).
func (s *Store) Rollback(tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.pending[tempID]
	if !ok {
		return
	}
	delete(s.pending, tempID)
	delete(s.index, s.seq[pos].ID)
	s.seq = append(s.seq[:pos], s.seq[pos+1:]...)

	// Everything after the removed entry shifted left by one.
	for id, p := range s.index {
		if p > pos {
			s.index[id] = p - 1
		}
	}
	for id, p := range s.pending {
		if p > pos {
			s.pending[id] = p - 1
		}
	}
}

// Sequence returns a copy of the current ordered message list.
func (s *Store) Sequence() []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Message, len(s.seq))
	copy(out, s.seq)
	return out
}

// Len returns the number of visible messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seq)
}

// HasPending reports whether a temp id is still awaiting confirmation.
func (s *Store) HasPending(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[tempID]
	return ok
}

// PendingCount returns the number of unresolved optimistic sends.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// check verifies the pending/index invariants; used by tests.
func (s *Store) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, pos := range s.index {
		if pos < 0 || pos >= len(s.seq) || s.seq[pos].ID != id {
			return fmt.Errorf("chat: index out of sync for %q", id)
		}
	}
	for tempID, pos := range s.pending {
		if pos < 0 || pos >= len(s.seq) || s.seq[pos].ID != tempID {
			return fmt.Errorf("chat: pending entry %q not in sequence", tempID)
		}
	}
	seen := make(map[string]bool, len(s.seq))
	for _, m := range s.seq {
		if seen[m.ID] {
			return fmt.Errorf("chat: duplicate id %q in sequence", m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}
