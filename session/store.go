package session

import (
	"sync"

	"github.com/chorusmesh/chorus/chat"
)

// Store is the conversation persistence port. Implementations keep an
// append-only message log per conversation id. Append is idempotent on
// message id: re-appending a message whose id is already present is a no-op,
// so retried turns never duplicate history.
type Store interface {
	// History returns the messages of a conversation in append order.
	// An unknown conversation id yields an empty slice, not an error.
	History(convID string) ([]chat.Message, error)

	// Append adds a message to the conversation log. Messages with an id
	// already present in the log are silently skipped.
	Append(convID string, msg chat.Message) error
}

// InMemoryStore is a volatile Store implementation keeping conversation logs
// in a process local map. It is safe for concurrent access and best suited
// for tests or ephemeral demo servers. Returned histories are copies to
// prevent external mutation of internal state.
type InMemoryStore struct {
	mu    sync.RWMutex
	logs  map[string][]chat.Message
	index map[string]map[string]bool // convID -> message id set
}

// NewInMemoryStore constructs an empty in-memory conversation store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		logs:  make(map[string][]chat.Message),
		index: make(map[string]map[string]bool),
	}
}

// History returns a copy of the conversation's message log in append order.
func (s *InMemoryStore) History(convID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[convID]
	out := make([]chat.Message, len(log))
	copy(out, log)
	return out, nil
}

// Append adds a message to the conversation log, creating the log lazily.
// A message whose id was already appended is skipped.
func (s *InMemoryStore) Append(convID string, msg chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.index[convID]
	if !ok {
		ids = make(map[string]bool)
		s.index[convID] = ids
	}
	if msg.ID != "" {
		if ids[msg.ID] {
			return nil
		}
		ids[msg.ID] = true
	}
	s.logs[convID] = append(s.logs[convID], msg)
	return nil
}
