package client

import (
	"sync"

	"github.com/aberthelot/campuschat/pkg/protocol"
)

// State is the in-memory view of one conversation. Incoming messages are
// merged by id: a known id is replaced in place, which covers re-delivery
// and reconciliation of an optimistic local entry with the stored row; a
// new id is appended.
type State struct {
	mu       sync.RWMutex
	messages []protocol.MessageDTO
	index    map[int64]int
}

// NewState creates an empty conversation state.
func NewState() *State {
	return &State{index: make(map[int64]int)}
}

// Upsert merges one message into the state. It reports whether the id was
// new.
func (s *State) Upsert(msg protocol.MessageDTO) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pos, ok := s.index[msg.ID]; ok {
		s.messages[pos] = msg
		return false
	}
	s.index[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	return true
}

// ApplyStatus advances the status of a known message. Unknown ids and
// non-advancing transitions are ignored; it reports whether anything
// changed.
func (s *State) ApplyStatus(update protocol.StatusUpdateDTO) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.index[update.MessageID]
	if !ok {
		return false
	}

	msg := &s.messages[pos]
	if !msg.Status.Advances(update.Status) {
		return false
	}

	msg.Status = update.Status
	at := update.UpdatedAt
	switch update.Status {
	case protocol.StatusDelivered:
		if msg.DeliveredAt == nil {
			msg.DeliveredAt = &at
		}
	case protocol.StatusRead:
		if msg.ReadAt == nil {
			msg.ReadAt = &at
		}
	}
	return true
}

// Replace swaps the whole state for a freshly fetched history.
func (s *State) Replace(messages []protocol.MessageDTO) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = make([]protocol.MessageDTO, len(messages))
	copy(s.messages, messages)
	s.index = make(map[int64]int, len(messages))
	for i, msg := range s.messages {
		s.index[msg.ID] = i
	}
}

// Messages returns a copy of the current message list in insertion order.
func (s *State) Messages() []protocol.MessageDTO {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]protocol.MessageDTO, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages held.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
