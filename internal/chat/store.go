package chat

import (
	"sort"
	"sync"
	"time"
)

// HistoryMode controls what a store retains when a history frame arrives.
type HistoryMode int

const (
	// HistoryFull keeps the entire server-provided sequence. Conversation
	// surfaces that render the whole thread use this.
	HistoryFull HistoryMode = iota
	// HistoryPreview keeps only the final element of the sequence. Surfaces
	// that only show a "last message" preview use this narrowing policy.
	HistoryPreview
)

// StoreOption customizes Store construction.
type StoreOption func(*Store)

// WithHistoryMode overrides the default HistoryFull retention policy.
func WithHistoryMode(mode HistoryMode) StoreOption {
	return func(s *Store) { s.mode = mode }
}

// Store merges gateway events into ordered per-conversation message lists
// and keeps the conversation list sorted by recency. All mutation happens
// under one lock; accessors return copies so callers never observe partial
// updates.
type Store struct {
	mu     sync.RWMutex
	selfID string
	mode   HistoryMode

	order    []string                 // conversation ids, most-recent-first
	convs    map[string]*Conversation // keyed by conversation id
	messages map[string][]Message     // keyed by conversation id
	seen     map[string]struct{}      // server-assigned message ids
	pending  map[string]int           // clientID -> index into its conversation's list
	echoed   map[string]struct{}      // client ids already applied from the wire
}

// NewStore constructs a store for the given local user. The user id guards
// read-receipt handling against the client's own echo.
func NewStore(selfUserID string, opts ...StoreOption) *Store {
	s := &Store{
		selfID:   selfUserID,
		mode:     HistoryFull,
		convs:    make(map[string]*Conversation),
		messages: make(map[string][]Message),
		seen:     make(map[string]struct{}),
		pending:  make(map[string]int),
		echoed:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SeedConversations loads the externally fetched conversation list. Existing
// preview state for already known conversations is preserved.
func (s *Store) SeedConversations(convs []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range convs {
		if c.ID == "" {
			continue
		}
		if existing, ok := s.convs[c.ID]; ok {
			existing.Name = c.Name
			existing.Initials = c.Initials
			continue
		}
		cc := c
		s.convs[c.ID] = &cc
		s.order = append(s.order, c.ID)
	}
	s.resortLocked()
}

// ApplyHistory seeds or replaces the message list for one conversation with
// the server-provided ordered sequence. Re-applying history for an already
// seeded conversation replaces the list, which is what makes a re-emitted
// join safe: the caller never ends up with duplicated backfill.
func (s *Store) ApplyHistory(conversationID string, msgs []Message) {
	if conversationID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Drop the previous seed from the dedupe set before replacing.
	for _, m := range s.messages[conversationID] {
		if m.ID != "" {
			delete(s.seen, m.ID)
		}
		if m.ClientID != "" {
			delete(s.pending, m.ClientID)
			delete(s.echoed, m.ClientID)
		}
	}

	kept := msgs
	if s.mode == HistoryPreview && len(msgs) > 1 {
		kept = msgs[len(msgs)-1:]
	}

	list := make([]Message, len(kept))
	copy(list, kept)
	s.messages[conversationID] = list
	for _, m := range list {
		if m.ID != "" {
			s.seen[m.ID] = struct{}{}
		}
	}

	if len(list) > 0 {
		last := list[len(list)-1]
		s.touchLocked(conversationID, last)
	}
}

// AppendLocal applies an optimistic local send: the message is visible
// immediately, before the server acknowledges it. The clientId is remembered
// so that the authoritative echo reconciles in place instead of appending a
// visible duplicate. When the echo has already been applied, which happens
// when the read goroutine delivers it before the sender reaches AppendLocal,
// the optimistic copy is dropped because the stored message is already the
// authoritative one.
func (s *Store) AppendLocal(m Message) {
	if m.ConversationID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ClientID != "" {
		if _, ok := s.echoed[m.ClientID]; ok {
			return
		}
	}

	list := append(s.messages[m.ConversationID], m)
	s.messages[m.ConversationID] = list
	if m.ClientID != "" {
		s.pending[m.ClientID] = len(list) - 1
	}
	s.touchLocked(m.ConversationID, m)
}

// ApplyMessage merges one realtime message into its conversation. It returns
// true when the message changed state: false means the event was a duplicate
// of a message already present (same server id, or the echo of an optimistic
// local send, which is reconciled in place). Client ids are recorded even
// when the echo arrives first, so a trailing AppendLocal cannot reintroduce
// the optimistic copy.
func (s *Store) ApplyMessage(m Message) bool {
	if m.ConversationID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID != "" {
		if _, dup := s.seen[m.ID]; dup {
			return false
		}
		s.seen[m.ID] = struct{}{}
	}

	if m.ClientID != "" {
		s.echoed[m.ClientID] = struct{}{}
		if idx, ok := s.pending[m.ClientID]; ok {
			delete(s.pending, m.ClientID)
			list := s.messages[m.ConversationID]
			if idx >= len(list) || list[idx].ClientID != m.ClientID {
				// The list shifted under the optimistic entry; find it.
				idx = -1
				for i := range list {
					if list[i].ClientID == m.ClientID {
						idx = i
						break
					}
				}
			}
			if idx >= 0 {
				list[idx] = m
				s.touchLocked(m.ConversationID, m)
				return false
			}
		}
	}

	list := append(s.messages[m.ConversationID], m)
	s.messages[m.ConversationID] = list
	if s.mode == HistoryPreview && len(list) > 1 {
		s.messages[m.ConversationID] = list[len(list)-1:]
	}
	s.touchLocked(m.ConversationID, m)
	return true
}

// ApplyRead marks the conversation's last message as read. The guard against
// the local user's id keeps the client from reacting to the echo of its own
// read receipt.
func (s *Store) ApplyRead(conversationID, userID string) {
	if userID == s.selfID {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return
	}
	conv.LastMessageRead = true

	list := s.messages[conversationID]
	if len(list) > 0 {
		now := time.Now()
		last := &list[len(list)-1]
		last.Read = true
		if last.ReadAt == nil {
			last.ReadAt = &now
		}
	}
}

// Messages returns a copy of the ordered list for one conversation.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.messages[conversationID]
	out := make([]Message, len(list))
	copy(out, list)
	return out
}

// Conversations returns the conversation list, most recent first.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.convs[id])
	}
	return out
}

// Conversation returns one conversation's preview state.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return *conv, true
}

// touchLocked updates the conversation preview for an arriving message and
// re-sorts the conversation list by recency. Unknown conversations are
// registered on first contact (the widget surface joins by user id and never
// fetches a list up front).
func (s *Store) touchLocked(conversationID string, m Message) {
	conv, ok := s.convs[conversationID]
	if !ok {
		conv = &Conversation{ID: conversationID}
		s.convs[conversationID] = conv
		s.order = append(s.order, conversationID)
	}

	preview := m.Content
	if m.IsImage {
		preview = "[image]"
	}
	conv.LastMessage = preview
	at := m.SentAt
	conv.LastMessageAt = &at
	conv.LastMessageRead = m.Read
	s.resortLocked()
}

func (s *Store) resortLocked() {
	sort.SliceStable(s.order, func(i, j int) bool {
		a, b := s.convs[s.order[i]].LastMessageAt, s.convs[s.order[j]].LastMessageAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
}
