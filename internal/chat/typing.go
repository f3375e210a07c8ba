package chat

import (
	"sync"
	"time"
)

// TypingEmitFunc sends a typing signal for one conversation to the gateway.
type TypingEmitFunc func(conversationID string, isTyping bool)

// TypingEmitter converts keystroke-level input changes into edge-triggered
// typing signals: one "true" at the start of a contiguous non-empty run, one
// "false" when the input empties or the message is sent. Intermediate
// keystrokes never re-emit.
type TypingEmitter struct {
	mu     sync.Mutex
	emit   TypingEmitFunc
	typing map[string]bool // conversationID -> signal already sent
}

func NewTypingEmitter(emit TypingEmitFunc) *TypingEmitter {
	return &TypingEmitter{
		emit:   emit,
		typing: make(map[string]bool),
	}
}

// InputChanged feeds the current input content for a conversation.
func (e *TypingEmitter) InputChanged(conversationID, content string) {
	e.mu.Lock()
	active := e.typing[conversationID]
	nonEmpty := content != ""
	var send *bool
	switch {
	case nonEmpty && !active:
		e.typing[conversationID] = true
		v := true
		send = &v
	case !nonEmpty && active:
		delete(e.typing, conversationID)
		v := false
		send = &v
	}
	e.mu.Unlock()

	if send != nil && e.emit != nil {
		e.emit(conversationID, *send)
	}
}

// MessageSent marks the end of composition: if a typing signal is
// outstanding, exactly one "false" is emitted.
func (e *TypingEmitter) MessageSent(conversationID string) {
	e.mu.Lock()
	active := e.typing[conversationID]
	if active {
		delete(e.typing, conversationID)
	}
	e.mu.Unlock()

	if active && e.emit != nil {
		e.emit(conversationID, false)
	}
}

// Reset drops all composition state without emitting, for teardown.
func (e *TypingEmitter) Reset() {
	e.mu.Lock()
	e.typing = make(map[string]bool)
	e.mu.Unlock()
}

// DefaultTypingTTL is how long a received typing indicator stays alive
// without a stop signal. A lost "stopped" frame must not leave the
// indicator stuck on forever.
const DefaultTypingTTL = 6 * time.Second

// TypingIndicators tracks who is composing in which conversation on the
// receiving side. Each active entry carries an expiry timer.
type TypingIndicators struct {
	mu      sync.Mutex
	ttl     time.Duration
	active  map[string]map[string]*time.Timer // conversationID -> userID -> expiry
	closed  bool
	onClear func(conversationID, userID string)
}

// NewTypingIndicators constructs the tracker. onClear, when non-nil, fires
// whenever an indicator expires without an explicit stop (used by surfaces
// to re-render). ttl <= 0 selects DefaultTypingTTL.
func NewTypingIndicators(ttl time.Duration, onClear func(conversationID, userID string)) *TypingIndicators {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingIndicators{
		ttl:     ttl,
		active:  make(map[string]map[string]*time.Timer),
		onClear: onClear,
	}
}

// Apply merges one userTyping event.
func (t *TypingIndicators) Apply(conversationID, userID string, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	users := t.active[conversationID]
	if isTyping {
		if users == nil {
			users = make(map[string]*time.Timer)
			t.active[conversationID] = users
		}
		if timer, ok := users[userID]; ok {
			timer.Reset(t.ttl)
			return
		}
		users[userID] = time.AfterFunc(t.ttl, func() {
			t.expire(conversationID, userID)
		})
		return
	}

	if timer, ok := users[userID]; ok {
		timer.Stop()
		delete(users, userID)
		if len(users) == 0 {
			delete(t.active, conversationID)
		}
	}
}

// IsTyping reports whether the given user is currently composing.
func (t *TypingIndicators) IsTyping(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[conversationID][userID]
	return ok
}

// Typists returns the users currently composing in a conversation.
func (t *TypingIndicators) Typists(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.active[conversationID]
	out := make([]string, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	return out
}

// Close stops every timer and drops all state. After Close no callback fires.
func (t *TypingIndicators) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for _, users := range t.active {
		for _, timer := range users {
			timer.Stop()
		}
	}
	t.active = make(map[string]map[string]*time.Timer)
}

func (t *TypingIndicators) expire(conversationID, userID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	users := t.active[conversationID]
	if _, ok := users[userID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.active, conversationID)
	}
	cb := t.onClear
	t.mu.Unlock()

	if cb != nil {
		cb(conversationID, userID)
	}
}
