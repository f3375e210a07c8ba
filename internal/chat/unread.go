package chat

import "sync"

// UnreadCounter tracks how many support-originated messages arrived while
// the owning surface (the floating widget) was collapsed.
//
// State machine: closed(n>=0) --Open--> open(n=0); open --Close--> closed;
// a support message arriving while closed increments without changing state.
// The count is transient UI state: it is not persisted and not synchronized
// across surfaces.
type UnreadCounter struct {
	mu    sync.Mutex
	open  bool
	count int
}

func NewUnreadCounter() *UnreadCounter {
	return &UnreadCounter{}
}

// Observe feeds one arriving message. Only support-side messages count, and
// only while the surface is closed.
func (u *UnreadCounter) Observe(m Message) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.open && m.IsSenderSupport {
		u.count++
	}
}

// Open marks the surface visible and resets the counter. Opening an already
// open surface keeps it at zero.
func (u *UnreadCounter) Open() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.open = true
	u.count = 0
}

// Reset clears the badge without changing the surface state, as when the
// user explicitly marks a conversation read while the widget stays collapsed.
func (u *UnreadCounter) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.count = 0
}

// Close collapses the surface; subsequent support messages count again.
func (u *UnreadCounter) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.open = false
}

// Count returns the current badge value.
func (u *UnreadCounter) Count() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.count
}

// IsOpen reports the surface state.
func (u *UnreadCounter) IsOpen() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.open
}
