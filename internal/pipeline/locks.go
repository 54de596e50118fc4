package pipeline

import "sync"

// conversationLocks serializes message processing per conversation without
// serializing unrelated conversations. Entries are reference-counted and
// removed once the last holder releases, so the map does not grow with the
// number of conversations ever seen.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{locks: make(map[string]*lockEntry)}
}

// lock blocks until the conversation's critical section is free and returns
// the release function.
func (l *conversationLocks) lock(conversationID string) func() {
	l.mu.Lock()
	entry, exists := l.locks[conversationID]
	if !exists {
		entry = &lockEntry{}
		l.locks[conversationID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, conversationID)
		}
		l.mu.Unlock()
	}
}
