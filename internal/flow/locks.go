package flow

import "sync"

// conversationLocks serializes inbound processing per conversation within
// this process. Cross-process races are handled by the store's versioned
// session updates; this lock just prevents the common in-process interleaving
// from ever reaching the conflict path.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for the given conversation, creating it on first
// use, and returns the unlock function.
func (l *conversationLocks) Lock(conversationID string) func() {
	l.mu.Lock()
	m, ok := l.locks[conversationID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[conversationID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
