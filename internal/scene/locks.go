package scene

import "sync"

// Locks serializes structural changes per content item. Different content
// items never contend.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*contentLock
}

type contentLock struct {
	mu   sync.Mutex
	refs int
}

func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*contentLock)}
}

// Lock acquires the lock for contentID and returns its release func.
func (l *Locks) Lock(contentID string) func() {
	l.mu.Lock()
	cl, ok := l.locks[contentID]
	if !ok {
		cl = &contentLock{}
		l.locks[contentID] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()

	return func() {
		cl.mu.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.locks, contentID)
		}
		l.mu.Unlock()
	}
}

// Held returns the number of content items with an outstanding lock or waiter.
func (l *Locks) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
