package app

import "sync"

type urlLock struct {
	mu   sync.Mutex
	refs int
}

// urlLocks serializes work per router url. Entries live only while held or awaited.
type urlLocks struct {
	mu    sync.Mutex
	locks map[string]*urlLock
}

func newURLLocks() *urlLocks {
	return &urlLocks{locks: make(map[string]*urlLock)}
}

// Lock blocks until url is free and returns the matching unlock.
func (l *urlLocks) Lock(url string) func() {
	l.mu.Lock()
	lk, ok := l.locks[url]
	if !ok {
		lk = &urlLock{}
		l.locks[url] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, url)
		}
		l.mu.Unlock()
	}
}

func (l *urlLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
