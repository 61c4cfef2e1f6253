package storage

import "sync"

// dateLocks serializes aggregate read-modify-write per date. Entries are
// dropped once no writer holds or waits on them.
type dateLocks struct {
	mu sync.Mutex
	m  map[string]*dateLock
}

type dateLock struct {
	mu   sync.Mutex
	refs int
}

func newDateLocks() *dateLocks {
	return &dateLocks{m: make(map[string]*dateLock)}
}

func (l *dateLocks) Lock(date string) (unlock func()) {
	l.mu.Lock()
	e, ok := l.m[date]
	if !ok {
		e = &dateLock{}
		l.m[date] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, date)
		}
		l.mu.Unlock()
	}
}

func (l *dateLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
