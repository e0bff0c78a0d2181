package service

import "sync"

// lanes is a keyed mutex. Work holding the same key runs one at a time;
// different keys run in parallel. Idle keys are dropped.
type lanes struct {
	mu    sync.Mutex
	byKey map[string]*lane
}

type lane struct {
	mu   sync.Mutex
	refs int
}

func newLanes() *lanes {
	return &lanes{byKey: make(map[string]*lane)}
}

// acquire blocks until key is free and returns its release func.
func (l *lanes) acquire(key string) func() {
	l.mu.Lock()
	ln, ok := l.byKey[key]
	if !ok {
		ln = &lane{}
		l.byKey[key] = ln
	}
	ln.refs++
	l.mu.Unlock()

	ln.mu.Lock()
	return func() {
		ln.mu.Unlock()

		l.mu.Lock()
		ln.refs--
		if ln.refs == 0 {
			delete(l.byKey, key)
		}
		l.mu.Unlock()
	}
}

func (l *lanes) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}
