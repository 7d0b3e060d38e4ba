package service

import "sync"

// instanceLocks serializes invocations per instance ID: at most one
// in-flight engine execution per instance at a time.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{
		locks: map[string]*lockEntry{},
	}
}

func (il *instanceLocks) lock(instanceID string) func() {
	il.mu.Lock()
	e, ok := il.locks[instanceID]
	if !ok {
		e = &lockEntry{}
		il.locks[instanceID] = e
	}
	e.refs++
	il.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		il.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(il.locks, instanceID)
		}
		il.mu.Unlock()
	}
}
