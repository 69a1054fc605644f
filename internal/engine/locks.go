package engine

import "sync"

// workflowLocks serializes mutations of a single workflow. Entries are
// reference counted and dropped once no caller holds or waits on them.
type workflowLocks struct {
	mu    sync.Mutex
	locks map[string]*workflowLock
}

type workflowLock struct {
	sync.Mutex
	refs int
}

func newWorkflowLocks() *workflowLocks {
	return &workflowLocks{locks: map[string]*workflowLock{}}
}

// lock blocks until id is free and returns the matching unlock.
func (l *workflowLocks) lock(id string) func() {
	l.mu.Lock()
	wl, ok := l.locks[id]
	if !ok {
		wl = &workflowLock{}
		l.locks[id] = wl
	}
	wl.refs++
	l.mu.Unlock()

	wl.Lock()
	return func() {
		wl.Unlock()
		l.mu.Lock()
		wl.refs--
		if wl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// Engine values built without New share this set.
var defaultWorkflowLocks = newWorkflowLocks()

func (e Engine) lockWorkflow(id string) func() {
	if e.locks == nil {
		return defaultWorkflowLocks.lock(id)
	}
	return e.locks.lock(id)
}
