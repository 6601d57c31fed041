package agent

import "sync"

// sessionIdAllocator hands out dense ids in [0,max). An id is only handed
// out again after Release, and the cursor keeps moving forward so a freshly
// released id is not the next one reused.
type sessionIdAllocator struct {
	mu   sync.Mutex
	used map[uint32]struct{}
	next uint32
	max  uint32
}

func newSessionIdAllocator(max uint32) *sessionIdAllocator {
	return &sessionIdAllocator{
		used: make(map[uint32]struct{}),
		max:  max,
	}
}

func (a *sessionIdAllocator) Acquire() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint32(len(a.used)) >= a.max {
		return 0, ErrSessionsExhausted
	}
	for {
		id := a.next
		a.next++
		if a.next >= a.max {
			a.next = 0
		}
		if _, taken := a.used[id]; !taken {
			a.used[id] = struct{}{}
			return id, nil
		}
	}
}

func (a *sessionIdAllocator) Release(id uint32) {
	a.mu.Lock()
	delete(a.used, id)
	a.mu.Unlock()
}

func (a *sessionIdAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}
