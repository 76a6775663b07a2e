package transport

import "sync"

// A CriticalSection guards state shared between the event processor
// and tasks. Holders must not block.
type CriticalSection struct {
	mu sync.Mutex
}

func (cs *CriticalSection) Lock() {
	cs.mu.Lock()
}

func (cs *CriticalSection) Unlock() {
	cs.mu.Unlock()
}

// Enter the section and return the function leaving it, e.g.
//
//	defer cs.Enter()()
func (cs *CriticalSection) Enter() func() {
	cs.mu.Lock()
	return cs.mu.Unlock
}
