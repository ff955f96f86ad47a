package utils

import (
	"sync"
)

// OptionalMutex is a sync.Mutex that only engages when UseMutex is set. The
// arena is driven from a single render thread per frame, so locking is opt-in.
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}
