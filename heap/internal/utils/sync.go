package utils

import (
	"sync"
)

// OptionalMutex is a sync.Mutex that can be switched off for allocators whose consumer
// guarantees single-threaded access
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
