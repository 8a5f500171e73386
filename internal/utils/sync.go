package utils

import (
	"sync"
)

// OptionalMutex guards state that is sometimes shared between goroutines and sometimes owned by a
// single caller. Managers created with CreateExternallySynchronized set UseMutex to false and rely on their
// owner to serialize calls, so Lock and Unlock become no-ops.
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

// Lock acquires Mutex if UseMutex is set
func (m *OptionalMutex) Lock() {
	if !m.UseMutex {
		return
	}
	m.Mutex.Lock()
}

func (m *OptionalMutex) Unlock() {
	if !m.UseMutex {
		return
	}
	m.Mutex.Unlock()
}
