package deployment

import "sync"

// LockManager manages per-project deployment locks.
//
// The outer mutex protects the map; each project gets a one-slot channel that
// acts as its lock. Different projects deploy concurrently while a single
// project runs one deployment at a time.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLockManager creates a new lock manager
func NewLockManager() *LockManager {
	return &LockManager{
		locks: make(map[string]chan struct{}),
	}
}

func (lm *LockManager) slot(projectKey string) chan struct{} {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lock, exists := lm.locks[projectKey]
	if !exists {
		lock = make(chan struct{}, 1)
		lm.locks[projectKey] = lock
	}
	return lock
}

// TryLock acquires the project's lock without waiting.
// Returns false if another deployment holds it.
func (lm *LockManager) TryLock(projectKey string) bool {
	select {
	case lm.slot(projectKey) <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases the project's lock. Unlocking a free lock is a no-op.
func (lm *LockManager) Unlock(projectKey string) {
	select {
	case <-lm.slot(projectKey):
	default:
	}
}
