package dispatch

import (
	"sync"

	"hookdeploy/internal/deployment"
)

// projectQueue parks deployments of a project that is already deploying.
// The worker holding a project's lock runs the parked deployments in arrival
// order before releasing it, so one project never occupies more than one
// worker.
type projectQueue struct {
	mu      sync.Mutex
	locks   *deployment.LockManager
	pending map[string][]*task
}

func newProjectQueue() *projectQueue {
	return &projectQueue{
		locks:   deployment.NewLockManager(),
		pending: make(map[string][]*task),
	}
}

// enter takes the lock of key, or parks t and returns false with the number
// of deployments parked ahead of it.
func (q *projectQueue) enter(key string, t *task) (bool, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.locks.TryLock(key) {
		return true, 0
	}
	ahead := len(q.pending[key])
	q.pending[key] = append(q.pending[key], t)
	return false, ahead
}

// next hands over the oldest parked task of key. When none is left the lock
// is released and next returns nil.
func (q *projectQueue) next(key string) *task {
	q.mu.Lock()
	defer q.mu.Unlock()

	parked := q.pending[key]
	if len(parked) == 0 {
		delete(q.pending, key)
		q.locks.Unlock(key)
		return nil
	}
	t := parked[0]
	parked[0] = nil
	q.pending[key] = parked[1:]
	return t
}
