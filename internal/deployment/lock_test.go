package deployment

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockManager_BasicLocking(t *testing.T) {
	lm := NewLockManager()

	if !lm.TryLock("storefront") {
		t.Fatal("First TryLock should succeed")
	}

	if lm.TryLock("storefront") {
		t.Error("Second TryLock on same project should fail")
	}

	lm.Unlock("storefront")

	if !lm.TryLock("storefront") {
		t.Error("TryLock should succeed after unlock")
	}

	lm.Unlock("storefront")
}

func TestLockManager_MultipleProjects(t *testing.T) {
	lm := NewLockManager()

	for _, key := range []string{"alpha", "beta", "gamma"} {
		if !lm.TryLock(key) {
			t.Errorf("%s lock should succeed", key)
		}
	}

	if lm.TryLock("alpha") {
		t.Error("Second lock on alpha should fail")
	}

	for _, key := range []string{"alpha", "beta", "gamma"} {
		lm.Unlock(key)
	}
}

func TestLockManager_UnlockNonExistent(t *testing.T) {
	lm := NewLockManager()

	// Unlocking a lock nobody holds should not panic or block.
	lm.Unlock("nonexistent")

	if !lm.TryLock("nonexistent") {
		t.Error("Should be able to lock after unlocking non-existent")
	}
	lm.Unlock("nonexistent")
}

func TestLockManager_SingleHolder(t *testing.T) {
	lm := NewLockManager()

	var active, maxActive, acquired int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !lm.TryLock("storefront") {
				return
			}
			atomic.AddInt32(&acquired, 1)
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			lm.Unlock("storefront")
		}()
	}
	wg.Wait()

	if acquired == 0 {
		t.Fatal("Expected at least one TryLock to succeed")
	}
	if maxActive != 1 {
		t.Errorf("Expected at most one holder at a time, saw %d", maxActive)
	}
}

func TestLockManager_ConcurrentDifferentProjects(t *testing.T) {
	lm := NewLockManager()

	const projectCount = 26
	const attemptsPerProject = 10

	var wg sync.WaitGroup
	successCounts := make([]int32, projectCount)

	for i := 0; i < projectCount; i++ {
		key := string(rune('a' + i))

		for j := 0; j < attemptsPerProject; j++ {
			wg.Add(1)
			go func(index int, key string) {
				defer wg.Done()

				if lm.TryLock(key) {
					atomic.AddInt32(&successCounts[index], 1)
					time.Sleep(time.Millisecond)
					lm.Unlock(key)
				}
			}(i, key)
		}
	}

	wg.Wait()

	for i, count := range successCounts {
		if count == 0 {
			t.Errorf("Project %c had no successful locks", rune('a'+i))
		}
	}
}
