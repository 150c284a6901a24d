package reconcile

import (
	"sync"
	"testing"
)

func TestKeyLockSerializesSameKey(t *testing.T) {
	locks := newKeyLock()
	const workers = 50

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("emp-1|2025-03-14")
			defer unlock()
			// Unsynchronized increment; only the key lock protects it.
			counter++
		}()
	}
	wg.Wait()

	if counter != workers {
		t.Errorf("expected %d, got %d", workers, counter)
	}
}

func TestKeyLockIndependentKeys(t *testing.T) {
	locks := newKeyLock()

	unlockA := locks.Lock("key-a")
	// A different key must not block.
	unlockB := locks.Lock("key-b")
	unlockB()
	unlockA()
}

func TestKeyLockEvictsIdleEntries(t *testing.T) {
	locks := newKeyLock()

	unlock := locks.Lock("key-a")
	unlock()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	if len(locks.entries) != 0 {
		t.Errorf("idle entries must be evicted, found %d", len(locks.entries))
	}
}
