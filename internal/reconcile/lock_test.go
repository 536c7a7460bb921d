package reconcile

import (
	"sync"
	"testing"
	"time"
)

func TestKeyedLockSerializesOverlappingKeys(t *testing.T) {
	locks := newKeyedLock()
	unlock := locks.lock([]string{"movie|imdb://tt1", "movie|tmdb://55"})

	acquired := make(chan struct{})
	go func() {
		release := locks.lock([]string{"movie|tmdb://55"})
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatalf("overlapping key must block")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("lock was not released")
	}
}

func TestKeyedLockAllowsDisjointKeys(t *testing.T) {
	locks := newKeyedLock()
	unlock := locks.lock([]string{"movie|imdb://tt1"})
	defer unlock()

	done := make(chan struct{})
	go func() {
		release := locks.lock([]string{"movie|imdb://tt2", "movie|imdb://tt2"})
		release()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("disjoint keys must not block")
	}
}

func TestKeyedLockReleasesEntries(t *testing.T) {
	locks := newKeyedLock()
	var wg sync.WaitGroup
	for index := 0; index < 16; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.lock([]string{"b", "a"})()
		}()
	}
	wg.Wait()
	if locks.size() != 0 {
		t.Fatalf("expected no retained entries, got %d", locks.size())
	}
}
