package engine

import (
	"sync"
	"testing"
)

func TestWorkflowLocksSerializeSameID(t *testing.T) {
	l := newWorkflowLocks()
	var wg sync.WaitGroup
	inside := 0
	maxInside := 0
	var mu sync.Mutex
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lock("wf-1")
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("expected one holder at a time, saw %d", maxInside)
	}
	if len(l.locks) != 0 {
		t.Fatalf("expected lock entries to be released, got %d", len(l.locks))
	}
}

func TestWorkflowLocksIndependentIDs(t *testing.T) {
	l := newWorkflowLocks()
	unlockA := l.lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := l.lock("b")
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
}
