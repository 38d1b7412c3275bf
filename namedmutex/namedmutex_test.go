package namedmutex

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireIsExclusivePerKey(t *testing.T) {
	r := New()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Acquire("actor:https://remote.example/users/bob")
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			r.Release("actor:https://remote.example/users/bob")
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("Expected at most 1 holder at a time, got %d", maxInside)
	}
	if r.Len() != 0 {
		t.Errorf("Expected registry to be empty after all releases, got %d entries", r.Len())
	}
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	r := New()
	r.Acquire("a")
	defer r.Release("a")

	done := make(chan struct{})
	go func() {
		r.Acquire("b")
		r.Release("b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Acquire on a different key blocked")
	}
}

func TestReleaseWithoutAcquirePanics(t *testing.T) {
	r := New()
	defer func() {
		if recover() == nil {
			t.Error("Expected panic on release of unheld key")
		}
	}()
	r.Release("nobody")
}

func TestDoubleReleasePanics(t *testing.T) {
	r := New()
	r.Acquire("k")
	r.Release("k")
	defer func() {
		if recover() == nil {
			t.Error("Expected panic on second release")
		}
	}()
	r.Release("k")
}

func TestAcquireContextCancelled(t *testing.T) {
	r := New()
	r.Acquire("busy")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.AcquireContext(ctx, "busy")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Expected only the holder's entry to remain, got %d", r.Len())
	}

	r.Release("busy")
	if r.Len() != 0 {
		t.Errorf("Expected empty registry, got %d", r.Len())
	}
}

func TestWithLockReturnsFnError(t *testing.T) {
	r := New()
	want := errors.New("boom")
	err := r.WithLock(context.Background(), "k", func() error {
		if r.Len() != 1 {
			t.Errorf("Expected key to be held inside WithLock")
		}
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("Expected fn error, got %v", err)
	}
	if r.Len() != 0 {
		t.Error("Expected key released after WithLock")
	}
}
