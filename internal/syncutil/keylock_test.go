package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyLock_MutualExclusion(t *testing.T) {
	l := NewKeyLock()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "idem-key")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&counter); got != n {
		t.Fatalf("expected %d, got %d", n, got)
	}
}

func TestKeyLock_ContextDeadline(t *testing.T) {
	l := NewKeyLock()
	unlock, err := l.Lock(context.Background(), "esc_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "esc_1"); err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestKeyLock_TryLock(t *testing.T) {
	l := NewKeyLock()
	unlock, ok := l.TryLock("k")
	if !ok {
		t.Fatal("expected free lock")
	}
	if _, ok := l.TryLock("k"); ok {
		t.Fatal("expected held lock")
	}
	unlock()
	if u, ok := l.TryLock("k"); !ok {
		t.Fatal("expected lock after unlock")
	} else {
		u()
	}
}
