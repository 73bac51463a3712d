package scheduler

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConcurrencyBound(t *testing.T) {
	s := New(2)

	var running, peak, total int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		s.Submit(func() {
			defer wg.Done()
			cur := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			atomic.AddInt32(&total, 1)
		})
	}

	wg.Wait()
	s.Close()

	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
	if got := atomic.LoadInt32(&total); got != 10 {
		t.Errorf("completed tasks = %d, want 10", got)
	}
}

func TestFIFOAdmission(t *testing.T) {
	s := New(1)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		s.Submit(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	wg.Wait()
	s.Close()

	for i, got := range order {
		if got != i {
			t.Fatalf("admission order = %v, want FIFO", order)
		}
	}
}

func TestFailureDoesNotBlockQueue(t *testing.T) {
	s := New(1)

	var firstErr error
	var ran int32
	var wg sync.WaitGroup

	wg.Add(1)
	s.Submit(func() {
		defer wg.Done()
		firstErr = errors.New("upload refused")
		atomic.AddInt32(&ran, 1)
	})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		s.Submit(func() {
			defer wg.Done()
			atomic.AddInt32(&ran, 1)
		})
	}

	wg.Wait()
	s.Close()

	if firstErr == nil {
		t.Fatal("first task did not run")
	}
	if got := atomic.LoadInt32(&ran); got != 3 {
		t.Errorf("ran = %d, want 3 despite first task failing", got)
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	s := New(2)

	var done int32
	for i := 0; i < 6; i++ {
		s.Submit(func() {
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&done, 1)
		})
	}

	s.Close()
	if got := atomic.LoadInt32(&done); got != 6 {
		t.Errorf("done = %d after Close, want 6", got)
	}
}

func TestSubmitAfterCloseIsNoop(t *testing.T) {
	s := New(1)
	s.Close()
	s.Submit(func() { t.Error("task ran after Close") })
	time.Sleep(10 * time.Millisecond)
}
