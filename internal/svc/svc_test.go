package svc

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// TestQueueOrder verifies functions run in queue order
func TestQueueOrder(t *testing.T) {
	q := New()
	defer q.Close()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		q.Svc(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	n, err := Sync(q, func() (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return len(got), nil
	})
	if err != nil || n != 100 {
		t.Fatalf("Sync = %d, %v", n, err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("Position %d ran %d", i, v)
		}
	}
}

// TestQueuePauseResume verifies paused queues hold work
func TestQueuePauseResume(t *testing.T) {
	q := NewPaused()
	defer q.Close()

	ran := make(chan struct{})
	q.Svc(func() { close(ran) })

	select {
	case <-ran:
		t.Fatal("Paused queue should not run work")
	case <-time.After(50 * time.Millisecond):
	}
	if q.Len() != 1 {
		t.Errorf("Expected 1 pending, got %d", q.Len())
	}

	q.Resume()
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("Resumed queue should run work")
	}
}

// TestQueueClose verifies close drops pending work and rejects new work
func TestQueueClose(t *testing.T) {
	q := New()
	block := make(chan struct{})
	started := make(chan struct{})
	q.Svc(func() {
		close(started)
		<-block
	})
	<-started

	dropped := false
	q.Svc(func() { dropped = true })
	q.Close()
	close(block)
	q.Wait()

	if dropped {
		t.Error("Pending work should be discarded on close")
	}
	if q.Svc(func() {}) {
		t.Error("Svc on a closed queue should report false")
	}
	if _, err := Sync(q, func() (int, error) { return 1, nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
