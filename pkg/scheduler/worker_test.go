package scheduler

import (
	"sync"
	"testing"
	"time"
)

func TestWorkerRunsTasksInOrder(t *testing.T) {
	w := NewWorker(16, nil)
	defer w.Stop()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		w.Execute(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 4 {
				close(done)
			}
		})
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("tasks did not run")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("expected FIFO order, got %v", got)
		}
	}
}

func TestWorkerExecuteAfter(t *testing.T) {
	w := NewWorker(4, nil)
	defer w.Stop()
	start := time.Now()
	done := make(chan time.Duration, 1)
	w.ExecuteAfter(func() { done <- time.Since(start) }, 20*time.Millisecond)
	select {
	case elapsed := <-done:
		if elapsed < 20*time.Millisecond {
			t.Fatalf("task ran too early: %s", elapsed)
		}
	case <-time.After(time.Second):
		t.Fatalf("delayed task did not run")
	}
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	w := NewWorker(4, nil)
	defer w.Stop()
	w.Execute(func() { panic("boom") })
	done := make(chan struct{})
	w.Execute(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("worker stopped after panic")
	}
}

func TestWorkerStopIgnoresLateTasks(t *testing.T) {
	w := NewWorker(1, nil)
	w.Stop()
	w.Execute(func() { t.Fatalf("task ran after stop") })
	w.ExecuteAfter(func() { t.Fatalf("task ran after stop") }, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
}

func TestManualRunsQueuedTasks(t *testing.T) {
	var m Manual
	var order []int
	m.Execute(func() {
		order = append(order, 1)
		m.Execute(func() { order = append(order, 3) })
	})
	m.Execute(func() { order = append(order, 2) })
	m.ExecuteAfter(func() { order = append(order, 4) }, time.Hour)
	if len(order) != 0 {
		t.Fatalf("expected nothing to run before RunPending")
	}
	if n := m.RunPending(); n != 3 {
		t.Fatalf("expected 3 tasks, got %d", n)
	}
	if n := m.RunDelayed(); n != 1 {
		t.Fatalf("expected 1 delayed task, got %d", n)
	}
	for i, v := range []int{1, 2, 3, 4} {
		if order[i] != v {
			t.Fatalf("unexpected order %v", order)
		}
	}
}
