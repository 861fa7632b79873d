package scheduler

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/speechsdk/pkg/logging"
)

// ThreadService runs tasks on behalf of a connection.
type ThreadService interface {
	// Execute queues task to run as soon as possible.
	Execute(task func())
	// ExecuteAfter queues task to run once delay has elapsed.
	ExecuteAfter(task func(), delay time.Duration)
}

// Worker is a ThreadService backed by a single goroutine. Tasks run one at a
// time in submission order, which gives every connection bound to the worker
// a single-threaded view of its own state.
type Worker struct {
	tasks   chan func()
	stop    chan struct{}
	done    chan struct{}
	stopped atomic.Bool
	once    sync.Once
	logger  *slog.Logger
}

// NewWorker starts a worker with the given task buffer size.
func NewWorker(buffer int, logger *slog.Logger) *Worker {
	if buffer <= 0 {
		buffer = 1024
	}
	w := &Worker{
		tasks:  make(chan func(), buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logging.NewComponentLogger(logger, "thread_service"),
	}
	go w.loop()
	return w
}

func (w *Worker) Execute(task func()) {
	if task == nil || w.stopped.Load() {
		return
	}
	select {
	case w.tasks <- task:
	case <-w.stop:
	}
}

func (w *Worker) ExecuteAfter(task func(), delay time.Duration) {
	if task == nil || w.stopped.Load() {
		return
	}
	if delay <= 0 {
		w.Execute(task)
		return
	}
	time.AfterFunc(delay, func() { w.Execute(task) })
}

// Stop discards pending tasks and waits for the running one to finish.
// It must not be called from inside a task.
func (w *Worker) Stop() {
	w.once.Do(func() {
		w.stopped.Store(true)
		close(w.stop)
		<-w.done
	})
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case task := <-w.tasks:
			w.run(task)
		}
	}
}

func (w *Worker) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("thread_service_task_panic", slog.Any("panic", r))
		}
	}()
	task()
}

// Manual queues tasks until the owner runs them. Tests use it to drive a
// connection deterministically; tasks may queue further tasks.
type Manual struct {
	mu      sync.Mutex
	pending []func()
	delayed []func()
}

func (m *Manual) Execute(task func()) {
	if task == nil {
		return
	}
	m.mu.Lock()
	m.pending = append(m.pending, task)
	m.mu.Unlock()
}

// ExecuteAfter records the task regardless of delay.
func (m *Manual) ExecuteAfter(task func(), _ time.Duration) {
	if task == nil {
		return
	}
	m.mu.Lock()
	m.delayed = append(m.delayed, task)
	m.mu.Unlock()
}

// RunPending runs queued tasks, including ones they queue, until none are
// left. It returns the number of tasks run.
func (m *Manual) RunPending() int {
	n := 0
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return n
		}
		task := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
		task()
		n++
	}
}

// RunDelayed runs the delayed tasks queued before the call.
func (m *Manual) RunDelayed() int {
	m.mu.Lock()
	tasks := m.delayed
	m.delayed = nil
	m.mu.Unlock()
	for _, t := range tasks {
		t()
	}
	return len(tasks)
}
