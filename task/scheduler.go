package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/chorusmesh/chorus/bus"
	"github.com/chorusmesh/chorus/logging"
)

var (
	// ErrUnknownTaskType is returned by Execute for unregistered types.
	ErrUnknownTaskType = errors.New("task: unknown task type")
	// ErrQueueFull is returned when the intake queue is saturated. Pool
	// saturation is the one failure allowed to fail a request outright.
	ErrQueueFull = errors.New("task: queue full")
	// ErrShutdown is returned once the scheduler has been shut down.
	ErrShutdown = errors.New("task: shut down")
)

// Handler executes one task. The context is cancelled on Cancel or
// scheduler shutdown; long-running handlers should poll it at natural
// suspension points.
type Handler func(ctx context.Context, t *Task) error

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkers sets the worker pool size (default 8).
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithQueueSize sets the intake queue capacity (default 128).
func WithQueueSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// tracked is the scheduler-internal view of one accepted task.
type tracked struct {
	task      *Task
	cancel    context.CancelFunc
	cancelled bool // set while still pending; worker skips execution
}

// Scheduler executes tasks on a bounded pool of workers. Task type selects
// a handler registered before Start. All registries are owned by the
// instance, not process-wide.
type Scheduler struct {
	workers   int
	queueSize int
	logger    logging.Logger
	bus       *bus.Bus

	mu       sync.Mutex
	handlers map[string]Handler
	tasks    map[string]*tracked
	closed   bool

	queue chan string
	wg    sync.WaitGroup
	base  context.Context
	stop  context.CancelFunc
}

// NewScheduler constructs a scheduler publishing failure events on b.
// Workers start immediately.
func NewScheduler(b *bus.Bus, opts ...Option) *Scheduler {
	s := &Scheduler{
		workers:   8,
		queueSize: 128,
		logger:    logging.NoOpLogger{},
		bus:       b,
		handlers:  make(map[string]Handler),
		tasks:     make(map[string]*tracked),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = make(chan string, s.queueSize)
	s.base, s.stop = context.WithCancel(context.Background())
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Register binds a handler to a task type. Re-registering replaces the
// previous handler.
func (s *Scheduler) Register(taskType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[taskType] = h
}

// Execute accepts a task for asynchronous execution and returns its id.
// Unknown types and queue saturation are rejected immediately.
func (s *Scheduler) Execute(t *Task) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrShutdown
	}
	if _, ok := s.handlers[t.Type]; !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrUnknownTaskType, t.Type)
	}
	t.State = StatePending
	s.tasks[t.ID] = &tracked{task: t}
	s.mu.Unlock()

	select {
	case s.queue <- t.ID:
		return t.ID, nil
	default:
		s.mu.Lock()
		delete(s.tasks, t.ID)
		s.mu.Unlock()
		return "", ErrQueueFull
	}
}

// Cancel requests best-effort cancellation. A pending task is removed
// cleanly; a running task only stops if its handler honors the context.
// Returns false for unknown or already finished tasks.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.tasks[taskID]
	if !ok {
		return false
	}
	switch tr.task.State {
	case StatePending:
		tr.cancelled = true
		tr.task.State = StateFailed
		return true
	case StateRunning:
		if tr.cancel != nil {
			tr.cancel()
		}
		return true
	default:
		return false
	}
}

// Status reports the current state of a task. Unknown ids report FAILED.
func (s *Scheduler) Status(taskID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr, ok := s.tasks[taskID]; ok {
		return tr.task.State
	}
	return StateFailed
}

// Shutdown stops intake, cancels in-flight work and waits for workers. The
// queue channel is never closed; workers exit through the base context, so a
// concurrent Execute that already passed the closed check enqueues onto a
// queue nobody reads instead of panicking on a closed channel.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.stop()
	s.wg.Wait()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case id := <-s.queue:
			s.runOne(id)
		case <-s.base.Done():
			return
		}
	}
}

// runOne executes a single dequeued task, translating failure into the
// SYSTEM/ERROR bridge event.
func (s *Scheduler) runOne(id string) {
	s.mu.Lock()
	tr, ok := s.tasks[id]
	if !ok || tr.cancelled {
		s.mu.Unlock()
		return
	}
	h := s.handlers[tr.task.Type]
	tr.task.State = StateRunning
	ctx, cancel := context.WithCancel(s.base)
	tr.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	err := s.invoke(ctx, h, tr.task)

	s.mu.Lock()
	if err != nil {
		tr.task.State = StateFailed
	} else {
		tr.task.State = StateSuccess
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("task failed", "task_id", tr.task.ID, "type", tr.task.Type, "error", err)
		if s.bus != nil {
			ev := bus.ErrorEvent("scheduler", err, map[string]any{
				"task_id":   tr.task.ID,
				"task_type": tr.task.Type,
				"client_id": tr.task.ClientID,
			})
			if _, pubErr := s.bus.Publish(ev); pubErr != nil {
				s.logger.Error("failed to publish task error event", "task_id", tr.task.ID, "error", pubErr)
			}
		}
	}
}

// invoke guards a handler call against panics.
func (s *Scheduler) invoke(ctx context.Context, h Handler, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task: handler panic: %v", r)
			s.logger.Error("task handler panic", "task_id", t.ID, "recover", r,
				"stack", string(debug.Stack()))
		}
	}()
	return h(ctx, t)
}
