// Package runner marshals work from arbitrary goroutines onto the host's
// main thread.
//
// A Runner owns a FIFO queue and posts a drain callback to its Scheduler
// for every submission. The drain runs on the main thread, empties the
// queue in order and runs each task to completion before starting the next.
//
// A log sink that itself needs the main thread must be given its own Runner,
// never the Runner whose logger writes to it; otherwise logging from the
// drain loop would queue more work on the queue being drained.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	list "github.com/bahlo/generic-list-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrClosed        = errors.New("runner: closed")
	ErrDiscarded     = errors.New("runner: task discarded at teardown")
	ErrReentrantWait = errors.New("runner: SubmitWait called from the main thread")
	ErrTaskPanicked  = errors.New("runner: task panicked")
)

// Task is a unit of work run on the main thread.
type Task func() error

// Scheduler is the host capability the runner depends on.
type Scheduler interface {
	// PostToMainThread schedules callback on the main thread. It must be
	// safe to call from any goroutine.
	PostToMainThread(callback func()) error
	// OnMainThread reports whether the caller is the main thread.
	OnMainThread() bool
}

// job is a queued task. done is nil for fire-and-forget submissions.
type job struct {
	task Task
	done chan error
}

// Runner is a single-consumer task queue drained on the main thread.
type Runner struct {
	id    string
	sched Scheduler
	log   zerolog.Logger

	mu     sync.Mutex
	queue  *list.List[*job]
	closed bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger. It must not write to a sink that
// submits to this same runner.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// New creates a Runner posting to sched. name prefixes the runner's unique id.
func New(name string, sched Scheduler, opts ...Option) *Runner {
	r := &Runner{
		id:    name + "_" + uuid.NewString(),
		sched: sched,
		log:   zerolog.Nop(),
		queue: list.New[*job](),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With().Str("runner", r.id).Logger()
	return r
}

// ID returns the runner's unique id.
func (r *Runner) ID() string {
	return r.id
}

// Submit enqueues task and returns immediately.
func (r *Runner) Submit(task Task) error {
	return r.enqueue(&job{task: task})
}

// SubmitWait enqueues task and blocks until it has run on the main thread,
// returning the task's error. If ctx ends first SubmitWait returns ctx.Err()
// and the task still runs later. Calling it from the main thread returns
// ErrReentrantWait, since the drain could never start.
func (r *Runner) SubmitWait(ctx context.Context, task Task) error {
	if r.sched.OnMainThread() {
		return ErrReentrantWait
	}
	j := &job{task: task, done: make(chan error, 1)}
	if err := r.enqueue(j); err != nil {
		return err
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) enqueue(j *job) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	e := r.queue.PushBack(j)
	r.mu.Unlock()

	if err := r.sched.PostToMainThread(r.drain); err != nil {
		r.mu.Lock()
		// Close has already taken the queue and released the job.
		if !r.closed {
			r.queue.Remove(e)
		}
		r.mu.Unlock()
		return fmt.Errorf("runner: post to main thread: %w", err)
	}
	return nil
}

// Pending returns the number of queued tasks.
func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Len()
}

// drain empties the queue on the main thread. A drain that finds the queue
// empty, because an earlier drain took its task, does nothing.
func (r *Runner) drain() {
	for {
		r.log.Trace().Msg("getting from queue")
		j, ok := r.next()
		if !ok {
			return
		}
		r.log.Trace().Msg("running a task retrieved from the queue")
		err := r.execute(j.task)
		if err != nil {
			r.log.Error().Err(err).Msg("task failed")
		}
		if j.done != nil {
			j.done <- err
		}
	}
}

func (r *Runner) next() (*job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}
	front := r.queue.Front()
	if front == nil {
		return nil, false
	}
	return r.queue.Remove(front), true
}

// execute runs a task, recovering from panics.
func (r *Runner) execute(task Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrTaskPanicked, p, debug.Stack())
		}
	}()
	return task()
}

// Close detaches the runner. Queued tasks are dropped without running;
// SubmitWait callers still waiting are released with ErrDiscarded.
// Closing twice is a no-op.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var dropped []*job
	for e := r.queue.Front(); e != nil; e = e.Next() {
		dropped = append(dropped, e.Value)
	}
	r.queue.Init()
	r.mu.Unlock()

	for _, j := range dropped {
		if j.done != nil {
			j.done <- ErrDiscarded
		}
	}
	if len(dropped) > 0 {
		r.log.Debug().Int("discarded", len(dropped)).Msg("runner closed with pending tasks")
	}
	return nil
}
