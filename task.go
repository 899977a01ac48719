//go:build linux

package coio

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// TaskState is the scheduling state of a [Task].
type TaskState int32

const (
	TaskRunnable TaskState = iota // queued, waiting for a worker
	TaskRunning                   // executing on a worker
	TaskIoBlocked                 // parked in the I/O wait engine
	TaskDone                      // body returned
)

func (s TaskState) String() string {
	switch s {
	case TaskRunnable:
		return "runnable"
	case TaskRunning:
		return "running"
	case TaskIoBlocked:
		return "io_blocked"
	case TaskDone:
		return "done"
	default:
		return "unknown"
	}
}

// IoWaitData is the per-task state of the I/O wait engine. One instance
// lives inside its task for the task's whole lifetime, so the addresses
// of its wait descriptors are stable while the kernel holds cookies
// referring to them.
type IoWaitData struct {
	// ioBlockID names the current wait episode. It is bumped on every
	// entry into CoSwitch; any resume carrying an older value is stale
	// and must be dropped.
	ioBlockID atomic.Uint32

	// waitSuccessful counts the readiness events observed for the
	// current episode.
	waitSuccessful atomic.Int32

	ioBlockTimeout int
	ioBlockTimer   atomic.Uint64
	waitFds        []FdEvent

	// ioBlockLock serializes registration and deregistration of a
	// multi-descriptor episode. Single-descriptor waits skip it.
	ioBlockLock SpinLock
}

// Task is a cooperatively scheduled unit of work. The body runs on its
// own goroutine but is resumed by at most one scheduler worker at a
// time; parking and resuming go through a strict handoff so that the
// task's stack is idle whenever the scheduler acts on it.
type Task struct {
	id    uint64
	sched *Scheduler
	ctx   context.Context
	body  func(ctx context.Context)

	state atomic.Int32
	refs  atomic.Int32
	freed atomic.Bool

	// started is only touched by the worker currently running the task.
	started bool
	parked  chan struct{}
	resume  chan struct{}

	io IoWaitData
}

type taskKey struct{}

// CurrentTask returns the [Task] executing in the given context,
// or nil when called from outside task context.
func CurrentTask(ctx context.Context) *Task {
	tk, _ := ctx.Value(taskKey{}).(*Task)
	return tk
}

func newTask(sched *Scheduler, id uint64, body func(ctx context.Context)) *Task {
	tk := &Task{
		id:     id,
		sched:  sched,
		body:   body,
		parked: make(chan struct{}),
		resume: make(chan struct{}),
	}
	tk.refs.Store(1)
	tk.state.Store(int32(TaskRunnable))
	tk.ctx = context.WithValue(context.Background(), taskKey{}, tk)
	return tk
}

// ID returns the task's scheduler-unique id.
func (t *Task) ID() uint64 {
	return t.id
}

// State returns the task's current scheduling state.
func (t *Task) State() TaskState {
	return TaskState(t.state.Load())
}

// IoBlockID returns the identity of the task's current wait episode.
// External cancellers pass it back to [IoWait.Cancel].
func (t *Task) IoBlockID() uint32 {
	return t.io.ioBlockID.Load()
}

// WaitSuccessful reports how many descriptors became ready during the
// task's most recent wait episode.
func (t *Task) WaitSuccessful() int {
	return int(t.io.waitSuccessful.Load())
}

// IncrementRef takes a reference on the task. Every kernel registration
// and armed timer referring to the task holds one.
func (t *Task) IncrementRef() {
	t.refs.Add(1)
}

// DecrementRef drops a reference. When the count reaches zero the task
// is pushed onto the scheduler's delete list; actual destruction is
// deferred to the wait loop, where no in-flight epoll cookie can still
// be observed.
func (t *Task) DecrementRef() {
	if t.refs.Add(-1) == 0 {
		t.sched.pushDelete(t)
	}
}

// RefGuard keeps a task alive for a lexical scope.
type RefGuard struct {
	tk *Task
}

// NewRefGuard takes a reference on tk.
func NewRefGuard(tk *Task) RefGuard {
	tk.IncrementRef()
	return RefGuard{tk: tk}
}

// Done releases the guard's reference.
func (g RefGuard) Done() {
	g.tk.DecrementRef()
}

// main is the task goroutine body. It waits for the first resume,
// runs the task to completion, and reports back to the worker.
func (t *Task) main() {
	<-t.resume
	t.body(t.ctx)
	t.state.Store(int32(TaskDone))
	t.parked <- struct{}{}
}

// yield parks the task and hands control back to the worker driving it.
// It returns when a worker resumes the task.
func (t *Task) yield() {
	t.parked <- struct{}{}
	<-t.resume
}

// Yield reschedules the current task, letting other runnable tasks go
// first. It is a no-op outside task context.
func Yield(ctx context.Context) {
	tk := CurrentTask(ctx)
	if tk == nil {
		return
	}
	tk.state.Store(int32(TaskRunnable))
	tk.yield()
}

// destroy finalizes a task whose reference count reached zero.
// Called only from the wait loop's delete sweep.
func (t *Task) destroy() {
	if refs := t.refs.Load(); refs != 0 {
		t.sched.opts.Logger.Error("task destroyed with live references",
			slog.Uint64("task", t.id),
			slog.Int("refs", int(refs)))
	}
	t.freed.Store(true)
}
