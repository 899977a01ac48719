//go:build linux

package coio

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// Scheduler runs cooperatively scheduled tasks across a pool of worker
// threads and owns the I/O wait engine they park in. Construct with
// [NewScheduler]; the zero value is not usable.
type Scheduler struct {
	opts   Options
	iowait *IoWait

	runqLock SpinLock
	runq     *queue.Queue

	deleteLock SpinLock
	deleteList []*Task

	nextTaskID atomic.Uint64
	running    atomic.Bool
	wg         sync.WaitGroup
}

// NewScheduler constructs a scheduler with the given options.
func NewScheduler(opts Options) *Scheduler {
	s := &Scheduler{
		opts: opts.withDefaults(),
		runq: queue.New(),
	}
	s.iowait = newIoWait(s)
	return s
}

// IoWait returns the scheduler's I/O wait engine.
func (s *Scheduler) IoWait() *IoWait {
	return s.iowait
}

// Go spawns fn as a new task and queues it runnable. The context passed
// to fn identifies the task; it is what [CoSwitch] and [Poll] resolve.
func (s *Scheduler) Go(fn func(ctx context.Context)) *Task {
	tk := newTask(s, s.nextTaskID.Add(1), fn)
	s.opts.Logger.Debug("task spawn", slog.Uint64("task", tk.id))
	s.AddTaskRunnable(tk)
	return tk
}

// AddTaskRunnable hands tk to the run queue. The I/O wait engine calls
// this exactly once per wait episode, from the arbitration winner.
func (s *Scheduler) AddTaskRunnable(tk *Task) {
	tk.state.Store(int32(TaskRunnable))
	s.runqLock.Lock()
	s.runq.Add(tk)
	s.runqLock.Unlock()
}

func (s *Scheduler) popRunnable() *Task {
	s.runqLock.Lock()
	defer s.runqLock.Unlock()
	if s.runq.Length() == 0 {
		return nil
	}
	return s.runq.Remove().(*Task)
}

// BlockedTasks returns the tasks currently parked in the I/O wait
// engine.
func (s *Scheduler) BlockedTasks() []*Task {
	return s.iowait.waitTasks.Snapshot()
}

// Start launches the worker threads. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < s.opts.WorkerCount; i++ {
		s.wg.Add(1)
		go s.workerLoop()
	}
}

// Stop asks the workers to exit and waits for them. Tasks still parked
// in the I/O wait engine are left parked; cancel them first for a
// clean shutdown.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.wg.Wait()
}

func (s *Scheduler) workerLoop() {
	defer s.wg.Done()
	for s.running.Load() {
		tk := s.popRunnable()
		if tk == nil {
			n := s.iowait.WaitLoop(true)
			if n <= 0 {
				s.iowait.DelayEventWaitTime()
				if n < 0 {
					runtime.Gosched()
				}
			}
			continue
		}
		s.iowait.ResetEventWaitTime()
		s.runTask(tk)
	}
}

// runTask resumes tk, waits for it to park, and routes it by the state
// it parked in.
func (s *Scheduler) runTask(tk *Task) {
	tk.state.Store(int32(TaskRunning))
	if !tk.started {
		tk.started = true
		go tk.main()
	}
	tk.resume <- struct{}{}
	<-tk.parked

	switch tk.State() {
	case TaskIoBlocked:
		s.iowait.SchedulerSwitch(tk)
	case TaskRunnable:
		s.AddTaskRunnable(tk)
	case TaskDone:
		s.opts.Logger.Debug("task done", slog.Uint64("task", tk.id))
		tk.DecrementRef()
	}
}

func (s *Scheduler) pushDelete(tk *Task) {
	s.deleteLock.Lock()
	s.deleteList = append(s.deleteList, tk)
	s.deleteLock.Unlock()
}

// popDeleteList removes and returns every task pending destruction.
func (s *Scheduler) popDeleteList() []*Task {
	s.deleteLock.Lock()
	defer s.deleteLock.Unlock()
	list := s.deleteList
	s.deleteList = nil
	return list
}
