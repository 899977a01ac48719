//go:build linux

package coio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// The two epoll instances of an IoWait. Splitting read and write
// interest lets the wait loop block on one direction while draining
// the other with a zero timeout.
const (
	epollRead = iota
	epollWrite
	epollCount
)

func epollName(typ int) string {
	switch typ {
	case epollRead:
		return "read"
	case epollWrite:
		return "write"
	default:
		return "unknown"
	}
}

// IoWait mediates between parked tasks and the kernel's readiness
// notification. A task enters through [CoSwitch], stays parked while
// its descriptors sit in epoll, and is resumed exactly once by
// whichever of readiness, timeout, or external cancellation wins the
// race in [IoWait.Cancel].
type IoWait struct {
	sched *Scheduler

	loopIndex   atomic.Uint64
	epollwaitMS atomic.Int32

	epollFds        [epollCount]int
	epollEventSize  int
	events          []unix.EpollEvent
	epollOwnerPID   atomic.Int32
	epollCreateLock SpinLock
	getpid          func() int

	// epollLock serializes a whole wait-loop iteration and gates task
	// destruction: a task may only be destroyed once no thread can
	// still be holding one of its epoll cookies.
	epollLock SpinLock

	waitTasks *taskSet
	timers    *TimerManager

	timeoutLock SpinLock
	timeoutList []func()

	// epollwaitTasks collects the tasks triggered in the current batch
	// so dispatch can be deferred until both directions are drained.
	// Only touched under epollLock.
	epollwaitTasks map[*Task]uint32

	// cookies maps the per-registration key handed to the kernel back
	// to the registration. Entries live from EPOLL_CTL_ADD until the
	// episode-ending Cancel (or rollback) tears them down; a lookup
	// miss in the wait loop means the delivery is stale.
	cookies   sync.Map
	cookieSeq atomic.Uint64
}

func newIoWait(sched *Scheduler) *IoWait {
	iw := &IoWait{
		sched:          sched,
		epollEventSize: sched.opts.EpollEventSize,
		getpid:         unix.Getpid,
		waitTasks:      newTaskSet(),
		timers:         NewTimerManager(),
		epollwaitTasks: make(map[*Task]uint32),
	}
	for typ := range iw.epollFds {
		iw.epollFds[typ] = -1
	}
	return iw
}

// Timers exposes the engine's timer manager.
func (iw *IoWait) Timers() *TimerManager {
	return iw.timers
}

// DelayEventWaitTime grows the blocking epoll timeout by one
// millisecond, up to the configured maximum. The scheduler calls this
// when it has no runnable work.
func (iw *IoWait) DelayEventWaitTime() {
	if ms := iw.epollwaitMS.Add(1); ms > int32(iw.sched.opts.MaxSleepMS) {
		iw.epollwaitMS.Store(int32(iw.sched.opts.MaxSleepMS))
	}
}

// ResetEventWaitTime zeroes the blocking epoll timeout. The scheduler
// calls this as soon as it has runnable work again.
func (iw *IoWait) ResetEventWaitTime() {
	iw.epollwaitMS.Store(0)
}

// CoSwitch snapshots the wait descriptors into tk and parks it.
// It runs on the task's own stack; all kernel interaction is deferred
// to [IoWait.SchedulerSwitch] so that no cookie referencing the task
// reaches the kernel while the task is still running.
func (iw *IoWait) CoSwitch(tk *Task, fds []FdEvent, timeoutMS int) {
	data := &tk.io
	id := data.ioBlockID.Add(1)
	tk.state.Store(int32(TaskIoBlocked))
	data.waitSuccessful.Store(0)
	data.ioBlockTimeout = timeoutMS
	data.ioBlockTimer.Store(0)
	data.waitFds = fds
	for i := range data.waitFds {
		fdst := &data.waitFds[i]
		fdst.Revents = 0
		fdst.ep = EpollPtr{tk: tk, ioBlockID: id, fdst: fdst}
	}

	iw.sched.opts.Logger.Debug("co switch",
		slog.Uint64("task", tk.id),
		slog.Uint64("id", uint64(id)),
		slog.Int("nfds", len(fds)),
		slog.Int("timeout_ms", timeoutMS))
	tk.yield()
}

// SchedulerSwitch installs one-shot epoll registrations for a task that
// has just parked, and arms the timeout timer if one was requested.
// It runs once per episode, on a scheduler thread.
func (iw *IoWait) SchedulerSwitch(tk *Task) {
	data := &tk.io
	if len(data.waitFds) > 1 {
		data.ioBlockLock.Lock()
		defer data.ioBlockLock.Unlock()
	}

	// Snapshot the episode before installing anything: a registration
	// completed early in the loop below may already have triggered on
	// another thread and pushed the task through a whole new CoSwitch,
	// rewriting the wait descriptors and bumping the id.
	id := data.ioBlockID.Load()
	waitFds := data.waitFds
	timeoutMS := data.ioBlockTimeout

	guard := NewRefGuard(tk)
	defer guard.Done()

	// Park before registering so a wake delivered on a peer thread
	// mid-loop still finds the task.
	iw.waitTasks.Insert(tk)

	type added struct {
		fd     int
		events uint32
		cookie uint64
	}
	var rollback []added
	ok := false
	for i := range waitFds {
		fdst := &waitFds[i]
		epfd := iw.chooseEpoll(fdst.Events)
		cookie := iw.cookieSeq.Add(1)
		fdst.ep.cookie = cookie
		ev := unix.EpollEvent{
			Events: fdst.Events | unix.EPOLLONESHOT,
			Fd:     int32(uint32(cookie)),
			Pad:    int32(uint32(cookie >> 32)),
		}

		// Take the reference the eventual removal will drop, before
		// the kernel can deliver anything.
		tk.IncrementRef()
		iw.cookies.Store(cookie, &fdst.ep)
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fdst.Fd, &ev); err != nil {
			tk.DecrementRef()
			iw.cookies.Delete(cookie)
			if errors.Is(err, unix.EEXIST) {
				iw.sched.opts.Logger.Debug("epoll add conflict, rolling back",
					slog.Uint64("task", tk.id),
					slog.Int("fd", fdst.Fd),
					slog.String("epoll", epollName(iw.epollType(epfd))))
				for _, a := range rollback {
					if unix.EpollCtl(iw.chooseEpoll(a.events), unix.EPOLL_CTL_DEL, a.fd, nil) == nil {
						// Only the actor that actually removed a
						// registration may drop its reference.
						tk.DecrementRef()
					}
					iw.cookies.Delete(a.cookie)
				}
				ok = false
				break
			}
			// Other add failures skip just this descriptor, the way
			// poll tolerates bad fds.
			iw.sched.opts.Logger.Debug("epoll add failed",
				slog.Uint64("task", tk.id),
				slog.Int("fd", fdst.Fd),
				slog.Any("error", err))
			continue
		}
		ok = true
		rollback = append(rollback, added{fd: fdst.Fd, events: fdst.Events, cookie: cookie})
	}

	iw.sched.opts.Logger.Debug("scheduler switch",
		slog.Uint64("task", tk.id),
		slog.Uint64("id", uint64(id)),
		slog.Int("nfds", len(waitFds)),
		slog.Int("timeout_ms", timeoutMS),
		slog.Bool("ok", ok))

	if !ok {
		// Nothing registered; wake immediately with zero successes.
		if iw.waitTasks.Erase(tk) {
			iw.sched.AddTaskRunnable(tk)
		}
	} else if timeoutMS != -1 {
		tk.IncrementRef()
		taskID := tk.id
		timerID := iw.timers.ExpireAt(time.Duration(timeoutMS)*time.Millisecond, func() {
			iw.sched.opts.Logger.Debug("io wait timed out",
				slog.Uint64("task", taskID),
				slog.Uint64("id", uint64(id)))
			iw.Cancel(tk, id)
			tk.DecrementRef()
		})
		data.ioBlockTimer.Store(uint64(timerID))
	}
}

// Cancel is the wake arbitrator: every resume path (readiness, timer
// expiry, external cancellation) funnels through it. The call wins iff
// id still names the task's current episode and this call is the one
// that erases the task from the wait set; losers return silently.
func (iw *IoWait) Cancel(tk *Task, id uint32) {
	data := &tk.io
	if data.ioBlockID.Load() != id {
		return
	}
	if !iw.waitTasks.Erase(tk) {
		return
	}

	iw.sched.opts.Logger.Debug("io wait wakeup",
		slog.Uint64("task", tk.id),
		slog.Uint64("id", uint64(id)))

	if len(data.waitFds) > 1 {
		data.ioBlockLock.Lock()
		defer data.ioBlockLock.Unlock()
	}

	for i := range data.waitFds {
		fdst := &data.waitFds[i]
		epfd := iw.chooseEpoll(fdst.Events)
		if unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, fdst.Fd, nil) == nil {
			// A concurrent one-shot delivery may have consumed the
			// registration already; the reference goes with whoever
			// removed it.
			tk.DecrementRef()
		}
		iw.cookies.Delete(fdst.ep.cookie)
	}

	iw.sched.AddTaskRunnable(tk)
}

// WaitLoop drains expired timers and both epoll instances, dispatches
// wakes, runs timeout callbacks, and reclaims tasks whose reference
// count reached zero. It returns the number of events plus timers
// handled, or -1 when another thread already held the loop and there
// was nothing to report.
func (iw *IoWait) WaitLoop(enableBlock bool) int {
	c := 0
	for {
		cbs := iw.timers.GetExpired(nil, 128)
		if len(cbs) == 0 {
			break
		}
		c += len(cbs)
		iw.timeoutLock.Lock()
		iw.timeoutList = append(iw.timeoutList, cbs...)
		iw.timeoutLock.Unlock()
	}

	if !iw.epollLock.TryLock() {
		if c > 0 {
			return c
		}
		return -1
	}
	defer iw.epollLock.Unlock()

	iw.loopIndex.Add(1)
	iw.createEpoll()

	if len(iw.events) != iw.epollEventSize {
		iw.events = make([]unix.EpollEvent, iw.epollEventSize)
	}

	epollN := 0
	for typ := 0; typ < epollCount; typ++ {
		timeout := 0
		if enableBlock && typ == epollRead && c == 0 {
			timeout = int(iw.epollwaitMS.Load())
		}

		var n int
		var err error
		for {
			n, err = unix.EpollWait(iw.epollFds[typ], iw.events, timeout)
			if !errors.Is(err, unix.EINTR) {
				break
			}
		}
		if err != nil {
			// Treated as "no events"; see the open-question note in
			// DESIGN.md about whether this should ever escalate.
			iw.sched.opts.Logger.Warn("epoll wait failed",
				slog.String("epoll", epollName(typ)),
				slog.Any("error", err))
			continue
		}

		epollN += n
		for i := 0; i < n; i++ {
			ev := &iw.events[i]
			cookie := uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32
			v, ok := iw.cookies.Load(cookie)
			if !ok {
				// Registration already torn down; the episode ended
				// before this delivery was harvested.
				continue
			}
			ep := v.(*EpollPtr)
			ep.fdst.Revents = ev.Events
			tk := ep.tk
			tk.io.waitSuccessful.Add(1)
			if _, seen := iw.epollwaitTasks[tk]; !seen {
				iw.epollwaitTasks[tk] = ep.ioBlockID
			}
			iw.sched.opts.Logger.Debug("epoll trigger",
				slog.String("epoll", epollName(typ)),
				slog.Uint64("task", tk.id),
				slog.Int("fd", ep.fdst.Fd),
				slog.Uint64("id", uint64(ep.ioBlockID)),
				slog.Uint64("loop", iw.loopIndex.Load()))
		}
	}

	// Dispatch only after both directions are drained so that
	// waitSuccessful counts every descriptor triggered in this batch
	// before the task can run again.
	for tk, id := range iw.epollwaitTasks {
		iw.Cancel(tk, id)
	}
	clear(iw.epollwaitTasks)

	iw.timeoutLock.Lock()
	timeoutList := iw.timeoutList
	iw.timeoutList = nil
	iw.timeoutLock.Unlock()
	for _, cb := range timeoutList {
		cb()
	}

	// Stale cookies observed by epoll cannot be accounted for outside
	// the loop lock, so the delete sweep must happen inside it.
	for _, tk := range iw.sched.popDeleteList() {
		iw.sched.opts.Logger.Debug("task delete", slog.Uint64("task", tk.id))
		tk.destroy()
	}

	return epollN + c
}

func (iw *IoWait) epollType(epfd int) int {
	switch epfd {
	case iw.epollFds[epollRead]:
		return epollRead
	case iw.epollFds[epollWrite]:
		return epollWrite
	default:
		return -1
	}
}

// chooseEpoll picks the instance a registration belongs to: read
// interest goes to the read instance, everything else to write.
func (iw *IoWait) chooseEpoll(events uint32) int {
	iw.createEpoll()
	if events&EventRead != 0 {
		return iw.epollFds[epollRead]
	}
	return iw.epollFds[epollWrite]
}

// createEpoll lazily creates both epoll instances, and re-creates them
// when the owning process id no longer matches: a child inheriting the
// parent's instances after fork must not share registrations with it.
// Failure to create is fatal.
func (iw *IoWait) createEpoll() {
	pid := int32(iw.getpid())
	if iw.epollOwnerPID.Load() == pid {
		return
	}
	iw.epollCreateLock.Lock()
	defer iw.epollCreateLock.Unlock()
	if iw.epollOwnerPID.Load() == pid {
		return
	}

	for typ := range iw.epollFds {
		if iw.epollFds[typ] != -1 {
			_ = unix.Close(iw.epollFds[typ])
		}
		fd, err := unix.EpollCreate(iw.epollEventSize)
		if err != nil {
			iw.sched.opts.Logger.Error("epoll create failed", slog.Any("error", err))
			panic(fmt.Errorf("coio: cannot create epoll: %w", err))
		}
		iw.epollFds[typ] = fd
		iw.sched.opts.Logger.Debug("epoll created",
			slog.String("epoll", epollName(typ)),
			slog.Int("epollfd", fd))
	}
	iw.epollOwnerPID.Store(pid)
}

// isEpollCreated reports whether the current process owns the epoll
// instances.
func (iw *IoWait) isEpollCreated() bool {
	return iw.epollOwnerPID.Load() == int32(iw.getpid())
}
