//go:build linux

package coio

import "context"

// CoSwitch parks the current task until any descriptor in fds becomes
// ready, the timeout elapses, or the wait is cancelled externally.
// timeoutMS of -1 waits forever; 0 still registers and degenerates to
// a poll. Ownership of fds transfers to the task for the duration of
// the episode; on return the Revents field of each entry holds what
// the kernel reported. Outside task context this is a no-op.
func CoSwitch(ctx context.Context, fds []FdEvent, timeoutMS int) {
	tk := CurrentTask(ctx)
	if tk == nil {
		return
	}
	tk.sched.iowait.CoSwitch(tk, fds, timeoutMS)
}

// Poll is the counting form of [CoSwitch]: it parks the current task
// the same way and reports how many descriptors became ready, zero on
// timeout. Poll-style callers build their return value on this count.
func Poll(ctx context.Context, fds []FdEvent, timeoutMS int) int {
	tk := CurrentTask(ctx)
	if tk == nil {
		return 0
	}
	tk.sched.iowait.CoSwitch(tk, fds, timeoutMS)
	return tk.WaitSuccessful()
}
