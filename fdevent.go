//go:build linux

package coio

import "golang.org/x/sys/unix"

// Event mask bits, in epoll's vocabulary.
const (
	EventRead  = uint32(unix.EPOLLIN)
	EventWrite = uint32(unix.EPOLLOUT)
)

// FdEvent is one descriptor-interest pair of a wait episode. The caller
// hands a slice of these to [CoSwitch]; on wake, Revents of each entry
// holds the events the kernel reported, or zero if the descriptor never
// triggered.
//
// An FdEvent must not be moved once registered: the registry entry
// behind the kernel cookie refers to the embedded EpollPtr by address.
type FdEvent struct {
	Fd      int
	Events  uint32
	Revents uint32

	ep EpollPtr
}

// EpollPtr routes a kernel readiness event back to the owning task and
// episode. It is stored inline in its FdEvent, which in turn lives in
// the task's IoWaitData, so the reference stays valid for as long as
// the task does. Reported events are written through fdst.
type EpollPtr struct {
	tk        *Task
	ioBlockID uint32
	fdst      *FdEvent

	// cookie is the registry key handed to the kernel in place of a
	// raw pointer; see IoWait.cookies.
	cookie uint64
}
