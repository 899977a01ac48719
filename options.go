package coio

import "log/slog"

// Options configures a [Scheduler].
// The zero value is usable; unset fields are filled in with defaults.
type Options struct {
	// WorkerCount is the number of scheduler threads running tasks
	// and draining the wait loop.
	WorkerCount int
	// MaxSleepMS caps the adaptive epoll wait time, in milliseconds.
	MaxSleepMS int
	// EpollEventSize is the capacity of the epoll event batch buffer
	// and the size hint passed to epoll on creation.
	EpollEventSize int
	// Logger receives scheduler traces. Defaults to [slog.Default].
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.WorkerCount <= 0 {
		o.WorkerCount = 1
	}
	if o.MaxSleepMS <= 0 {
		o.MaxSleepMS = 20
	}
	if o.EpollEventSize <= 0 {
		o.EpollEventSize = 1024
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
