//go:build linux

package coio

import (
	"sync"

	"golang.org/x/exp/maps"
)

// taskSet is the set of tasks currently parked in the I/O wait engine.
// Membership answers "has this task been woken yet": whichever resume
// path erases the task is the one allowed to wake it.
type taskSet struct {
	mu    sync.Mutex
	tasks map[*Task]struct{}
}

func newTaskSet() *taskSet {
	return &taskSet{tasks: make(map[*Task]struct{})}
}

// Insert adds tk to the set.
func (s *taskSet) Insert(tk *Task) {
	s.mu.Lock()
	s.tasks[tk] = struct{}{}
	s.mu.Unlock()
}

// Erase removes tk and reports whether this call did the removing.
// At most one concurrent caller sees true per insertion.
func (s *taskSet) Erase(tk *Task) bool {
	s.mu.Lock()
	_, ok := s.tasks[tk]
	if ok {
		delete(s.tasks, tk)
	}
	s.mu.Unlock()
	return ok
}

// Contains reports whether tk is parked.
func (s *taskSet) Contains(tk *Task) bool {
	s.mu.Lock()
	_, ok := s.tasks[tk]
	s.mu.Unlock()
	return ok
}

// Snapshot returns the parked tasks at the time of the call.
func (s *taskSet) Snapshot() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Keys(s.tasks)
}
