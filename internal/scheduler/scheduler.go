// Package scheduler runs keyed, cancellable timer tasks.
//
// Every timer in the realtime core is addressed by a Key of
// (scope, subject, name), for example ("typing", conversationID, "heartbeat").
// Arming a key replaces whatever was armed under it, and cancelling a subject
// removes exactly that subject's timers. A task that fires after it was
// replaced or cancelled is dropped before its callback runs.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

type Key struct {
	Scope   string
	Subject string
	Name    string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Scope, k.Subject, k.Name)
}

type task struct {
	gen    uint64
	timer  Timer
	period time.Duration
	fn     func()
}

type Scheduler struct {
	clock Clock

	mu     sync.Mutex
	tasks  map[Key]*task
	gen    uint64
	closed bool
}

// New returns a scheduler on clock; nil means SystemClock.
func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = SystemClock
	}
	return &Scheduler{
		clock: clock,
		tasks: make(map[Key]*task),
	}
}

func (s *Scheduler) Clock() Clock {
	return s.clock
}

func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// After runs fn once, d from now, unless key is re-armed or cancelled first.
func (s *Scheduler) After(key Key, d time.Duration, fn func()) {
	s.arm(key, d, 0, fn)
}

// Every runs fn each period until key is cancelled. The first run is one
// period from now.
func (s *Scheduler) Every(key Key, period time.Duration, fn func()) {
	if period <= 0 {
		panic(fmt.Sprintf("scheduler: non-positive period for %s", key))
	}
	s.arm(key, period, period, fn)
}

func (s *Scheduler) arm(key Key, d, period time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if old, ok := s.tasks[key]; ok {
		old.timer.Stop()
	}
	if d < 0 {
		d = 0
	}
	s.gen++
	gen := s.gen
	t := &task{gen: gen, period: period, fn: fn}
	t.timer = s.clock.AfterFunc(d, func() { s.fire(key, gen) })
	s.tasks[key] = t
}

func (s *Scheduler) fire(key Key, gen uint64) {
	s.mu.Lock()
	t, ok := s.tasks[key]
	if !ok || t.gen != gen {
		s.mu.Unlock()
		return
	}
	if t.period > 0 {
		s.gen++
		next := s.gen
		t.gen = next
		t.timer = s.clock.AfterFunc(t.period, func() { s.fire(key, next) })
	} else {
		delete(s.tasks, key)
	}
	fn := t.fn
	s.mu.Unlock()

	fn()
}

// Cancel disarms key and reports whether it was armed.
func (s *Scheduler) Cancel(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, key)
	return true
}

// CancelSubject disarms every timer of one subject within scope.
func (s *Scheduler) CancelSubject(scope, subject string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, t := range s.tasks {
		if key.Scope == scope && key.Subject == subject {
			t.timer.Stop()
			delete(s.tasks, key)
			n++
		}
	}
	return n
}

// CancelScope disarms every timer in scope.
func (s *Scheduler) CancelScope(scope string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, t := range s.tasks {
		if key.Scope == scope {
			t.timer.Stop()
			delete(s.tasks, key)
			n++
		}
	}
	return n
}

func (s *Scheduler) Armed(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Keys lists the armed keys of one subject, sorted by name.
func (s *Scheduler) Keys(scope, subject string) []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []Key
	for key := range s.tasks {
		if key.Scope == scope && key.Subject == subject {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })
	return keys
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close cancels everything and ignores later arming.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, key)
	}
}
