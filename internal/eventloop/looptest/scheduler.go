// Package looptest provides a deterministic Scheduler for tests. Nothing runs
// until the test says so: timers fire on Advance, off-loop jobs run on RunJobs,
// and posted callbacks run on Flush. It is not safe for concurrent use.
package looptest

import (
	"sort"
	"time"

	"trade-desk/internal/eventloop"
)

type timer struct {
	at      time.Duration
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func (t *timer) Stop() bool {
	pending := !t.stopped && !t.fired
	t.stopped = true
	return pending
}

// Scheduler is a manual eventloop.Scheduler with a virtual clock.
type Scheduler struct {
	now    time.Duration
	seq    int
	timers []*timer
	posts  []func()
	jobs   []func()
}

var _ eventloop.Scheduler = (*Scheduler)(nil)

// New creates a scheduler at virtual time zero.
func New() *Scheduler {
	return &Scheduler{}
}

func (s *Scheduler) Post(fn func()) {
	s.posts = append(s.posts, fn)
}

func (s *Scheduler) Go(fn func()) {
	s.jobs = append(s.jobs, fn)
}

func (s *Scheduler) AfterFunc(d time.Duration, fn func()) eventloop.Timer {
	s.seq++
	t := &timer{at: s.now + d, seq: s.seq, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// Now returns the virtual time elapsed since New.
func (s *Scheduler) Now() time.Duration {
	return s.now
}

// Advance moves the clock forward and fires every due timer in deadline order.
func (s *Scheduler) Advance(d time.Duration) {
	s.now += d
	for {
		t := s.nextDue()
		if t == nil {
			return
		}
		t.fired = true
		t.fn()
	}
}

func (s *Scheduler) nextDue() *timer {
	active := s.timers[:0]
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			active = append(active, t)
		}
	}
	s.timers = active
	sort.SliceStable(s.timers, func(i, j int) bool {
		if s.timers[i].at == s.timers[j].at {
			return s.timers[i].seq < s.timers[j].seq
		}
		return s.timers[i].at < s.timers[j].at
	})
	if len(s.timers) == 0 || s.timers[0].at > s.now {
		return nil
	}
	return s.timers[0]
}

// PendingTimers counts timers that have neither fired nor been stopped.
func (s *Scheduler) PendingTimers() int {
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Jobs counts queued off-loop jobs.
func (s *Scheduler) Jobs() int {
	return len(s.jobs)
}

// RunJob runs and removes the i-th queued job.
func (s *Scheduler) RunJob(i int) {
	fn := s.jobs[i]
	s.jobs = append(s.jobs[:i:i], s.jobs[i+1:]...)
	fn()
}

// RunJobs runs queued jobs in FIFO order, including any queued while running.
func (s *Scheduler) RunJobs() {
	for len(s.jobs) > 0 {
		s.RunJob(0)
	}
}

// Flush runs posted callbacks in order until none are left.
func (s *Scheduler) Flush() {
	for len(s.posts) > 0 {
		fn := s.posts[0]
		s.posts = s.posts[1:]
		fn()
	}
}

// Settle alternates RunJobs and Flush until both queues are empty.
func (s *Scheduler) Settle() {
	for len(s.jobs) > 0 || len(s.posts) > 0 {
		s.RunJobs()
		s.Flush()
	}
}
