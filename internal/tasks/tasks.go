// Package tasks runs named background jobs on fixed intervals. It is
// deliberately small: the gateway's only recurring job is the
// diagnostics heartbeat, so there is no calendar scheduling here, just
// an interval, a name, and an orderly Stop. Jobs whose next run time
// must move dynamically (the attested-certificate refresh reschedules
// itself against each new expiry) run their own loop instead; see
// internal/certmgr.
package tasks

import (
	"sync"
	"time"

	"github.com/effective-security/xlog"
	"github.com/pkg/errors"
)

var logger = xlog.NewPackageLogger("github.com/openanolis/tng/internal", "tasks")

// TimeUnit is the interval unit for NewTaskAtIntervals.
type TimeUnit int

const (
	// Seconds specifies the time unit in seconds
	Seconds TimeUnit = iota
	// Minutes specifies the time unit in minutes
	Minutes
	// Hours specifies the time unit in hours
	Hours
)

func (u TimeUnit) duration(n uint64) time.Duration {
	switch u {
	case Minutes:
		return time.Duration(n) * time.Minute
	case Hours:
		return time.Duration(n) * time.Hour
	default:
		return time.Duration(n) * time.Second
	}
}

// Task is one named job executed on a fixed interval by a Scheduler.
type Task struct {
	name     string
	interval time.Duration
	run      func()
}

// NewTaskAtIntervals builds a task firing every interval units; attach
// the name and body with Do before adding it to a Scheduler.
func NewTaskAtIntervals(interval uint64, unit TimeUnit) *Task {
	return &Task{interval: unit.duration(interval)}
}

// Do sets the task's name and body and returns the task for
// Scheduler.Add chaining.
func (t *Task) Do(name string, run func()) *Task {
	t.name = name
	t.run = run
	return t
}

// Name returns the task's name.
func (t *Task) Name() string { return t.name }

// Interval returns the task's recurrence interval.
func (t *Task) Interval() time.Duration { return t.interval }

// Scheduler owns a set of fixed-interval tasks, one goroutine each,
// started together and stopped together.
type Scheduler struct {
	mu      sync.Mutex
	tasks   []*Task
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewScheduler returns an empty, stopped Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Add registers a task; allowed only before Start.
func (s *Scheduler) Add(t *Task) *Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
	return s
}

// Count returns the number of registered tasks.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Start launches one goroutine per task. A task without a body or with
// a non-positive interval is a programming error surfaced here rather
// than a silent no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("tasks: scheduler already started")
	}
	for _, t := range s.tasks {
		if t.run == nil {
			return errors.Errorf("tasks: task %q has no body", t.name)
		}
		if t.interval <= 0 {
			return errors.Errorf("tasks: task %q has a non-positive interval", t.name)
		}
	}

	s.stop = make(chan struct{})
	s.running = true
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.runTask(t)
	}
	logger.KV(xlog.DEBUG, "status", "started", "count", len(s.tasks))
	return nil
}

// Stop halts every task goroutine and waits for in-flight runs to
// finish. Safe to call more than once.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// runTask fires t on its interval until Stop. A panicking task body is
// recovered and logged so one bad job cannot take the process down.
func (s *Scheduler) runTask(t *Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.invoke(t)
		}
	}
}

func (s *Scheduler) invoke(t *Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.KV(xlog.ERROR, "reason", "task_panic", "task", t.name, "err", r)
		}
	}()
	t.run()
}
