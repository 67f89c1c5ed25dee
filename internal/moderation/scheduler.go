package moderation

import (
	"sync"
	"time"
)

type job struct {
	timer *time.Timer
}

// Scheduler runs one-shot jobs keyed by message id. At most one job is
// pending per key.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*job
	stopped bool
	wg      sync.WaitGroup
}

func NewScheduler() *Scheduler {
	return &Scheduler{jobs: make(map[string]*job)}
}

// Schedule arms fn to run after delay. It returns false when a job for key
// is already pending or the scheduler has been stopped.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if _, ok := s.jobs[key]; ok {
		return false
	}

	j := &job{}
	s.wg.Add(1)
	j.timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		if s.jobs[key] != j {
			s.mu.Unlock()
			return
		}
		delete(s.jobs, key)
		s.mu.Unlock()
		fn()
	})
	s.jobs[key] = j
	return true
}

// Cancel drops the pending job for key, if any.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok {
		return false
	}
	delete(s.jobs, key)
	if j.timer.Stop() {
		s.wg.Done()
	}
	return true
}

// Pending returns the number of armed jobs.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Stop cancels every pending job and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for key, j := range s.jobs {
		delete(s.jobs, key)
		if j.timer.Stop() {
			s.wg.Done()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}
