// Package scheduler wraps robfig/cron for the periodic jobs the backend
// runs: the schedule evaluation tick and the daily sun-time refresh.
package scheduler

import (
	"log"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler manages time-based triggers.
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]cron.EntryID
	jobsMux sync.Mutex
}

// New creates a scheduler.
func New() *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		jobs: make(map[string]cron.EntryID),
	}
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Println("SCHEDULER: Cron scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Println("SCHEDULER: Cron scheduler stopped")
}

// AddJob registers a named cron job. Registering the same name again
// replaces the previous job.
func (s *Scheduler) AddJob(name, spec string, fn func()) error {
	entryID, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		log.Printf("SCHEDULER: Failed to schedule job %s with spec '%s': %v", name, spec, err)
		return err
	}

	s.jobsMux.Lock()
	if old, exists := s.jobs[name]; exists {
		s.cron.Remove(old)
	}
	s.jobs[name] = entryID
	s.jobsMux.Unlock()

	log.Printf("SCHEDULER: Scheduled job %s with spec '%s' (entry ID: %d)", name, spec, entryID)
	return nil
}

// JobCount returns the number of registered jobs.
func (s *Scheduler) JobCount() int {
	s.jobsMux.Lock()
	defer s.jobsMux.Unlock()
	return len(s.jobs)
}
