package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"rai/internal/logger"
)

const jobTimeout = 5 * time.Minute

// JobFunc is the body of a scheduled job
type JobFunc func(ctx context.Context) error

// Scheduler runs named maintenance jobs on cron expressions with a leading
// seconds field.
type Scheduler struct {
	cron    *cron.Cron
	parser  cron.Parser
	jobs    map[string]cron.EntryID
	funcs   map[string]JobFunc
	mu      sync.RWMutex
	running bool
}

// NewScheduler creates an idle scheduler
func NewScheduler() *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		parser: cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:   make(map[string]cron.EntryID),
		funcs:  make(map[string]JobFunc),
	}
}

// Start begins firing jobs until ctx is cancelled or Stop is called
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.cron.Start()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	logger.Infof("Cron scheduler started with %d jobs", len(s.List()))
}

// Stop halts the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	<-s.cron.Stop().Done()
	s.running = false
	logger.Infof("Cron scheduler stopped")
}

// AddJob schedules fn under name, replacing a job of the same name
func (s *Scheduler) AddJob(name, expression string, fn JobFunc) error {
	schedule, err := s.parser.Parse(expression)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.jobs[name]; ok {
		s.cron.Remove(entryID)
	}

	s.jobs[name] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		s.run(ctx, name, fn)
	}))
	s.funcs[name] = fn
	return nil
}

func (s *Scheduler) run(ctx context.Context, name string, fn JobFunc) error {
	logger.Debugf("Executing cron job %s", name)
	err := fn(ctx)
	if err != nil {
		logger.Errorf("Cron job %s failed: %v", name, err)
	}
	return err
}

// RemoveJob unschedules a job
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.jobs[name]; ok {
		s.cron.Remove(entryID)
		delete(s.jobs, name)
		delete(s.funcs, name)
	}
}

// RunNow executes a scheduled job immediately
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	fn, ok := s.funcs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.run(ctx, name, fn)
}

// List returns the names of scheduled jobs
func (s *Scheduler) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// NextRun returns when a job fires next. It is zero until the scheduler starts.
func (s *Scheduler) NextRun(name string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entryID, ok := s.jobs[name]
	if !ok {
		return time.Time{}, fmt.Errorf("job %s not found", name)
	}
	return s.cron.Entry(entryID).Next, nil
}
