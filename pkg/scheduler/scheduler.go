// Package scheduler triggers sync runs from cron expressions and manual requests.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/autosync-hq/actual-autosync/pkg/health"
	"github.com/autosync-hq/actual-autosync/pkg/logger"
	"github.com/autosync-hq/actual-autosync/pkg/models"
	"github.com/autosync-hq/actual-autosync/pkg/orchestrator"
)

// Runner is the orchestrator surface the scheduler drives
type Runner interface {
	RunAll(ctx context.Context) ([]*models.SyncAttempt, error)
	RunServers(ctx context.Context, servers []models.ServerConfig) ([]*models.SyncAttempt, error)
	Lookup(name string) (models.ServerConfig, error)
	Servers() []models.ServerConfig
}

// Entry describes one registered schedule
type Entry struct {
	Name     string
	Schedule string
	ID       cron.EntryID
}

// Scheduler owns the cron instance. Every sync it starts goes through the
// runner, which serializes runs.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	logger  logger.Logger
	entries []Entry

	mu      sync.Mutex
	ctx     context.Context
	pending sync.WaitGroup
}

var _ health.SyncTrigger = (*Scheduler)(nil)

// ParseSchedule validates a standard five-field cron expression
func ParseSchedule(spec string) (cron.Schedule, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return schedule, nil
}

// New registers one entry for globalSchedule covering the servers without their
// own schedule, and one entry per server that has one.
func New(runner Runner, globalSchedule string, logger logger.Logger) (*Scheduler, error) {
	s := &Scheduler{
		runner: runner,
		logger: logger,
		ctx:    context.Background(),
	}
	s.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{logger: logger})))

	var global []models.ServerConfig
	for _, server := range runner.Servers() {
		if !server.HasSchedule() {
			global = append(global, server)
			continue
		}
		server := server
		if err := s.add("server "+server.Name, server.Sync.Schedule, func() {
			s.run([]models.ServerConfig{server})
		}); err != nil {
			return nil, err
		}
	}

	if len(global) > 0 {
		if err := s.add("global", globalSchedule, func() {
			s.run(global)
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name, spec string, fn func()) error {
	if _, err := ParseSchedule(spec); err != nil {
		return fmt.Errorf("%s schedule: %w", name, err)
	}
	id, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("failed to register %s schedule: %w", name, err)
	}
	s.entries = append(s.entries, Entry{Name: name, Schedule: spec, ID: id})
	return nil
}

// AddJob registers an extra maintenance job, such as history pruning
func (s *Scheduler) AddJob(name, spec string, fn func(ctx context.Context)) error {
	return s.add(name, spec, func() {
		fn(s.context())
	})
}

// Entries lists the registered schedules in registration order
func (s *Scheduler) Entries() []Entry {
	return append([]Entry(nil), s.entries...)
}

// Start begins firing entries. Runs started later use ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	for _, e := range s.entries {
		s.logger.Info("Scheduled %s with %q, next run at %v", e.Name, e.Schedule, s.cron.Entry(e.ID).Schedule.Next(timeNow()))
	}
	s.cron.Start()
}

// Stop stops firing entries and waits for running jobs and manual triggers
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.pending.Wait()
}

// TriggerNow force-runs every server in the background
func (s *Scheduler) TriggerNow() {
	s.background(func(ctx context.Context) {
		if _, err := s.runner.RunAll(ctx); err != nil {
			s.logger.Error("Forced sync did not complete: %v", err)
		}
	})
}

// Trigger force-runs one server, or all of them when server is empty, in the background
func (s *Scheduler) Trigger(server string) error {
	if server == "" {
		s.TriggerNow()
		return nil
	}

	cfg, err := s.runner.Lookup(server)
	if err != nil {
		if errors.Is(err, orchestrator.ErrServerNotFound) {
			return fmt.Errorf("%w: %s", health.ErrUnknownServer, server)
		}
		return err
	}
	s.background(func(ctx context.Context) {
		if _, err := s.runner.RunServers(ctx, []models.ServerConfig{cfg}); err != nil {
			s.logger.ErrorWithServer(server, "Forced sync did not complete: %v", err)
		}
	})
	return nil
}

func (s *Scheduler) run(servers []models.ServerConfig) {
	if _, err := s.runner.RunServers(s.context(), servers); err != nil {
		s.logger.Error("Scheduled sync did not complete: %v", err)
	}
}

func (s *Scheduler) background(fn func(ctx context.Context)) {
	ctx := s.context()
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		fn(ctx)
	}()
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}
