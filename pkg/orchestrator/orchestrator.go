// Package orchestrator runs the bank sync workflow over every configured server,
// one server at a time, and reports each attempt to its collaborators.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autosync-hq/actual-autosync/pkg/budget"
	"github.com/autosync-hq/actual-autosync/pkg/logger"
	"github.com/autosync-hq/actual-autosync/pkg/models"
	"github.com/autosync-hq/actual-autosync/pkg/retry"
)

var (
	// ErrServerNotFound is returned by RunOne for an unknown server name
	ErrServerNotFound = errors.New("server not found")

	// ErrStopped is returned when a run is requested after Close
	ErrStopped = errors.New("orchestrator stopped")
)

// reportTimeout bounds the collaborator calls made after each attempt
const reportTimeout = 30 * time.Second

// Runner executes the workflow for one server. The returned attempt carries correlationID.
type Runner interface {
	Run(ctx context.Context, server models.ServerConfig, policy models.RetryPolicy, correlationID string) *models.SyncAttempt
}

// HistoryRecorder persists finished attempts
type HistoryRecorder interface {
	Record(ctx context.Context, attempt *models.SyncAttempt) error
}

// MetricsRecorder exports attempt outcomes
type MetricsRecorder interface {
	ObserveAttempt(attempt *models.SyncAttempt, consecutiveFailures int)
	SetInProgress(running bool)
}

// Notifier decides whether and how to tell a human about an attempt
type Notifier interface {
	Notify(ctx context.Context, attempt *models.SyncAttempt, consecutiveFailures int) error
}

// HealthRecorder keeps the in-memory health summary
type HealthRecorder interface {
	BeginRun()
	EndRun()
	Record(attempt *models.SyncAttempt, consecutiveFailures int)
}

// Orchestrator owns a single worker goroutine. Every run, whatever triggered it,
// is queued to that worker, so two servers never sync at the same time.
type Orchestrator struct {
	servers  []models.ServerConfig
	policy   models.RetryPolicy
	runner   Runner
	history  HistoryRecorder
	metrics  MetricsRecorder
	notifier Notifier
	health   HealthRecorder
	logger   logger.Logger
	now      func() time.Time
	newID    func() string

	jobs     chan job
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	streaks map[string]int
}

type job struct {
	ctx     context.Context
	servers []models.ServerConfig
	done    chan []*models.SyncAttempt
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithHistory sets the history collaborator
func WithHistory(h HistoryRecorder) Option {
	return func(o *Orchestrator) {
		o.history = h
	}
}

// WithMetrics sets the metrics collaborator
func WithMetrics(m MetricsRecorder) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithNotifier sets the notification collaborator
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

// WithHealth sets the health status owner
func WithHealth(h HealthRecorder) Option {
	return func(o *Orchestrator) {
		o.health = h
	}
}

// WithIDGenerator replaces uuid.NewString for correlation ids
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) {
		o.newID = newID
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an orchestrator and starts its worker. Call Close to stop it.
// servers is read-only input, already validated by the configuration loader.
func New(servers []models.ServerConfig, policy models.RetryPolicy, runner Runner, logger logger.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		servers: append([]models.ServerConfig(nil), servers...),
		policy:  policy,
		runner:  runner,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
		jobs:    make(chan job),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		streaks: make(map[string]int),
	}
	for _, opt := range opts {
		opt(o)
	}

	go o.worker()
	return o
}

// Servers returns the configured servers in order
func (o *Orchestrator) Servers() []models.ServerConfig {
	return append([]models.ServerConfig(nil), o.servers...)
}

// Lookup returns the server with the given name
func (o *Orchestrator) Lookup(name string) (models.ServerConfig, error) {
	for _, server := range o.servers {
		if server.Name == name {
			return server, nil
		}
	}
	return models.ServerConfig{}, fmt.Errorf("%w: %q", ErrServerNotFound, name)
}

// RunAll syncs every configured server in configuration order and returns one
// attempt per server in that order.
func (o *Orchestrator) RunAll(ctx context.Context) ([]*models.SyncAttempt, error) {
	return o.RunServers(ctx, o.servers)
}

// RunOne syncs a single server by name. No workflow runs for an unknown name.
func (o *Orchestrator) RunOne(ctx context.Context, name string) (*models.SyncAttempt, error) {
	server, err := o.Lookup(name)
	if err != nil {
		return nil, err
	}
	attempts, err := o.RunServers(ctx, []models.ServerConfig{server})
	if err != nil {
		return nil, err
	}
	return attempts[0], nil
}

// RunServers queues a run for the given servers and waits for it to finish.
// It fails with ErrStopped after Close, and with ctx.Err() when ctx ended before
// every server was attempted; the attempts made so far are returned alongside.
func (o *Orchestrator) RunServers(ctx context.Context, servers []models.ServerConfig) ([]*models.SyncAttempt, error) {
	j := job{
		ctx:     ctx,
		servers: servers,
		done:    make(chan []*models.SyncAttempt, 1),
	}

	select {
	case o.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-o.quit:
		return nil, ErrStopped
	}

	// an accepted run always completes, so wait for it unconditionally
	attempts := <-j.done
	if len(attempts) < len(servers) {
		return attempts, ctx.Err()
	}
	return attempts, nil
}

// Close stops the worker after the run in progress, if any, has finished
func (o *Orchestrator) Close() {
	o.stopOnce.Do(func() {
		close(o.quit)
	})
	<-o.stopped
}

// worker is the single consumer of the jobs channel
func (o *Orchestrator) worker() {
	defer close(o.stopped)
	for {
		select {
		case <-o.quit:
			return
		case j := <-o.jobs:
			j.done <- o.execute(j.ctx, j.servers)
		}
	}
}

func (o *Orchestrator) execute(ctx context.Context, servers []models.ServerConfig) []*models.SyncAttempt {
	o.logger.Info("Starting sync run for %d servers", len(servers))
	started := o.now()
	if o.health != nil {
		o.guard("health run start", o.health.BeginRun)
	}
	if o.metrics != nil {
		o.guard("metrics run start", func() { o.metrics.SetInProgress(true) })
	}

	attempts := make([]*models.SyncAttempt, 0, len(servers))
	failures := 0
	for i, server := range servers {
		if ctx.Err() != nil {
			o.logger.Notice("Sync run canceled, skipping %d remaining servers", len(servers)-i)
			break
		}

		attempt := o.runServer(ctx, server)
		attempts = append(attempts, attempt)
		if ctx.Err() != nil && attempt.Status == models.StatusFailure {
			o.interrupted(attempt)
			continue
		}
		if attempt.Status == models.StatusFailure {
			failures++
		}
		o.report(attempt)
	}

	if o.metrics != nil {
		o.guard("metrics run end", func() { o.metrics.SetInProgress(false) })
	}
	if o.health != nil {
		o.guard("health run end", o.health.EndRun)
	}
	o.logger.Info("Sync run finished in %v: %d servers, %d failed", o.now().Sub(started), len(attempts), failures)
	return attempts
}

// runServer never panics and never returns nil
func (o *Orchestrator) runServer(ctx context.Context, server models.ServerConfig) (attempt *models.SyncAttempt) {
	startedAt := o.now()
	correlationID := o.newID()
	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorWithServer(server.Name, "Sync %s panicked: %v\n%s", correlationID, r, debug.Stack())
			attempt = o.failedAttempt(server.Name, correlationID, startedAt, fmt.Sprintf("unexpected error: %v", r))
		}
	}()

	policy := retry.ResolvePolicy(o.policy, server.Sync)
	attempt = o.runner.Run(ctx, server, policy, correlationID)
	if attempt == nil {
		attempt = o.failedAttempt(server.Name, correlationID, startedAt, "workflow returned no result")
	}
	return attempt
}

func (o *Orchestrator) failedAttempt(server, correlationID string, startedAt time.Time, msg string) *models.SyncAttempt {
	attempt := models.NewSyncAttempt(server, correlationID, startedAt)
	attempt.Fail(msg, string(budget.CodeInternal))
	attempt.Finish(o.now())
	return attempt
}

// report hands the attempt to every collaborator. Collaborator errors and
// panics are logged and never abort the run.
func (o *Orchestrator) report(attempt *models.SyncAttempt) {
	streak := o.updateStreak(attempt)

	// collaborators get their own context so a canceled run is still recorded
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	if o.history != nil {
		o.guard("history record of "+attempt.CorrelationID, func() {
			if err := o.history.Record(ctx, attempt); err != nil {
				o.logger.ErrorWithServer(attempt.ServerName, "Failed to record history for %s: %v", attempt.CorrelationID, err)
			}
		})
	}
	if o.metrics != nil {
		o.guard("metrics of "+attempt.CorrelationID, func() {
			o.metrics.ObserveAttempt(attempt, streak)
		})
	}
	if o.health != nil {
		o.guard("health record of "+attempt.CorrelationID, func() {
			o.health.Record(attempt, streak)
		})
	}
	if o.notifier != nil {
		o.guard("notification of "+attempt.CorrelationID, func() {
			if err := o.notifier.Notify(ctx, attempt, streak); err != nil {
				o.logger.ErrorWithServer(attempt.ServerName, "Failed to notify for %s: %v", attempt.CorrelationID, err)
			}
		})
	}
}

// interrupted handles an attempt cut short by our own cancellation. It is kept
// in history but does not count as a server failure, so it leaves the streak,
// metrics, health and notifications alone.
func (o *Orchestrator) interrupted(attempt *models.SyncAttempt) {
	attempt.ErrorCode = string(budget.CodeCanceled)
	o.logger.NoticeWithServer(attempt.ServerName, "Sync %s interrupted by cancellation", attempt.CorrelationID)
	if o.history == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	o.guard("history record of "+attempt.CorrelationID, func() {
		if err := o.history.Record(ctx, attempt); err != nil {
			o.logger.ErrorWithServer(attempt.ServerName, "Failed to record history for %s: %v", attempt.CorrelationID, err)
		}
	})
}

// guard runs one collaborator call, turning a panic into a log line
func (o *Orchestrator) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Panic in %s: %v\n%s", what, r, debug.Stack())
		}
	}()
	fn()
}

func (o *Orchestrator) updateStreak(attempt *models.SyncAttempt) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	if attempt.Status == models.StatusFailure {
		o.streaks[attempt.ServerName]++
	} else {
		o.streaks[attempt.ServerName] = 0
	}
	return o.streaks[attempt.ServerName]
}
