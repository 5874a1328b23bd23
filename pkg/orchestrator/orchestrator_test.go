package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autosync-hq/actual-autosync/pkg/banksync"
	"github.com/autosync-hq/actual-autosync/pkg/budget"
	"github.com/autosync-hq/actual-autosync/pkg/budget/mocks"
	"github.com/autosync-hq/actual-autosync/pkg/logger"
	"github.com/autosync-hq/actual-autosync/pkg/models"
	"github.com/autosync-hq/actual-autosync/pkg/retry"
)

func server(name string) models.ServerConfig {
	return models.ServerConfig{
		Name:     name,
		URL:      "http://" + name + ".local",
		Password: "pw",
		SyncID:   "sync-" + name,
		DataDir:  "data/" + name,
	}
}

var fastPolicy = models.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond}

// routingRunner runs a real workflow against a per-server mock client
type routingRunner struct {
	mu        sync.Mutex
	clients   map[string]*mocks.Client
	workflows map[string]*banksync.Workflow
	order     []string
	policies  map[string]models.RetryPolicy
}

func newRoutingRunner(clients map[string]*mocks.Client) *routingRunner {
	log := &logger.EmptyLogger{}
	executor := retry.NewExecutor(log, retry.WithSleep(func(context.Context, time.Duration) error { return nil }))

	r := &routingRunner{
		clients:   clients,
		workflows: make(map[string]*banksync.Workflow),
		policies:  make(map[string]models.RetryPolicy),
	}
	for name, client := range clients {
		r.workflows[name] = banksync.NewWorkflow(client, executor, log)
	}
	return r
}

func (r *routingRunner) Run(ctx context.Context, server models.ServerConfig, policy models.RetryPolicy, correlationID string) *models.SyncAttempt {
	r.mu.Lock()
	r.order = append(r.order, server.Name)
	r.policies[server.Name] = policy
	r.mu.Unlock()
	return r.workflows[server.Name].Run(ctx, server, policy, correlationID)
}

type recordingCollaborators struct {
	mu        sync.Mutex
	history   []*models.SyncAttempt
	observed  []int
	notified  []int
	historyFn func() error
}

func (c *recordingCollaborators) Record(_ context.Context, attempt *models.SyncAttempt) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, attempt)
	if c.historyFn != nil {
		return c.historyFn()
	}
	return nil
}

func (c *recordingCollaborators) ObserveAttempt(_ *models.SyncAttempt, streak int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observed = append(c.observed, streak)
}

func (c *recordingCollaborators) SetInProgress(bool) {}

func (c *recordingCollaborators) Notify(_ context.Context, _ *models.SyncAttempt, streak int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notified = append(c.notified, streak)
	return errors.New("webhook down")
}

type healthLog struct {
	mu     sync.Mutex
	health []string
}

func (h *healthLog) BeginRun() { h.add("begin") }
func (h *healthLog) EndRun()   { h.add("end") }

func (h *healthLog) Record(attempt *models.SyncAttempt, _ int) {
	h.add(attempt.ServerName + ":" + string(attempt.Status))
}

func (h *healthLog) add(event string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.health = append(h.health, event)
}

func newTestOrchestrator(t *testing.T, servers []models.ServerConfig, runner Runner, opts ...Option) *Orchestrator {
	o := New(servers, fastPolicy, runner, &logger.EmptyLogger{}, opts...)
	t.Cleanup(o.Close)
	return o
}

func TestRunAllSingleServerSuccess(t *testing.T) {
	runner := newRoutingRunner(map[string]*mocks.Client{
		"A": mocks.NewClient(mocks.NewAccounts(3)...),
	})
	o := newTestOrchestrator(t, []models.ServerConfig{server("A")}, runner)

	attempts, err := o.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, attempts, 1)

	a := attempts[0]
	assert.Equal(t, "A", a.ServerName)
	assert.Equal(t, models.StatusSuccess, a.Status)
	assert.Equal(t, 3, a.AccountsProcessed)
	assert.Empty(t, a.FailedAccounts)
}

func TestRunAllContinuesAfterFailure(t *testing.T) {
	clientA := mocks.NewClient(mocks.NewAccounts(2)...)
	clientA.ConnectErrs = []error{budget.NewAPIError("connect", 401, "bad password")}
	clientB := mocks.NewClient(mocks.NewAccounts(2)...)

	runner := newRoutingRunner(map[string]*mocks.Client{"A": clientA, "B": clientB})
	o := newTestOrchestrator(t, []models.ServerConfig{server("A"), server("B")}, runner)

	attempts, err := o.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, attempts, 2)

	assert.Equal(t, "A", attempts[0].ServerName)
	assert.Equal(t, models.StatusFailure, attempts[0].Status)
	assert.Empty(t, attempts[0].SucceededAccounts)
	assert.Empty(t, attempts[0].FailedAccounts)
	assert.Equal(t, 1, clientA.CallCount(mocks.OpDisconnect))

	assert.Equal(t, "B", attempts[1].ServerName)
	assert.Equal(t, models.StatusSuccess, attempts[1].Status)
}

func TestRunAllContainsPanics(t *testing.T) {
	names := []string{"S1", "S2", "S3", "S4"}
	for panicking := range names {
		t.Run(names[panicking], func(t *testing.T) {
			clients := make(map[string]*mocks.Client)
			servers := make([]models.ServerConfig, 0, len(names))
			for i, name := range names {
				c := mocks.NewClient(mocks.NewAccounts(1)...)
				if i == panicking {
					c.PanicOn = mocks.OpBankSync
				}
				clients[name] = c
				servers = append(servers, server(name))
			}
			ids := make(chan string, len(names))
			for _, name := range names {
				ids <- name + "-corr"
			}
			o := newTestOrchestrator(t, servers, newRoutingRunner(clients),
				WithIDGenerator(func() string { return <-ids }))

			attempts, err := o.RunAll(context.Background())
			require.NoError(t, err)
			require.Len(t, attempts, len(names))
			for i, a := range attempts {
				assert.Equal(t, names[i], a.ServerName)
				if i == panicking {
					assert.Equal(t, models.StatusFailure, a.Status)
					assert.Equal(t, string(budget.CodeInternal), a.ErrorCode)
					assert.Contains(t, a.Error, "mock panic in bankSync")
					assert.Equal(t, names[i]+"-corr", a.CorrelationID, "keeps the id the workflow logged under")
					assert.Equal(t, 1, clients[names[i]].CallCount(mocks.OpDisconnect), "session released while unwinding")
				} else {
					assert.Equal(t, models.StatusSuccess, a.Status)
				}
			}
		})
	}
}

func TestRunOne(t *testing.T) {
	runner := newRoutingRunner(map[string]*mocks.Client{
		"Main":  mocks.NewClient(mocks.NewAccounts(1)...),
		"Other": mocks.NewClient(mocks.NewAccounts(1)...),
	})
	o := newTestOrchestrator(t, []models.ServerConfig{server("Main"), server("Other")}, runner)

	attempt, err := o.RunOne(context.Background(), "Other")
	require.NoError(t, err)
	assert.Equal(t, "Other", attempt.ServerName)
	assert.Equal(t, []string{"Other"}, runner.order)
}

func TestRunOneNotFound(t *testing.T) {
	client := mocks.NewClient()
	runner := newRoutingRunner(map[string]*mocks.Client{"Main": client})
	o := newTestOrchestrator(t, []models.ServerConfig{server("Main")}, runner)

	attempt, err := o.RunOne(context.Background(), "Nonexistent")
	assert.Nil(t, attempt)
	assert.ErrorIs(t, err, ErrServerNotFound)
	assert.Empty(t, runner.order)
	assert.Empty(t, client.Calls)
}

func TestRunAllResolvesPolicyPerServer(t *testing.T) {
	retries := 4
	delay := 250
	withOverride := server("Custom")
	withOverride.Sync = &models.SyncOverride{MaxRetries: &retries, BaseRetryDelayMs: &delay}

	runner := newRoutingRunner(map[string]*mocks.Client{
		"Default": mocks.NewClient(),
		"Custom":  mocks.NewClient(),
	})
	o := newTestOrchestrator(t, []models.ServerConfig{server("Default"), withOverride}, runner)

	_, err := o.RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fastPolicy, runner.policies["Default"])
	assert.Equal(t, models.RetryPolicy{MaxRetries: 4, BaseDelay: 250 * time.Millisecond}, runner.policies["Custom"])
}

func TestReportsToCollaborators(t *testing.T) {
	clientA := mocks.NewClient(mocks.NewAccounts(1)...)
	clientA.ConnectErrs = []error{
		budget.NewAPIError("connect", 401, "bad password"),
		budget.NewAPIError("connect", 401, "bad password"),
	}
	runner := newRoutingRunner(map[string]*mocks.Client{
		"A": clientA,
		"B": mocks.NewClient(mocks.NewAccounts(1)...),
	})

	collab := &recordingCollaborators{historyFn: func() error { return errors.New("disk full") }}
	health := &healthLog{}
	o := newTestOrchestrator(t, []models.ServerConfig{server("A"), server("B")}, runner,
		WithHistory(collab), WithMetrics(collab), WithNotifier(collab), WithHealth(health))

	for i := 0; i < 3; i++ {
		attempts, err := o.RunAll(context.Background())
		require.NoError(t, err, "collaborator errors never abort the run")
		require.Len(t, attempts, 2)
	}

	assert.Len(t, collab.history, 6)
	// A fails twice then recovers, B always succeeds
	assert.Equal(t, []int{1, 0, 2, 0, 0, 0}, collab.observed)
	assert.Equal(t, collab.observed, collab.notified)

	assert.Equal(t, []string{
		"begin", "A:failure", "B:success", "end",
		"begin", "A:failure", "B:success", "end",
		"begin", "A:success", "B:success", "end",
	}, health.health)
}

// blockingRunner tracks how many workflows run at once
type blockingRunner struct {
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32
}

func (r *blockingRunner) Run(_ context.Context, server models.ServerConfig, _ models.RetryPolicy, correlationID string) *models.SyncAttempt {
	r.calls.Add(1)
	n := r.inFlight.Add(1)
	for {
		cur := r.maxInFlight.Load()
		if n <= cur || r.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	r.inFlight.Add(-1)

	a := models.NewSyncAttempt(server.Name, correlationID, time.Now())
	a.Status = models.StatusSuccess
	return a
}

func TestSingleFlight(t *testing.T) {
	runner := &blockingRunner{}
	o := newTestOrchestrator(t, []models.ServerConfig{server("A"), server("B"), server("C")}, runner)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			attempts, err := o.RunAll(context.Background())
			assert.NoError(t, err)
			assert.Len(t, attempts, 3)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(12), runner.calls.Load())
	assert.Equal(t, int32(1), runner.maxInFlight.Load())
}

type nilRunner struct{}

func (nilRunner) Run(context.Context, models.ServerConfig, models.RetryPolicy, string) *models.SyncAttempt {
	return nil
}

func TestNilAttemptBecomesFailure(t *testing.T) {
	o := newTestOrchestrator(t, []models.ServerConfig{server("A")}, nilRunner{})

	attempts, err := o.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.StatusFailure, attempts[0].Status)
	assert.Equal(t, string(budget.CodeInternal), attempts[0].ErrorCode)
}

func TestRunAfterClose(t *testing.T) {
	o := New([]models.ServerConfig{server("A")}, fastPolicy, nilRunner{}, &logger.EmptyLogger{})
	o.Close()
	o.Close()

	_, err := o.RunAll(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRunCanceledBeforeAccepted(t *testing.T) {
	o := New([]models.ServerConfig{server("A")}, fastPolicy, nilRunner{}, &logger.EmptyLogger{})
	o.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.RunAll(ctx)
	assert.Error(t, err)
}

type panickingHistory struct{}

func (panickingHistory) Record(context.Context, *models.SyncAttempt) error {
	panic("history store gone")
}

func TestCollaboratorPanicDoesNotStopRun(t *testing.T) {
	runner := newRoutingRunner(map[string]*mocks.Client{
		"A": mocks.NewClient(mocks.NewAccounts(1)...),
		"B": mocks.NewClient(mocks.NewAccounts(1)...),
	})
	collab := &recordingCollaborators{}
	health := &healthLog{}
	o := newTestOrchestrator(t, []models.ServerConfig{server("A"), server("B")}, runner,
		WithHistory(panickingHistory{}), WithMetrics(collab), WithNotifier(collab), WithHealth(health))

	attempts, err := o.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, []string{"A", "B"}, runner.order)
	assert.Equal(t, []int{0, 0}, collab.observed)
	assert.Equal(t, []int{0, 0}, collab.notified)
	assert.Equal(t, []string{"begin", "A:success", "B:success", "end"}, health.health)

	// the worker survived and accepts the next run
	attempts, err = o.RunAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
}

// cancelingRunner cancels the run's context around one server
type cancelingRunner struct {
	inner  Runner
	server string
	before bool
	cancel context.CancelFunc
}

func (r *cancelingRunner) Run(ctx context.Context, server models.ServerConfig, policy models.RetryPolicy, correlationID string) *models.SyncAttempt {
	if server.Name == r.server && r.before {
		r.cancel()
	}
	attempt := r.inner.Run(ctx, server, policy, correlationID)
	if server.Name == r.server && !r.before {
		r.cancel()
	}
	return attempt
}

func TestCanceledRunSkipsRemainingServers(t *testing.T) {
	runner := newRoutingRunner(map[string]*mocks.Client{
		"A": mocks.NewClient(mocks.NewAccounts(1)...),
		"B": mocks.NewClient(mocks.NewAccounts(1)...),
		"C": mocks.NewClient(mocks.NewAccounts(1)...),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collab := &recordingCollaborators{}
	o := newTestOrchestrator(t, []models.ServerConfig{server("A"), server("B"), server("C")},
		&cancelingRunner{inner: runner, server: "A", cancel: cancel},
		WithHistory(collab), WithMetrics(collab), WithNotifier(collab))

	attempts, err := o.RunAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.StatusSuccess, attempts[0].Status)
	assert.Equal(t, []string{"A"}, runner.order)
	assert.Len(t, collab.history, 1)
	assert.Equal(t, []int{0}, collab.notified)
}

func TestInterruptedAttemptIsNotAFailure(t *testing.T) {
	clientA := mocks.NewClient(mocks.NewAccounts(1)...)
	clientA.ConnectErrs = []error{context.Canceled}
	runner := newRoutingRunner(map[string]*mocks.Client{
		"A": clientA,
		"B": mocks.NewClient(mocks.NewAccounts(1)...),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collab := &recordingCollaborators{}
	health := &healthLog{}
	o := newTestOrchestrator(t, []models.ServerConfig{server("A"), server("B")},
		&cancelingRunner{inner: runner, server: "A", before: true, cancel: cancel},
		WithHistory(collab), WithMetrics(collab), WithNotifier(collab), WithHealth(health))

	attempts, err := o.RunAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.StatusFailure, attempts[0].Status)
	assert.Equal(t, string(budget.CodeCanceled), attempts[0].ErrorCode)
	assert.Equal(t, 1, clientA.CallCount(mocks.OpDisconnect))

	require.Len(t, collab.history, 1, "kept in history")
	assert.Empty(t, collab.observed)
	assert.Empty(t, collab.notified)
	assert.Equal(t, []string{"begin", "end"}, health.health)

	// no streak was started, so the next failure is the first one
	clientA.ConnectErrs = []error{
		budget.NewAPIError("connect", 401, "bad password"),
	}
	_, err = o.RunOne(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, collab.observed)
}
