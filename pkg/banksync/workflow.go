// Package banksync drives the fixed sequence of remote calls that bank-syncs one server.
package banksync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/autosync-hq/actual-autosync/pkg/budget"
	"github.com/autosync-hq/actual-autosync/pkg/logger"
	"github.com/autosync-hq/actual-autosync/pkg/models"
	"github.com/autosync-hq/actual-autosync/pkg/retry"
)

// Operation names used for logging and retry metrics
const (
	OpConnect     = "connect"
	OpDownload    = "download budget"
	OpListAccount = "list accounts"
	OpInitialSync = "initial sync"
	OpBankSync    = "bank sync"
	OpFinalSync   = "final sync"
	OpDisconnect  = "disconnect"
)

// CodeAllAccountsFailed is the attempt error code when no account could be synced
const CodeAllAccountsFailed = "ALL_ACCOUNTS_FAILED"

const (
	// DefaultOperationTimeout bounds a single remote call
	DefaultOperationTimeout = 5 * time.Minute

	// DefaultDisconnectTimeout bounds the cleanup call, which runs on a fresh context
	DefaultDisconnectTimeout = 30 * time.Second
)

// Workflow runs connect, download, list accounts, initial sync, per-account
// bank sync, final sync and disconnect against one server.
type Workflow struct {
	client            budget.Client
	executor          *retry.Executor
	logger            logger.Logger
	opTimeout         time.Duration
	disconnectTimeout time.Duration
	now               func() time.Time
	newID             func() string
}

// Option configures a Workflow
type Option func(*Workflow)

// WithOperationTimeout sets the per-call timeout. Zero disables it.
func WithOperationTimeout(d time.Duration) Option {
	return func(w *Workflow) {
		w.opTimeout = d
	}
}

// WithDisconnectTimeout sets the timeout of the cleanup call
func WithDisconnectTimeout(d time.Duration) Option {
	return func(w *Workflow) {
		w.disconnectTimeout = d
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		w.now = now
	}
}

// WithIDGenerator replaces the correlation id source
func WithIDGenerator(newID func() string) Option {
	return func(w *Workflow) {
		w.newID = newID
	}
}

// NewWorkflow creates a new bank sync workflow
func NewWorkflow(client budget.Client, executor *retry.Executor, logger logger.Logger, opts ...Option) *Workflow {
	w := &Workflow{
		client:            client,
		executor:          executor,
		logger:            logger,
		opTimeout:         DefaultOperationTimeout,
		disconnectTimeout: DefaultDisconnectTimeout,
		now:               time.Now,
		newID:             uuid.NewString,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// run is the state of a single invocation. The session belongs to it alone.
type run struct {
	*Workflow
	server   models.ServerConfig
	policy   models.RetryPolicy
	executor *retry.Executor
	tag      string
	session  *budget.Session
	attempt  *models.SyncAttempt
}

// Run synchronizes one server and returns the finished attempt. Failures are
// reported through the attempt, never as an error. Disconnect runs exactly once
// on every path, including when Connect failed. An empty correlationID gets a
// generated one.
func (w *Workflow) Run(ctx context.Context, server models.ServerConfig, policy models.RetryPolicy, correlationID string) *models.SyncAttempt {
	if correlationID == "" {
		correlationID = w.newID()
	}
	r := &run{
		Workflow: w,
		server:   server,
		policy:   policy,
		tag:      logTag(server.Name, correlationID),
		attempt:  models.NewSyncAttempt(server.Name, correlationID, w.now()),
	}
	r.executor = w.executor.ForServer(r.tag)

	w.logger.InfoWithServer(r.tag, "Starting bank sync (max retries %d, base delay %v)", policy.MaxRetries, policy.BaseDelay)

	defer r.disconnect()
	r.execute(ctx)

	r.attempt.Finish(w.now())
	r.logResult()
	return r.attempt
}

func (r *run) execute(ctx context.Context) {
	session, err := retry.Do(ctx, r.executor, OpConnect, r.policy, func(ctx context.Context) (*budget.Session, error) {
		ctx, cancel := r.withTimeout(ctx)
		defer cancel()
		return r.client.Connect(ctx, budget.ParamsFor(r.server))
	})
	if err != nil {
		r.fail(OpConnect, err)
		return
	}
	r.session = session
	r.logger.DebugWithServer(r.tag, "Connected to %s", r.server.URL)

	err = r.executor.Execute(ctx, OpDownload, r.policy, func(ctx context.Context) error {
		ctx, cancel := r.withTimeout(ctx)
		defer cancel()
		return r.client.DownloadBudget(ctx, r.session, r.server.SyncID)
	})
	if err != nil {
		r.fail(OpDownload, err)
		return
	}
	r.logger.DebugWithServer(r.tag, "Downloaded budget %s", r.server.SyncID)

	// listing reads the already-open budget, so it is not retried
	listCtx, cancel := r.withTimeout(ctx)
	accounts, err := r.client.ListAccounts(listCtx, r.session)
	cancel()
	if err != nil {
		r.fail(OpListAccount, err)
		return
	}
	r.logger.InfoWithServer(r.tag, "Found %d accounts", len(accounts))

	if err := r.syncFile(ctx, OpInitialSync); err != nil {
		r.fail(OpInitialSync, err)
		return
	}

	for _, account := range accounts {
		r.attempt.RecordAccount(r.syncAccount(ctx, account))
	}

	finalErr := r.syncFile(ctx, OpFinalSync)
	if finalErr != nil {
		r.attempt.FinalSyncError = finalErr.Error()
		r.logger.ErrorWithServer(r.tag, "Final sync failed: %v", finalErr)
	}

	r.deriveStatus(len(accounts), finalErr)
}

// deriveStatus sets the status once all accounts were attempted
func (r *run) deriveStatus(total int, finalErr error) {
	succeeded := len(r.attempt.SucceededAccounts)
	failed := len(r.attempt.FailedAccounts)

	switch {
	case total > 0 && succeeded == 0:
		r.attempt.Fail(fmt.Sprintf("all %d accounts failed to sync", total), CodeAllAccountsFailed)
	case finalErr != nil && succeeded == 0:
		r.fail(OpFinalSync, finalErr)
	case finalErr != nil || failed > 0:
		r.attempt.Status = models.StatusPartial
	default:
		r.attempt.Status = models.StatusSuccess
	}
}

func (r *run) syncFile(ctx context.Context, op string) error {
	return r.executor.Execute(ctx, op, r.policy, func(ctx context.Context) error {
		ctx, cancel := r.withTimeout(ctx)
		defer cancel()
		return r.client.SyncFile(ctx, r.session)
	})
}

// syncAccount bank-syncs one account. Its error stays inside the outcome.
func (r *run) syncAccount(ctx context.Context, account models.Account) models.AccountSyncOutcome {
	outcome := models.AccountSyncOutcome{
		AccountID:   account.ID,
		AccountName: account.Name,
	}

	err := r.executor.Execute(ctx, OpBankSync, r.policy, func(ctx context.Context) error {
		ctx, cancel := r.withTimeout(ctx)
		defer cancel()
		return r.client.SyncAccountBankData(ctx, r.session, account.ID)
	})
	if err != nil {
		outcome.Error = err.Error()
		outcome.ErrorCode = string(budget.CodeOf(err))
		r.logger.ErrorWithServer(r.tag, "Bank sync failed for account %s: %v", account.DisplayName(), err)
		return outcome
	}

	outcome.Succeeded = true
	r.logger.DebugWithServer(r.tag, "Bank sync completed for account %s", account.DisplayName())
	return outcome
}

func (r *run) fail(op string, err error) {
	r.attempt.Fail(fmt.Sprintf("%s failed: %v", op, err), string(budget.CodeOf(err)))
	r.logger.ErrorWithServer(r.tag, "%s failed: %v", op, err)
}

// disconnect is best effort: its error is logged and never replaces an earlier one
func (r *run) disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), r.disconnectTimeout)
	defer cancel()

	if err := r.client.Disconnect(ctx, r.session); err != nil {
		r.logger.ErrorWithServer(r.tag, "Disconnect failed: %v", err)
		return
	}
	r.logger.DebugWithServer(r.tag, "Disconnected")
}

func (r *run) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.opTimeout)
}

func (r *run) logResult() {
	a := r.attempt
	switch a.Status {
	case models.StatusSuccess:
		r.logger.InfoWithServer(r.tag, "Bank sync succeeded: %d accounts in %v", a.AccountsProcessed, a.Duration())
	case models.StatusPartial:
		r.logger.NoticeWithServer(r.tag, "Bank sync partially succeeded: %d/%d accounts in %v",
			len(a.SucceededAccounts), a.AccountsProcessed, a.Duration())
	default:
		r.logger.ErrorWithServer(r.tag, "Bank sync failed after %v: %s", a.Duration(), a.Error)
	}
}

func logTag(server, correlationID string) string {
	if len(correlationID) > 8 {
		correlationID = correlationID[:8]
	}
	return server + " " + correlationID
}
