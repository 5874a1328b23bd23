package banksync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autosync-hq/actual-autosync/pkg/budget"
	"github.com/autosync-hq/actual-autosync/pkg/budget/mocks"
	"github.com/autosync-hq/actual-autosync/pkg/logger"
	"github.com/autosync-hq/actual-autosync/pkg/models"
	"github.com/autosync-hq/actual-autosync/pkg/retry"
)

var testServer = models.ServerConfig{
	Name:     "Main",
	URL:      "http://budget.local",
	Password: "secret",
	SyncID:   "sync-123",
	DataDir:  "data/Main",
}

var testPolicy = models.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestWorkflow(client budget.Client) *Workflow {
	log := &logger.EmptyLogger{}
	executor := retry.NewExecutor(log, retry.WithSleep(noSleep))
	return NewWorkflow(client, executor, log, WithIDGenerator(func() string { return "corr-1" }))
}

func notFound() error {
	return budget.NewAPIError("bank sync", 404, "account not found")
}

func TestRunAllAccountsSucceed(t *testing.T) {
	client := mocks.NewClient(mocks.NewAccounts(3)...)

	attempt := newTestWorkflow(client).Run(context.Background(), testServer, testPolicy, "")

	assert.Equal(t, "Main", attempt.ServerName)
	assert.Equal(t, models.StatusSuccess, attempt.Status)
	assert.Equal(t, 3, attempt.AccountsProcessed)
	assert.Equal(t, []string{"Account 1", "Account 2", "Account 3"}, attempt.SucceededAccounts)
	assert.Empty(t, attempt.FailedAccounts)
	assert.Empty(t, attempt.Error)
	assert.Equal(t, "corr-1", attempt.CorrelationID)

	assert.Equal(t, []string{
		mocks.OpConnect, mocks.OpDownload, mocks.OpList, mocks.OpSyncFile,
		mocks.OpBankSync, mocks.OpBankSync, mocks.OpBankSync,
		mocks.OpSyncFile, mocks.OpDisconnect,
	}, client.Calls)
	assert.Equal(t, []string{"acc-1", "acc-2", "acc-3"}, client.BankSyncCalls())
}

func TestRunPartialAccountFailures(t *testing.T) {
	tests := []struct {
		name   string
		total  int
		failed []string
	}{
		{"one of two", 2, []string{"acc-1"}},
		{"two of five", 5, []string{"acc-2", "acc-4"}},
		{"four of five", 5, []string{"acc-1", "acc-2", "acc-3", "acc-5"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := mocks.NewClient(mocks.NewAccounts(tt.total)...)
			for _, id := range tt.failed {
				client.BankSyncAlways[id] = notFound()
			}

			attempt := newTestWorkflow(client).Run(context.Background(), testServer, testPolicy, "")

			assert.Equal(t, models.StatusPartial, attempt.Status)
			assert.Equal(t, tt.total, attempt.AccountsProcessed)
			assert.Len(t, attempt.SucceededAccounts, tt.total-len(tt.failed))
			require.Len(t, attempt.FailedAccounts, len(tt.failed))
			for i, id := range tt.failed {
				assert.Equal(t, id, attempt.FailedAccounts[i].AccountID)
				assert.Equal(t, string(budget.CodeNotFound), attempt.FailedAccounts[i].ErrorCode)
			}
			assert.Empty(t, attempt.Error)
			assert.Equal(t, tt.total, client.CallCount(mocks.OpBankSync), "non-retryable account errors are not retried")
		})
	}
}

func TestRunAllAccountsFail(t *testing.T) {
	client := mocks.NewClient(mocks.NewAccounts(3)...)
	for _, account := range client.Accounts {
		client.BankSyncAlways[account.ID] = notFound()
	}

	attempt := newTestWorkflow(client).Run(context.Background(), testServer, testPolicy, "")

	assert.Equal(t, models.StatusFailure, attempt.Status)
	assert.Equal(t, 3, attempt.AccountsProcessed)
	assert.Empty(t, attempt.SucceededAccounts)
	assert.Len(t, attempt.FailedAccounts, 3)
	assert.Equal(t, CodeAllAccountsFailed, attempt.ErrorCode)
	assert.Equal(t, 1, client.CallCount(mocks.OpDisconnect))
}

func TestRunConnectFails(t *testing.T) {
	client := mocks.NewClient(mocks.NewAccounts(3)...)
	client.ConnectErrs = []error{budget.NewAPIError("connect", 401, "invalid password")}

	attempt := newTestWorkflow(client).Run(context.Background(), testServer, testPolicy, "")

	assert.Equal(t, models.StatusFailure, attempt.Status)
	assert.Equal(t, 0, attempt.AccountsProcessed)
	assert.Empty(t, attempt.SucceededAccounts)
	assert.Empty(t, attempt.FailedAccounts)
	assert.Equal(t, string(budget.CodeUnauthorized), attempt.ErrorCode)
	assert.Contains(t, attempt.Error, "connect failed")
	assert.Equal(t, []string{mocks.OpConnect, mocks.OpDisconnect}, client.Calls)
}

func TestRunConnectRetriesExhausted(t *testing.T) {
	client := mocks.NewClient(mocks.NewAccounts(1)...)
	netErr := errors.New("network-failure")
	client.ConnectErrs = []error{netErr, netErr, netErr}

	attempt := newTestWorkflow(client).Run(context.Background(), testServer, testPolicy, "")

	assert.Equal(t, models.StatusFailure, attempt.Status)
	assert.Equal(t, string(budget.CodeNetwork), attempt.ErrorCode)
	assert.Equal(t, testPolicy.Attempts(), client.CallCount(mocks.OpConnect))
	assert.Equal(t, 1, client.CallCount(mocks.OpDisconnect))
}

func TestRunRecoversFromTransientErrors(t *testing.T) {
	client := mocks.NewClient(mocks.NewAccounts(2)...)
	client.DownloadErrs = []error{errors.New("ECONNRESET")}
	client.BankSyncErrs["acc-2"] = []error{budget.NewAPIError("bank sync", 429, "rate limit"), nil}

	attempt := newTestWorkflow(client).Run(context.Background(), testServer, testPolicy, "")

	assert.Equal(t, models.StatusSuccess, attempt.Status)
	assert.Equal(t, 2, client.CallCount(mocks.OpDownload))
	assert.Equal(t, []string{"acc-1", "acc-2", "acc-2"}, client.BankSyncCalls())
}

func TestRunFatalStepsAfterConnect(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *mocks.Client)
		want  string
	}{
		{"download", func(c *mocks.Client) {
			c.DownloadErrs = []error{budget.NewAPIError("download budget", 404, "no such budget")}
		}, "download budget failed"},
		{"list accounts", func(c *mocks.Client) {
			c.ListErr = errors.New("budget not open")
		}, "list accounts failed"},
		{"initial sync", func(c *mocks.Client) {
			c.SyncFileErrs = []error{budget.NewAPIError("sync file", 409, "conflict")}
		}, "initial sync failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := mocks.NewClient(mocks.NewAccounts(2)...)
			tt.setup(client)

			attempt := newTestWorkflow(client).Run(context.Background(), testServer, testPolicy, "")

			assert.Equal(t, models.StatusFailure, attempt.Status)
			assert.Contains(t, attempt.Error, tt.want)
			assert.Equal(t, 0, attempt.AccountsProcessed)
			assert.Empty(t, attempt.SucceededAccounts)
			assert.Empty(t, attempt.FailedAccounts)
			assert.Equal(t, 0, client.CallCount(mocks.OpBankSync))
			assert.Equal(t, 1, client.CallCount(mocks.OpDisconnect))
		})
	}
}

func TestRunListAccountsNotRetried(t *testing.T) {
	client := mocks.NewClient()
	client.ListErr = errors.New("network-failure")

	attempt := newTestWorkflow(client).Run(context.Background(), testServer, testPolicy, "")

	assert.Equal(t, models.StatusFailure, attempt.Status)
	assert.Equal(t, 1, client.CallCount(mocks.OpList))
}

func TestRunFinalSyncFails(t *testing.T) {
	conflict := budget.NewAPIError("sync file", 409, "conflict")

	t.Run("with successes is partial", func(t *testing.T) {
		client := mocks.NewClient(mocks.NewAccounts(2)...)
		client.SyncFileErrs = []error{nil, conflict}

		attempt := newTestWorkflow(client).Run(context.Background(), testServer, testPolicy, "")

		assert.Equal(t, models.StatusPartial, attempt.Status)
		assert.Len(t, attempt.SucceededAccounts, 2)
		assert.Empty(t, attempt.FailedAccounts)
		assert.NotEmpty(t, attempt.FinalSyncError)
		assert.Empty(t, attempt.Error)
	})

	t.Run("without accounts is failure", func(t *testing.T) {
		client := mocks.NewClient()
		client.SyncFileErrs = []error{nil, conflict}

		attempt := newTestWorkflow(client).Run(context.Background(), testServer, testPolicy, "")

		assert.Equal(t, models.StatusFailure, attempt.Status)
		assert.Contains(t, attempt.Error, "final sync failed")
		assert.Equal(t, string(budget.CodeConflict), attempt.ErrorCode)
	})
}

func TestRunNoAccounts(t *testing.T) {
	client := mocks.NewClient()

	attempt := newTestWorkflow(client).Run(context.Background(), testServer, testPolicy, "")

	assert.Equal(t, models.StatusSuccess, attempt.Status)
	assert.Equal(t, 0, attempt.AccountsProcessed)
	assert.Equal(t, 2, client.CallCount(mocks.OpSyncFile))
}

func TestRunDisconnectErrorDoesNotMask(t *testing.T) {
	client := mocks.NewClient(mocks.NewAccounts(1)...)
	client.DisconnectErr = errors.New("session already closed")

	attempt := newTestWorkflow(client).Run(context.Background(), testServer, testPolicy, "")

	assert.Equal(t, models.StatusSuccess, attempt.Status)
	assert.Equal(t, 1, client.CallCount(mocks.OpDisconnect))
}

func TestRunStampsDuration(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	clock := func() time.Time {
		calls++
		return start.Add(time.Duration(calls-1) * 1500 * time.Millisecond)
	}

	log := &logger.EmptyLogger{}
	w := NewWorkflow(mocks.NewClient(), retry.NewExecutor(log, retry.WithSleep(noSleep)), log, WithClock(clock))
	attempt := w.Run(context.Background(), testServer, testPolicy, "")

	assert.Equal(t, start, attempt.StartedAt)
	assert.Equal(t, int64(1500), attempt.DurationMs)
	assert.NotEmpty(t, attempt.CorrelationID)
}

func TestRunCanceledContext(t *testing.T) {
	client := mocks.NewClient(mocks.NewAccounts(1)...)
	client.ConnectErrs = []error{context.Canceled}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempt := newTestWorkflow(client).Run(ctx, testServer, testPolicy, "")

	assert.Equal(t, models.StatusFailure, attempt.Status)
	assert.Equal(t, string(budget.CodeCanceled), attempt.ErrorCode)
	assert.Equal(t, 1, client.CallCount(mocks.OpConnect))
	assert.Equal(t, 1, client.CallCount(mocks.OpDisconnect))
}

func TestRunUsesGivenCorrelationID(t *testing.T) {
	attempt := newTestWorkflow(mocks.NewClient()).Run(context.Background(), testServer, testPolicy, "from-caller")
	assert.Equal(t, "from-caller", attempt.CorrelationID)
}
