package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/autosync-hq/actual-autosync/pkg/budget"
	"github.com/autosync-hq/actual-autosync/pkg/models"
)

// Operation names recorded in Client.Calls
const (
	OpConnect    = "connect"
	OpDownload   = "download"
	OpList       = "list"
	OpSyncFile   = "syncFile"
	OpBankSync   = "bankSync"
	OpDisconnect = "disconnect"
)

// Client is a scripted in-memory budget.Client.
// Each *Errs queue is consumed front to back, one entry per call; a nil entry or an
// empty queue means the call succeeds. The *Always fields fail every call.
type Client struct {
	mu sync.Mutex

	Accounts []models.Account

	ConnectErrs    []error
	DownloadErrs   []error
	ListErr        error
	SyncFileErrs   []error
	BankSyncErrs   map[string][]error
	BankSyncAlways map[string]error
	DisconnectErr  error

	// PanicOn makes the named operation panic, simulating a programming error.
	PanicOn string

	Calls       []string
	bankSyncIDs []string
	sessions    int
}

var _ budget.Client = (*Client)(nil)

// NewClient creates a mock client serving the given accounts
func NewClient(accounts ...models.Account) *Client {
	return &Client{
		Accounts:       accounts,
		BankSyncErrs:   make(map[string][]error),
		BankSyncAlways: make(map[string]error),
	}
}

// NewAccounts builds n accounts named acc-1..acc-n
func NewAccounts(n int) []models.Account {
	accounts := make([]models.Account, 0, n)
	for i := 1; i <= n; i++ {
		accounts = append(accounts, models.Account{
			ID:   fmt.Sprintf("acc-%d", i),
			Name: fmt.Sprintf("Account %d", i),
		})
	}
	return accounts
}

// CallCount returns how many times op was invoked
func (c *Client) CallCount(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, call := range c.Calls {
		if call == op {
			count++
		}
	}
	return count
}

// BankSyncCalls returns the account ids passed to SyncAccountBankData, in order
func (c *Client) BankSyncCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.bankSyncIDs...)
}

func (c *Client) record(op string) {
	c.Calls = append(c.Calls, op)
	if c.PanicOn == op {
		panic(fmt.Sprintf("mock panic in %s", op))
	}
}

func pop(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

func (c *Client) Connect(_ context.Context, params budget.ConnectParams) (*budget.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(OpConnect)

	if err := pop(&c.ConnectErrs); err != nil {
		return nil, err
	}
	c.sessions++
	return budget.NewSession(fmt.Sprintf("session-%d", c.sessions), params), nil
}

func (c *Client) DownloadBudget(_ context.Context, s *budget.Session, syncID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(OpDownload)

	if err := pop(&c.DownloadErrs); err != nil {
		return err
	}
	s.SyncID = syncID
	return nil
}

func (c *Client) ListAccounts(_ context.Context, _ *budget.Session) ([]models.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(OpList)

	if c.ListErr != nil {
		return nil, c.ListErr
	}
	return append([]models.Account(nil), c.Accounts...), nil
}

func (c *Client) SyncFile(_ context.Context, _ *budget.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(OpSyncFile)

	return pop(&c.SyncFileErrs)
}

func (c *Client) SyncAccountBankData(_ context.Context, _ *budget.Session, accountID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(OpBankSync)
	c.bankSyncIDs = append(c.bankSyncIDs, accountID)

	if err, ok := c.BankSyncAlways[accountID]; ok {
		return err
	}
	queue, ok := c.BankSyncErrs[accountID]
	if !ok {
		return nil
	}
	err := pop(&queue)
	c.BankSyncErrs[accountID] = queue
	return err
}

func (c *Client) Disconnect(_ context.Context, _ *budget.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(OpDisconnect)

	return c.DisconnectErr
}
