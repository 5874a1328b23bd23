package models

import "time"

// Status is the outcome of one sync attempt
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailure Status = "failure"
)

// Account is one bank account enumerated within a budget
type Account struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	OffBudget bool   `json:"offbudget"`
	Closed    bool   `json:"closed"`
}

// DisplayName returns the account name, falling back to its id
func (a Account) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// AccountSyncOutcome is the result of bank-syncing a single account
type AccountSyncOutcome struct {
	AccountID   string `json:"accountId"`
	AccountName string `json:"accountName"`
	Succeeded   bool   `json:"succeeded"`
	Error       string `json:"error,omitempty"`
	ErrorCode   string `json:"errorCode,omitempty"`
}

// AccountFailure is one entry of SyncAttempt.FailedAccounts
type AccountFailure struct {
	AccountID   string `json:"accountId"`
	AccountName string `json:"accountName,omitempty"`
	Error       string `json:"error"`
	ErrorCode   string `json:"errorCode,omitempty"`
}

// SyncAttempt is the result of running the bank sync workflow once for one server
type SyncAttempt struct {
	ServerName        string           `json:"serverName"`
	Status            Status           `json:"status"`
	StartedAt         time.Time        `json:"startedAt"`
	DurationMs        int64            `json:"durationMs"`
	AccountsProcessed int              `json:"accountsProcessed"`
	SucceededAccounts []string         `json:"succeededAccounts"`
	FailedAccounts    []AccountFailure `json:"failedAccounts"`
	Error             string           `json:"error,omitempty"`
	ErrorCode         string           `json:"errorCode,omitempty"`
	FinalSyncError    string           `json:"finalSyncError,omitempty"`
	CorrelationID     string           `json:"correlationId"`
}

// NewSyncAttempt starts an attempt for the given server
func NewSyncAttempt(serverName, correlationID string, startedAt time.Time) *SyncAttempt {
	return &SyncAttempt{
		ServerName:        serverName,
		StartedAt:         startedAt,
		SucceededAccounts: []string{},
		FailedAccounts:    []AccountFailure{},
		CorrelationID:     correlationID,
	}
}

// RecordAccount appends a per-account outcome, keeping
// AccountsProcessed == len(SucceededAccounts) + len(FailedAccounts).
func (a *SyncAttempt) RecordAccount(o AccountSyncOutcome) {
	if o.Succeeded {
		name := o.AccountName
		if name == "" {
			name = o.AccountID
		}
		a.SucceededAccounts = append(a.SucceededAccounts, name)
	} else {
		a.FailedAccounts = append(a.FailedAccounts, AccountFailure{
			AccountID:   o.AccountID,
			AccountName: o.AccountName,
			Error:       o.Error,
			ErrorCode:   o.ErrorCode,
		})
	}
	a.AccountsProcessed++
}

// Fail marks the attempt as a top-level failure
func (a *SyncAttempt) Fail(msg, code string) {
	a.Status = StatusFailure
	a.Error = msg
	a.ErrorCode = code
}

// Finish stamps the duration relative to StartedAt
func (a *SyncAttempt) Finish(now time.Time) {
	a.DurationMs = now.Sub(a.StartedAt).Milliseconds()
}

// Duration returns DurationMs as a time.Duration
func (a *SyncAttempt) Duration() time.Duration {
	return time.Duration(a.DurationMs) * time.Millisecond
}
