// Package budget provides access to a self-hosted budgeting server.
package budget

import (
	"context"

	"github.com/autosync-hq/actual-autosync/pkg/models"
)

// ConnectParams are the credentials needed to open a session
type ConnectParams struct {
	ServerURL          string
	Password           string
	DataDir            string
	EncryptionPassword string
}

// ParamsFor builds ConnectParams from a server configuration
func ParamsFor(server models.ServerConfig) ConnectParams {
	return ConnectParams{
		ServerURL:          server.URL,
		Password:           server.Password,
		DataDir:            server.DataDir,
		EncryptionPassword: server.EncryptionPassword,
	}
}

// Session is an open connection to one server. It is owned by a single
// workflow invocation and must not be shared.
type Session struct {
	ID                 string
	ServerURL          string
	DataDir            string
	SyncID             string
	apiKey             string
	encryptionPassword string
}

// NewSession creates a session value. Client implementations use it; tests use it
// to hand out sessions from fakes.
func NewSession(id string, params ConnectParams) *Session {
	return &Session{
		ID:                 id,
		ServerURL:          params.ServerURL,
		DataDir:            params.DataDir,
		apiKey:             params.Password,
		encryptionPassword: params.EncryptionPassword,
	}
}

// Client is the set of remote operations the bank sync workflow needs
type Client interface {
	// Connect opens a session against the server.
	Connect(ctx context.Context, params ConnectParams) (*Session, error)

	// DownloadBudget fetches and opens the budget identified by syncID.
	DownloadBudget(ctx context.Context, s *Session, syncID string) error

	// ListAccounts returns all accounts of the open budget.
	ListAccounts(ctx context.Context, s *Session) ([]models.Account, error)

	// SyncFile synchronizes the local budget file with the server.
	SyncFile(ctx context.Context, s *Session) error

	// SyncAccountBankData triggers a bank-transaction sync for one account.
	SyncAccountBankData(ctx context.Context, s *Session, accountID string) error

	// Disconnect releases the session. s may be nil when Connect failed.
	Disconnect(ctx context.Context, s *Session) error
}
