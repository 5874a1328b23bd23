package budget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/autosync-hq/actual-autosync/pkg/logger"
	"github.com/autosync-hq/actual-autosync/pkg/models"
)

const (
	headerAPIKey             = "x-api-key"
	headerEncryptionPassword = "budget-encryption-password"
	headerSession            = "x-session-id"

	metadataFile = "budget.json"
)

// HTTPClient talks to the REST bridge that fronts a budgeting server
type HTTPClient struct {
	httpClient *http.Client
	logger     logger.Logger
	now        func() time.Time
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a new bridge client. timeout bounds every single request.
func NewHTTPClient(timeout time.Duration, logger logger.Logger) *HTTPClient {
	return &HTTPClient{
		httpClient: createHTTPClient(timeout),
		logger:     logger,
		now:        time.Now,
	}
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
}

type accountsResponse struct {
	Data []models.Account `json:"data"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// budgetMetadata is written to the server's data directory after a download
type budgetMetadata struct {
	SyncID       string    `json:"syncId"`
	ServerURL    string    `json:"serverUrl"`
	DownloadedAt time.Time `json:"downloadedAt"`
}

// Connect opens a session against the bridge and prepares the local data directory
func (c *HTTPClient) Connect(ctx context.Context, params ConnectParams) (*Session, error) {
	if params.DataDir != "" {
		if err := os.MkdirAll(params.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", params.DataDir, err)
		}
	}

	s := NewSession("", params)
	var resp sessionResponse
	if err := c.do(ctx, s, "connect", http.MethodPost, "/v1/session", nil, &resp); err != nil {
		return nil, err
	}
	s.ID = resp.SessionID
	c.logger.Debug("Opened session %q on %s", s.ID, params.ServerURL)
	return s, nil
}

// DownloadBudget loads the budget on the bridge side and records metadata locally
func (c *HTTPClient) DownloadBudget(ctx context.Context, s *Session, syncID string) error {
	if s == nil {
		return &APIError{Op: "download budget", Code: CodeInvalidInput, Message: "no open session"}
	}
	path := "/v1/budgets/" + url.PathEscape(syncID) + "/download"
	if err := c.do(ctx, s, "download budget", http.MethodPost, path, nil, nil); err != nil {
		return err
	}
	s.SyncID = syncID

	if s.DataDir != "" {
		meta := budgetMetadata{SyncID: syncID, ServerURL: s.ServerURL, DownloadedAt: c.now().UTC()}
		data, err := json.MarshalIndent(meta, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode budget metadata: %w", err)
		}
		if err := os.WriteFile(filepath.Join(s.DataDir, metadataFile), data, 0o600); err != nil {
			c.logger.Error("Failed to write budget metadata in %s: %v", s.DataDir, err)
		}
	}
	return nil
}

// ListAccounts returns the accounts of the downloaded budget
func (c *HTTPClient) ListAccounts(ctx context.Context, s *Session) ([]models.Account, error) {
	if err := requireBudget(s, "list accounts"); err != nil {
		return nil, err
	}

	body, err := c.doRaw(ctx, s, "list accounts", http.MethodGet, budgetPath(s, "/accounts"), nil)
	if err != nil {
		return nil, err
	}

	var wrapped accountsResponse
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Data != nil {
		return wrapped.Data, nil
	}

	// some bridge versions return a bare array
	var accounts []models.Account
	if err := json.Unmarshal(body, &accounts); err != nil {
		return nil, fmt.Errorf("failed to decode accounts: %v, body: %s", err, string(body))
	}
	return accounts, nil
}

// SyncFile synchronizes the budget file with the server
func (c *HTTPClient) SyncFile(ctx context.Context, s *Session) error {
	if err := requireBudget(s, "sync file"); err != nil {
		return err
	}
	return c.do(ctx, s, "sync file", http.MethodPost, budgetPath(s, "/sync"), nil, nil)
}

// SyncAccountBankData triggers a bank sync for one account
func (c *HTTPClient) SyncAccountBankData(ctx context.Context, s *Session, accountID string) error {
	if err := requireBudget(s, "bank sync"); err != nil {
		return err
	}
	path := budgetPath(s, "/accounts/"+url.PathEscape(accountID)+"/banksync")
	return c.do(ctx, s, "bank sync", http.MethodPost, path, nil, nil)
}

// Disconnect closes the session. It is a no-op for a nil session.
func (c *HTTPClient) Disconnect(ctx context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return nil
	}
	return c.do(ctx, s, "disconnect", http.MethodDelete, "/v1/session", nil, nil)
}

func requireBudget(s *Session, op string) error {
	if s == nil {
		return &APIError{Op: op, Code: CodeInvalidInput, Message: "no open session"}
	}
	if s.SyncID == "" {
		return &APIError{Op: op, Code: CodeInvalidInput, Message: "no budget loaded"}
	}
	return nil
}

func budgetPath(s *Session, suffix string) string {
	return "/v1/budgets/" + url.PathEscape(s.SyncID) + suffix
}

func (c *HTTPClient) do(ctx context.Context, s *Session, op, method, path string, in, out interface{}) error {
	body, err := c.doRaw(ctx, s, op, method, path, in)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %v, body: %s", op, err, string(body))
	}
	return nil
}

func (c *HTTPClient) doRaw(ctx context.Context, s *Session, op, method, path string, in interface{}) ([]byte, error) {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(s.ServerURL, "/")+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(headerAPIKey, s.apiKey)
	if s.encryptionPassword != "" {
		req.Header.Set(headerEncryptionPassword, s.encryptionPassword)
	}
	if s.ID != "" {
		req.Header.Set(headerSession, s.ID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", op, err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.logger.Error("Failed to close response body: %v", err)
		}
	}(resp.Body)

	// Read the response body regardless of status code
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response body: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NewAPIError(op, resp.StatusCode, errorMessage(body))
	}
	return body, nil
}

func errorMessage(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "empty response"
	}
	return msg
}

// Helper function to create an HTTP client with timeouts
func createHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
