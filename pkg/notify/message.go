package notify

import (
	"fmt"
	"strings"

	"github.com/autosync-hq/actual-autosync/pkg/models"
)

// maxListedFailures caps the account failures spelled out in a message
const maxListedFailures = 10

// Message is the channel-independent content of a notification
type Message struct {
	Kind                Kind
	Title               string
	Text                string
	ConsecutiveFailures int
	Attempt             *models.SyncAttempt
}

// NewMessage renders an attempt into a message
func NewMessage(kind Kind, attempt *models.SyncAttempt, consecutiveFailures int) Message {
	return Message{
		Kind:                kind,
		Title:               title(kind, attempt.ServerName),
		Text:                body(kind, attempt, consecutiveFailures),
		ConsecutiveFailures: consecutiveFailures,
		Attempt:             attempt,
	}
}

func title(kind Kind, server string) string {
	switch kind {
	case KindFailure:
		return fmt.Sprintf("Bank sync failed for %s", server)
	case KindPartial:
		return fmt.Sprintf("Bank sync partially failed for %s", server)
	case KindRecovery:
		return fmt.Sprintf("Bank sync recovered for %s", server)
	}
	return fmt.Sprintf("Bank sync succeeded for %s", server)
}

func body(kind Kind, a *models.SyncAttempt, consecutiveFailures int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Status: %s\n", a.Status)
	fmt.Fprintf(&b, "Duration: %v\n", a.Duration())
	fmt.Fprintf(&b, "Accounts: %d/%d synced\n", len(a.SucceededAccounts), a.AccountsProcessed)

	if kind == KindFailure && consecutiveFailures > 1 {
		fmt.Fprintf(&b, "Consecutive failures: %d\n", consecutiveFailures)
	}
	if a.Error != "" {
		fmt.Fprintf(&b, "Error: %s", a.Error)
		if a.ErrorCode != "" {
			fmt.Fprintf(&b, " (%s)", a.ErrorCode)
		}
		b.WriteString("\n")
	}
	if a.FinalSyncError != "" {
		fmt.Fprintf(&b, "Final sync: %s\n", a.FinalSyncError)
	}

	for i, f := range a.FailedAccounts {
		if i == maxListedFailures {
			fmt.Fprintf(&b, "... and %d more\n", len(a.FailedAccounts)-maxListedFailures)
			break
		}
		name := f.AccountName
		if name == "" {
			name = f.AccountID
		}
		fmt.Fprintf(&b, "- %s: %s\n", name, f.Error)
	}

	fmt.Fprintf(&b, "Correlation ID: %s", a.CorrelationID)
	return b.String()
}
