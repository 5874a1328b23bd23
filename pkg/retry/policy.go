package retry

import (
	"time"

	"github.com/autosync-hq/actual-autosync/pkg/models"
)

// ResolvePolicy merges an optional per-server override onto the global policy.
// The result is fully resolved so the executor never looks at configuration.
func ResolvePolicy(global models.RetryPolicy, override *models.SyncOverride) models.RetryPolicy {
	policy := global
	if override == nil {
		return policy
	}
	if override.MaxRetries != nil {
		policy.MaxRetries = *override.MaxRetries
	}
	if override.BaseRetryDelayMs != nil {
		policy.BaseDelay = time.Duration(*override.BaseRetryDelayMs) * time.Millisecond
	}
	return policy
}
