package metrics

import (
	"github.com/autosync-hq/actual-autosync/pkg/logger"
	"github.com/autosync-hq/actual-autosync/pkg/models"
)

// Recorder turns finished sync attempts into Prometheus updates
type Recorder struct {
	logger logger.Logger
}

// NewRecorder creates a new metrics recorder
func NewRecorder(logger logger.Logger) *Recorder {
	return &Recorder{
		logger: logger,
	}
}

// ObserveAttempt records one attempt and the server's current failure streak
func (r *Recorder) ObserveAttempt(attempt *models.SyncAttempt, consecutiveFailures int) {
	server := attempt.ServerName

	SyncAttempts.WithLabelValues(server, string(attempt.Status)).Inc()
	SyncDuration.WithLabelValues(server).Observe(attempt.Duration().Seconds())
	AccountSyncs.WithLabelValues(server, "success").Add(float64(len(attempt.SucceededAccounts)))
	AccountSyncs.WithLabelValues(server, "failed").Add(float64(len(attempt.FailedAccounts)))
	ConsecutiveFailures.WithLabelValues(server).Set(float64(consecutiveFailures))

	// partial attempts synced data, so they move the last success time too
	if attempt.Status != models.StatusFailure {
		finishedAt := attempt.StartedAt.Add(attempt.Duration())
		LastSuccess.WithLabelValues(server).Set(float64(finishedAt.Unix()))
	}

	r.logger.DebugWithServer(server, "Updated metrics for %s attempt (streak %d)", attempt.Status, consecutiveFailures)
}

// SetInProgress flags whether a run is executing
func (r *Recorder) SetInProgress(running bool) {
	if running {
		SyncInProgress.Set(1)
		return
	}
	SyncInProgress.Set(0)
}
