package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autosync-hq/actual-autosync/pkg/models"
)

func newAttempt(server string, status models.Status) *models.SyncAttempt {
	a := models.NewSyncAttempt(server, "corr-"+server, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	a.Status = status
	a.DurationMs = 500
	if status == models.StatusFailure {
		a.Error = "connect failed"
	}
	return a
}

func TestTrackerPending(t *testing.T) {
	tracker := NewTracker()
	assert.Equal(t, StatusPending, tracker.Status())

	snap := tracker.Snapshot()
	assert.Equal(t, StatusPending, snap.Status)
	assert.Nil(t, snap.LastRunAt)
	assert.Empty(t, snap.Servers)
}

func TestTrackerStatusTransitions(t *testing.T) {
	tests := []struct {
		name string
		runs [][]models.Status
		want Status
	}{
		{"single success", [][]models.Status{{models.StatusSuccess}}, StatusHealthy},
		{"single failure", [][]models.Status{{models.StatusFailure}}, StatusUnhealthy},
		{"single partial", [][]models.Status{{models.StatusPartial}}, StatusDegraded},
		{"mixed run", [][]models.Status{{models.StatusFailure, models.StatusSuccess}}, StatusDegraded},
		{"run failed after successes", [][]models.Status{
			{models.StatusSuccess, models.StatusSuccess},
			{models.StatusFailure, models.StatusFailure},
		}, StatusUnhealthy},
		{"recovered but rate too low", [][]models.Status{
			{models.StatusFailure},
			{models.StatusSuccess},
		}, StatusDegraded},
		{"recovered with good rate", [][]models.Status{
			{models.StatusSuccess}, {models.StatusSuccess}, {models.StatusSuccess},
			{models.StatusSuccess}, {models.StatusFailure}, {models.StatusSuccess},
		}, StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker()
			for _, run := range tt.runs {
				tracker.BeginRun()
				for i, status := range run {
					tracker.Record(newAttempt(string(rune('A'+i)), status), 0)
				}
				tracker.EndRun()
			}
			assert.Equal(t, tt.want, tracker.Status())
		})
	}
}

func TestTrackerSnapshot(t *testing.T) {
	tracker := NewTracker()
	tracker.BeginRun()
	tracker.Record(newAttempt("Zeta", models.StatusFailure), 2)
	tracker.Record(newAttempt("Alpha", models.StatusSuccess), 0)

	snap := tracker.Snapshot()
	assert.True(t, snap.Running)
	assert.NotNil(t, snap.LastRunAt)
	assert.Equal(t, 2, snap.TotalAttempts)
	assert.Equal(t, 1, snap.Successes)
	assert.Equal(t, 1, snap.Failures)
	assert.InDelta(t, 0.5, snap.SuccessRate, 0.0001)

	require.Len(t, snap.Servers, 2)
	assert.Equal(t, "Alpha", snap.Servers[0].Name)
	assert.NotNil(t, snap.Servers[0].LastSuccessAt)
	assert.Equal(t, "Zeta", snap.Servers[1].Name)
	assert.Equal(t, 2, snap.Servers[1].ConsecutiveFailures)
	assert.Equal(t, "connect failed", snap.Servers[1].LastError)
	assert.Nil(t, snap.Servers[1].LastSuccessAt)

	tracker.EndRun()
	assert.False(t, tracker.Snapshot().Running)
}
