package health

import (
	"sort"
	"sync"
	"time"

	"github.com/autosync-hq/actual-autosync/pkg/metrics"
	"github.com/autosync-hq/actual-autosync/pkg/models"
)

// Status is the overall health of the sync service
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
)

// HealthyRate is the minimum cumulative success rate for HEALTHY
const HealthyRate = 0.8

// gaugeValue maps a Status onto autosync_health_status
func (s Status) gaugeValue() float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 3
	}
	return 0
}

// ServerStatus is the latest known state of one server
type ServerStatus struct {
	Name                string        `json:"name"`
	LastStatus          models.Status `json:"lastStatus"`
	LastAttemptAt       time.Time     `json:"lastAttemptAt"`
	LastSuccessAt       *time.Time    `json:"lastSuccessAt,omitempty"`
	LastDurationMs      int64         `json:"lastDurationMs"`
	LastError           string        `json:"lastError,omitempty"`
	LastCorrelationID   string        `json:"lastCorrelationId"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
}

// Snapshot is a read-only copy of the tracker state
type Snapshot struct {
	Status        Status         `json:"status"`
	Running       bool           `json:"running"`
	TotalAttempts int            `json:"totalAttempts"`
	Successes     int            `json:"successes"`
	Partials      int            `json:"partials"`
	Failures      int            `json:"failures"`
	SuccessRate   float64        `json:"successRate"`
	LastRunAt     *time.Time     `json:"lastRunAt,omitempty"`
	Servers       []ServerStatus `json:"servers"`
}

// Tracker holds the in-memory health summary. The orchestrator is its only writer;
// the HTTP server reads it through Snapshot.
type Tracker struct {
	mu         sync.RWMutex
	now        func() time.Time
	running    bool
	lastRunAt  time.Time
	total      int
	successes  int
	partials   int
	failures   int
	lastStatus models.Status
	runTotal   int
	runFailed  int
	servers    map[string]*ServerStatus
}

// NewTracker creates a tracker in the PENDING state
func NewTracker() *Tracker {
	return &Tracker{
		now:     time.Now,
		servers: make(map[string]*ServerStatus),
	}
}

// BeginRun marks the start of a run; UNHEALTHY is judged per run
func (t *Tracker) BeginRun() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.running = true
	t.lastRunAt = t.now()
	t.runTotal = 0
	t.runFailed = 0
}

// EndRun marks the current run as finished
func (t *Tracker) EndRun() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
}

// Record folds one attempt into the summary
func (t *Tracker) Record(attempt *models.SyncAttempt, consecutiveFailures int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total++
	t.runTotal++
	switch attempt.Status {
	case models.StatusSuccess:
		t.successes++
	case models.StatusPartial:
		t.partials++
	default:
		t.failures++
		t.runFailed++
	}
	t.lastStatus = attempt.Status

	s, ok := t.servers[attempt.ServerName]
	if !ok {
		s = &ServerStatus{Name: attempt.ServerName}
		t.servers[attempt.ServerName] = s
	}
	s.LastStatus = attempt.Status
	s.LastAttemptAt = attempt.StartedAt
	s.LastDurationMs = attempt.DurationMs
	s.LastError = attempt.Error
	s.LastCorrelationID = attempt.CorrelationID
	s.ConsecutiveFailures = consecutiveFailures
	// partial attempts synced data, so they move the last success time too
	if attempt.Status != models.StatusFailure {
		finished := attempt.StartedAt.Add(attempt.Duration())
		s.LastSuccessAt = &finished
	}

	metrics.HealthStatus.Set(t.statusLocked().gaugeValue())
}

// Status returns the current overall status
func (t *Tracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statusLocked()
}

func (t *Tracker) statusLocked() Status {
	switch {
	case t.total == 0:
		return StatusPending
	case t.runTotal > 0 && t.runFailed == t.runTotal:
		return StatusUnhealthy
	case t.lastStatus == models.StatusSuccess && t.successRateLocked() >= HealthyRate:
		return StatusHealthy
	}
	return StatusDegraded
}

func (t *Tracker) successRateLocked() float64 {
	if t.total == 0 {
		return 0
	}
	return float64(t.successes) / float64(t.total)
}

// Snapshot returns a copy of the current state with servers sorted by name
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := Snapshot{
		Status:        t.statusLocked(),
		Running:       t.running,
		TotalAttempts: t.total,
		Successes:     t.successes,
		Partials:      t.partials,
		Failures:      t.failures,
		SuccessRate:   t.successRateLocked(),
		Servers:       make([]ServerStatus, 0, len(t.servers)),
	}
	if !t.lastRunAt.IsZero() {
		lastRun := t.lastRunAt
		snap.LastRunAt = &lastRun
	}
	for _, s := range t.servers {
		cp := *s
		if s.LastSuccessAt != nil {
			ts := *s.LastSuccessAt
			cp.LastSuccessAt = &ts
		}
		snap.Servers = append(snap.Servers, cp)
	}
	sort.Slice(snap.Servers, func(i, j int) bool {
		return snap.Servers[i].Name < snap.Servers[j].Name
	})
	return snap
}
