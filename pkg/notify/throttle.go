package notify

import (
	"sync"
	"time"

	"github.com/autosync-hq/actual-autosync/pkg/models"
)

// Kind is the type of notification produced for an attempt
type Kind string

const (
	KindFailure  Kind = "failure"
	KindPartial  Kind = "partial"
	KindRecovery Kind = "recovery"
	KindSuccess  Kind = "success"
)

// Throttle decides per server whether an attempt is worth a notification.
// Failures must reach the streak threshold, repeated alerts are held back for
// the cooldown, and the first success after an alert always goes out.
type Throttle struct {
	failThreshold   int
	cooldown        time.Duration
	notifyOnSuccess bool
	now             func() time.Time
	mu              sync.Mutex
	servers         map[string]*serverState
}

type serverState struct {
	alerting     bool
	lastNotified time.Time
}

// NewThrottle creates a new throttle. A threshold below 1 is treated as 1.
func NewThrottle(threshold int, cooldown time.Duration, notifyOnSuccess bool) *Throttle {
	if threshold < 1 {
		threshold = 1
	}
	return &Throttle{
		failThreshold:   threshold,
		cooldown:        cooldown,
		notifyOnSuccess: notifyOnSuccess,
		now:             time.Now,
		servers:         make(map[string]*serverState),
	}
}

// Decide returns the notification kind for the attempt and whether to send it
func (t *Throttle) Decide(attempt *models.SyncAttempt, consecutiveFailures int) (Kind, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.servers[attempt.ServerName]
	if !ok {
		state = &serverState{}
		t.servers[attempt.ServerName] = state
	}
	now := t.now()

	switch attempt.Status {
	case models.StatusSuccess:
		if state.alerting {
			state.alerting = false
			state.lastNotified = time.Time{}
			return KindRecovery, true
		}
		return KindSuccess, t.notifyOnSuccess

	case models.StatusPartial:
		// a partial run counts as a streak of one
		return KindPartial, t.alert(state, 1, now)

	default:
		return KindFailure, t.alert(state, consecutiveFailures, now)
	}
}

func (t *Throttle) alert(state *serverState, streak int, now time.Time) bool {
	if streak < t.failThreshold {
		return false
	}
	if !state.lastNotified.IsZero() && now.Sub(state.lastNotified) < t.cooldown {
		return false
	}
	state.alerting = true
	state.lastNotified = now
	return true
}
