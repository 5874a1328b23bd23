// Package notify sends sync results to webhooks and Telegram.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/autosync-hq/actual-autosync/pkg/logger"
	"github.com/autosync-hq/actual-autosync/pkg/metrics"
	"github.com/autosync-hq/actual-autosync/pkg/models"
)

// Dispatcher applies the throttle policy and fans a message out to every sender
type Dispatcher struct {
	senders  []Sender
	throttle *Throttle
	logger   logger.Logger
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(throttle *Throttle, logger logger.Logger, senders ...Sender) *Dispatcher {
	return &Dispatcher{
		senders:  senders,
		throttle: throttle,
		logger:   logger,
	}
}

// Enabled reports whether any sender is configured
func (d *Dispatcher) Enabled() bool {
	return len(d.senders) > 0
}

// Notify sends the attempt when the throttle allows it. Sender errors are
// joined; every sender is tried.
func (d *Dispatcher) Notify(ctx context.Context, attempt *models.SyncAttempt, consecutiveFailures int) error {
	if !d.Enabled() {
		return nil
	}

	kind, send := d.throttle.Decide(attempt, consecutiveFailures)
	if !send {
		d.logger.DebugWithServer(attempt.ServerName, "Skipping %s notification (streak %d)", kind, consecutiveFailures)
		return nil
	}

	msg := NewMessage(kind, attempt, consecutiveFailures)
	var errs []error
	for _, sender := range d.senders {
		if err := sender.Send(ctx, msg); err != nil {
			metrics.NotificationsSent.WithLabelValues(sender.Name(), "error").Inc()
			d.logger.ErrorWithServer(attempt.ServerName, "Failed to send %s notification via %s: %v", kind, sender.Name(), err)
			errs = append(errs, fmt.Errorf("%s: %w", sender.Name(), err))
			continue
		}
		metrics.NotificationsSent.WithLabelValues(sender.Name(), "sent").Inc()
		d.logger.InfoWithServer(attempt.ServerName, "Sent %s notification via %s", kind, sender.Name())
	}
	return errors.Join(errs...)
}
