package authcore

import (
	"context"
	"time"

	"github.com/driftbox/authcore/password"
	"github.com/driftbox/authcore/session"
	"github.com/driftbox/authcore/token"
)

// Engine defines a public type used by authcore APIs.
//
// Engine instances are intended to be configured during initialization and
// then treated as immutable. All operations are safe for concurrent use.
type Engine struct {
	config      Config
	credentials CredentialStore
	devices     DeviceStore
	sessions    *session.Store
	tokens      *token.Service
	hasher      *password.Hasher
	totp        *totpManager
	lockout     *lockoutGuard
	suspicion   *suspicionTracker
	audit       *auditDispatcher
	notify      *notifyDispatcher
	metrics     *Metrics
	clock       Clock
}

// Close drains and stops the async dispatchers. The engine must not be
// used after Close.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
	if e.notify != nil {
		e.notify.Close()
	}
}

// AuditDropped reports how many audit events were dropped by the
// dispatcher since startup.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// NotificationsDropped reports how many notifications were dropped by the
// dispatcher since startup.
func (e *Engine) NotificationsDropped() uint64 {
	if e == nil || e.notify == nil {
		return 0
	}
	return e.notify.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// ReapSessions sweeps revoked and expired session records. Intended to be
// driven by a caller-owned background ticker.
func (e *Engine) ReapSessions(ctx context.Context) (int, error) {
	if e == nil || e.sessions == nil {
		return 0, ErrEngineNotReady
	}
	return e.sessions.Reap(ctx)
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// emitAudit funnels an event through the async dispatcher. metadata is a
// constructor so the map is only built when auditing is enabled.
func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	accountID, sessionID, deviceID string,
	cause error,
	metadata func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	event := AuditEvent{
		Timestamp:  e.clock.Now(),
		EventType:  eventType,
		AccountID:  accountID,
		SessionID:  sessionID,
		DeviceID:   deviceID,
		SourceAddr: sourceAddrFromContext(ctx),
		Success:    success,
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	if metadata != nil {
		event.Metadata = metadata()
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) sendNotification(kind NotificationKind, to, subject string, variants map[string]string) {
	if e == nil || e.notify == nil || to == "" {
		return
	}
	e.notify.Send(Notification{
		Kind:     kind,
		To:       to,
		Subject:  subject,
		Variants: variants,
	})
}

func (e *Engine) now() time.Time {
	return e.clock.Now()
}
