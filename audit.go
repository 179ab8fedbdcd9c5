package authcore

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// AuditEvent is one append-only security log record. Events never carry
// plaintext credentials or token material; hashes and identifiers only.
type AuditEvent struct {
	Timestamp  time.Time         `json:"timestamp"`
	EventType  string            `json:"event_type"`
	AccountID  string            `json:"account_id,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	DeviceID   string            `json:"device_id,omitempty"`
	SourceAddr string            `json:"source_addr,omitempty"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Audit event types emitted by the engine.
const (
	AuditLoginSucceeded     = "login.succeeded"
	AuditLoginFailed        = "login.failed"
	AuditLoginLocked        = "login.locked"
	AuditAccountLocked      = "account.locked"
	AuditAccountRegistered  = "account.registered"
	AuditEmailVerified      = "account.email_verified"
	AuditPasswordChanged    = "account.password_changed"
	AuditPasswordResetSent  = "account.password_reset_sent"
	AuditPasswordReset      = "account.password_reset"
	AuditRecoveryEmailSet   = "account.recovery_email_set"
	AuditSessionRefreshed   = "session.refreshed"
	AuditSessionRevoked     = "session.revoked"
	AuditSessionReplay      = "session.replay_detected"
	AuditTOTPConfirmed      = "totp.confirmed"
	AuditTOTPFailed         = "totp.failed"
	AuditTOTPEnrolled       = "totp.enrolled"
	AuditBackupCodeUsed     = "totp.backup_code_used"
	AuditDeviceRegistered   = "device.registered"
	AuditDeviceVerified     = "device.verified"
	AuditDeviceRevoked      = "device.revoked"
	AuditSuspiciousActivity = "activity.suspicious"
)

// AuditSink receives audit events. Emit must not block for long; the
// engine funnels events through an async dispatcher in front of the sink.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

// NoOpSink discards all audit events.
type NoOpSink struct{}

// Emit implements [AuditSink].
func (NoOpSink) Emit(context.Context, AuditEvent) {}

// ChannelSink exposes audit events on a channel for test and pipeline
// consumers.
type ChannelSink struct {
	events chan AuditEvent
}

// NewChannelSink describes the newchannelsink operation and its observable behavior.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan AuditEvent, buffer),
	}
}

// Emit implements [AuditSink].
func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

// Events returns the receive side of the sink.
func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line to an [io.Writer].
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewJSONWriterSink describes the newjsonwritersink operation and its observable behavior.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

// Emit implements [AuditSink].
func (s *JSONWriterSink) Emit(ctx context.Context, event AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}
