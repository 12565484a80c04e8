// Package audit provides security audit logging for SIEM consumption.
// Every proxied request produces exactly one audit event recording what was
// attempted, through which protocol, and how it ended. Events are structured
// JSON for easy parsing and integration with security tooling.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType categorizes audit events for filtering and alerting.
type EventType string

const (
	// EventProxyRequest is the per-request access record.
	EventProxyRequest EventType = "proxy_request"
	// EventInjectionAttempt is logged when libinjection flags a parameter.
	EventInjectionAttempt EventType = "sql_injection_attempt"
	// EventConnectorUnavailable is logged when a connector cannot be
	// served: no listener for its type, corrupted ciphertext, or a key
	// rotation mismatch. Always an operator problem, so this one alerts.
	EventConnectorUnavailable EventType = "connector_unavailable"
	// EventTokenRevocation records revocation of a connector or link.
	EventTokenRevocation EventType = "token_revocation"
)

// Outcome is the terminal result of a proxied request.
type Outcome string

const (
	OutcomeAllowed     Outcome = "allowed"
	OutcomeDenied      Outcome = "denied"
	OutcomeBackendFail Outcome = "backend_failure"
)

// Event is one auditable gateway event with the context a SIEM needs.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`
	// SubjectID is the connector or share-link ID the request resolved to.
	// Empty when the token never resolved.
	SubjectID string  `json:"subject_id,omitempty"`
	Protocol  string  `json:"protocol"`
	Operation string  `json:"operation,omitempty"`
	Outcome   Outcome `json:"outcome"`
	Caller    string  `json:"caller,omitempty"`
	ClientIP  string  `json:"client_ip,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	Severity  string  `json:"severity"` // info, warning, critical
}

// Auditor writes audit events through a dedicated logger namespace.
type Auditor struct {
	logger *zap.Logger
}

// NewAuditor creates an auditor. The child logger carries the
// "security_audit" namespace so SIEM pipelines can filter on it.
func NewAuditor(logger *zap.Logger) *Auditor {
	return &Auditor{logger: logger.Named("security_audit")}
}

// RecordRequest logs the outcome of one proxied request. Denials log at WARN,
// backend failures at ERROR, allowed requests at INFO.
func (a *Auditor) RecordRequest(subjectID uuid.UUID, protocol, operation string, outcome Outcome, caller, clientIP, reason string) {
	severity := "info"
	switch outcome {
	case OutcomeDenied:
		severity = "warning"
	case OutcomeBackendFail:
		severity = "critical"
	}

	subject := ""
	if subjectID != uuid.Nil {
		subject = subjectID.String()
	}

	event := Event{
		Timestamp: time.Now().UTC(),
		EventType: EventProxyRequest,
		SubjectID: subject,
		Protocol:  protocol,
		Operation: operation,
		Outcome:   outcome,
		Caller:    caller,
		ClientIP:  clientIP,
		Reason:    reason,
		Severity:  severity,
	}

	a.log(event, "proxy request")
}

// RecordInjectionAttempt logs a detected injection pattern at ERROR level
// with critical severity for immediate alerting.
func (a *Auditor) RecordInjectionAttempt(subjectID uuid.UUID, protocol, fingerprint, clientIP string) {
	event := Event{
		Timestamp: time.Now().UTC(),
		EventType: EventInjectionAttempt,
		SubjectID: subjectID.String(),
		Protocol:  protocol,
		Outcome:   OutcomeDenied,
		ClientIP:  clientIP,
		Reason:    "injection pattern: " + fingerprint,
		Severity:  "critical",
	}

	eventJSON, _ := json.Marshal(event)
	a.logger.Error("SQL injection attempt detected",
		zap.String("event_json", string(eventJSON)),
		zap.String("subject_id", event.SubjectID),
		zap.String("fingerprint", fingerprint),
		zap.String("client_ip", clientIP),
		zap.String("severity", "critical"),
	)
}

// RecordConnectorUnavailable logs a connector that cannot be served, with
// the operator-facing reason.
func (a *Auditor) RecordConnectorUnavailable(subjectID uuid.UUID, protocol, reason, clientIP string) {
	event := Event{
		Timestamp: time.Now().UTC(),
		EventType: EventConnectorUnavailable,
		SubjectID: subjectID.String(),
		Protocol:  protocol,
		Outcome:   OutcomeDenied,
		ClientIP:  clientIP,
		Reason:    reason,
		Severity:  "critical",
	}

	eventJSON, _ := json.Marshal(event)
	a.logger.Error("Connector unavailable",
		zap.String("event_json", string(eventJSON)),
		zap.String("subject_id", event.SubjectID),
		zap.String("reason", reason),
		zap.String("client_ip", clientIP),
		zap.String("severity", "critical"),
	)
}

// RecordRevocation logs revocation of a connector or shared link.
func (a *Auditor) RecordRevocation(subjectID uuid.UUID, kind, ownerID string) {
	event := Event{
		Timestamp: time.Now().UTC(),
		EventType: EventTokenRevocation,
		SubjectID: subjectID.String(),
		Protocol:  "admin",
		Operation: "revoke_" + kind,
		Outcome:   OutcomeAllowed,
		Caller:    ownerID,
		Severity:  "info",
	}

	a.log(event, "revocation")
}

func (a *Auditor) log(event Event, msg string) {
	// Marshaling known types should never fail
	eventJSON, _ := json.Marshal(event)

	fields := []zap.Field{
		zap.String("event_json", string(eventJSON)),
		zap.String("event_type", string(event.EventType)),
		zap.String("subject_id", event.SubjectID),
		zap.String("protocol", event.Protocol),
		zap.String("operation", event.Operation),
		zap.String("outcome", string(event.Outcome)),
		zap.String("severity", event.Severity),
	}

	switch event.Severity {
	case "critical":
		a.logger.Error(msg, fields...)
	case "warning":
		a.logger.Warn(msg, fields...)
	default:
		a.logger.Info(msg, fields...)
	}
}
