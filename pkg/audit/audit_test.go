package audit

import (
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedAuditor() (*Auditor, *observer.ObservedLogs) {
	core, logs := observer.New(zap.InfoLevel)
	return NewAuditor(zap.New(core)), logs
}

func TestRecordRequestSeverityByOutcome(t *testing.T) {
	tests := []struct {
		name      string
		outcome   Outcome
		wantLevel string
	}{
		{"allowed logs info", OutcomeAllowed, "info"},
		{"denied logs warn", OutcomeDenied, "warn"},
		{"backend failure logs error", OutcomeBackendFail, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor, logs := newObservedAuditor()
			auditor.RecordRequest(uuid.New(), "postgres", "SELECT", tt.outcome, "", "10.0.0.1", "")

			entries := logs.All()
			if len(entries) != 1 {
				t.Fatalf("expected 1 log entry, got %d", len(entries))
			}
			if got := entries[0].Level.String(); got != tt.wantLevel {
				t.Errorf("level = %s, want %s", got, tt.wantLevel)
			}
		})
	}
}

func TestRecordRequestCarriesProtocolAndOperation(t *testing.T) {
	auditor, logs := newObservedAuditor()
	id := uuid.New()
	auditor.RecordRequest(id, "mongodb", "FIND", OutcomeAllowed, "user@example.com", "10.0.0.2", "")

	entry := logs.All()[0]
	fields := entry.ContextMap()
	if fields["protocol"] != "mongodb" {
		t.Errorf("protocol = %v, want mongodb", fields["protocol"])
	}
	if fields["operation"] != "FIND" {
		t.Errorf("operation = %v, want FIND", fields["operation"])
	}
	if fields["subject_id"] != id.String() {
		t.Errorf("subject_id = %v, want %s", fields["subject_id"], id)
	}
}

func TestRecordRequestNilSubject(t *testing.T) {
	auditor, logs := newObservedAuditor()
	auditor.RecordRequest(uuid.Nil, "postgres", "", OutcomeDenied, "", "10.0.0.3", "token not found")

	fields := logs.All()[0].ContextMap()
	if fields["subject_id"] != "" {
		t.Errorf("subject_id = %v, want empty for unresolved token", fields["subject_id"])
	}
}

func TestConnectorUnavailableAlertsAtError(t *testing.T) {
	auditor, logs := newObservedAuditor()
	auditor.RecordConnectorUnavailable(uuid.New(), "httpapi", "no listener for connector type clickhouse", "10.0.0.4")

	entry := logs.All()[0]
	if entry.Level != zap.ErrorLevel {
		t.Errorf("level = %s, want error", entry.Level)
	}
}

func TestAuditorUsesSecurityNamespace(t *testing.T) {
	auditor, logs := newObservedAuditor()
	auditor.RecordRevocation(uuid.New(), "connector", "owner-1")

	entry := logs.All()[0]
	if entry.LoggerName != "security_audit" {
		t.Errorf("logger name = %q, want security_audit", entry.LoggerName)
	}
}
