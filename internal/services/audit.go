package services

import (
	"context"

	"github.com/recordflow/recordflow/internal/logging"
)

// LogAuditSink writes audit entries to the process log. It stands in for
// the platform's tamper-evident audit service in development and tests.
type LogAuditSink struct {
	log *logging.Logger
}

// NewLogAuditSink creates an audit sink over the given logger.
func NewLogAuditSink(log *logging.Logger) *LogAuditSink {
	return &LogAuditSink{log: log}
}

// Append logs the entry.
func (s *LogAuditSink) Append(ctx context.Context, entry AuditEntry) error {
	s.log.Info("audit",
		"action", entry.Action,
		"record", entry.Record.String(),
		"actor", entry.ActorID,
		"old", entry.OldValue,
		"new", entry.NewValue,
		"tenant", entry.TenantID,
	)
	return nil
}
