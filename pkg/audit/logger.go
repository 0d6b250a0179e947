package audit

import (
	"context"
	"log/slog"

	"github.com/bturcanu/plugwire/pkg/invoke"
)

// Logger records invocation outcomes into a Sink and emits a structured log
// line per record. It satisfies invoke.Recorder.
type Logger struct {
	sink Sink
	log  *slog.Logger
}

// NewLogger creates an audit logger backed by sink.
func NewLogger(sink Sink, log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{sink: sink, log: log}
}

// Record seals and persists the outcome.
func (l *Logger) Record(ctx context.Context, o invoke.Outcome) error {
	r, err := FromOutcome(o)
	if err != nil {
		return err
	}
	if err := l.sink.Append(ctx, r); err != nil {
		l.log.ErrorContext(ctx, "audit record failed",
			"invocation_id", r.ID,
			"tenant_id", r.TenantID,
			"error", err,
		)
		return err
	}
	l.log.InfoContext(ctx, "invocation recorded",
		"invocation_id", r.ID,
		"tenant_id", r.TenantID,
		"adapter", r.Adapter,
		"outcome", r.Outcome,
		"error_kind", r.ErrorKind,
		"hash", r.Hash,
	)
	return nil
}

var _ invoke.Recorder = (*Logger)(nil)
