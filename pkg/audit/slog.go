package audit

import (
	"context"
	"log/slog"
)

// SlogLogger writes audit events to a structured logger. It cannot be
// queried.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger creates a logger writing to l, or to slog.Default when l is
// nil.
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{logger: l.With("component", "audit")}
}

// Log implements Logger.
func (s *SlogLogger) Log(ctx context.Context, event Event) error {
	attrs := []slog.Attr{
		slog.String("id", event.ID),
		slog.String("type", string(event.Type)),
		slog.String("user_id", event.UserID),
		slog.Bool("success", event.Success),
		slog.Int64("duration_ms", event.DurationMS),
	}
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.OperationID != "" {
		attrs = append(attrs, slog.String("operation_id", event.OperationID))
	}
	if event.Identity != "" {
		attrs = append(attrs, slog.String("identity", event.Identity))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.State != "" {
		attrs = append(attrs, slog.String("state", event.State))
	}
	if event.ErrorMessage != "" {
		attrs = append(attrs, slog.String("error", event.ErrorMessage), slog.String("sql_state", event.SQLState))
	}

	level := slog.LevelInfo
	if !event.Success {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, "audit event", attrs...)
	return nil
}

// Query implements Logger. Events written to a log are not queryable.
func (*SlogLogger) Query(context.Context, QueryFilter) ([]Event, error) {
	return nil, nil
}

// Close implements Logger.
func (*SlogLogger) Close() error { return nil }

var _ Logger = (*SlogLogger)(nil)
