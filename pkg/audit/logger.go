// Package audit records session and statement lifecycle events.
package audit

import (
	"context"
	"time"
)

// Logger defines the interface for audit logging.
type Logger interface {
	// Log records an audit event.
	Log(ctx context.Context, event Event) error

	// Query retrieves audit events matching the filter.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Close releases resources.
	Close() error
}

// Event represents an auditable event.
type Event struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	DurationMS   int64             `json:"duration_ms"`
	Type         EventType         `json:"type"`
	SessionID    string            `json:"session_id,omitempty"`
	OperationID  string            `json:"operation_id,omitempty"`
	UserID       string            `json:"user_id"`
	Identity     string            `json:"identity,omitempty"`
	IPAddress    string            `json:"ip_address,omitempty"`
	Statement    string            `json:"statement,omitempty"`
	State        string            `json:"state,omitempty"`
	Conf         map[string]string `json:"conf,omitempty"`
	Success      bool              `json:"success"`
	ErrorMessage string            `json:"error_message,omitempty"`
	SQLState     string            `json:"sql_state,omitempty"`
}

// QueryFilter defines criteria for querying audit events.
type QueryFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	UserID    string
	SessionID string
	Type      EventType
	Success   *bool
	Limit     int
	Offset    int
}

// Config configures audit logging.
type Config struct {
	Enabled       bool
	RetentionDays int
}

// NoopLogger discards every event.
type NoopLogger struct{}

// Log implements Logger.
func (NoopLogger) Log(context.Context, Event) error { return nil }

// Query implements Logger.
func (NoopLogger) Query(context.Context, QueryFilter) ([]Event, error) { return nil, nil }

// Close implements Logger.
func (NoopLogger) Close() error { return nil }

var _ Logger = NoopLogger{}
