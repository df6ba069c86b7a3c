package audit

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	// EventTypeSessionOpen is recorded when a session is opened or refused.
	EventTypeSessionOpen EventType = "session_open"

	// EventTypeSessionClose is recorded when a session is closed by a
	// client or the reaper.
	EventTypeSessionClose EventType = "session_close"

	// EventTypeStatement is recorded when an operation reaches a terminal
	// state.
	EventTypeStatement EventType = "statement"
)

// NewEvent creates a new audit event.
func NewEvent(eventType EventType) *Event {
	return &Event{
		ID:        generateEventID(),
		Timestamp: time.Now(),
		Type:      eventType,
	}
}

// WithSession adds session information to the event.
func (e *Event) WithSession(sessionID, userID, ipAddress string) *Event {
	e.SessionID = sessionID
	e.UserID = userID
	e.IPAddress = ipAddress
	return e
}

// WithIdentity adds the effective identity when it differs from the user.
func (e *Event) WithIdentity(identity string) *Event {
	if identity != e.UserID {
		e.Identity = identity
	}
	return e
}

// WithOperation adds operation information to the event.
func (e *Event) WithOperation(operationID, statement string) *Event {
	e.OperationID = operationID
	e.Statement = statement
	return e
}

// WithConf adds a sanitized copy of the session configuration.
func (e *Event) WithConf(conf map[string]string) *Event {
	e.Conf = SanitizeConf(conf)
	return e
}

// WithState adds the final state name.
func (e *Event) WithState(state string) *Event {
	e.State = state
	return e
}

// WithResult adds result information to the event.
func (e *Event) WithResult(success bool, errorMsg, sqlState string, durationMS int64) *Event {
	e.Success = success
	e.ErrorMessage = errorMsg
	e.SQLState = sqlState
	e.DurationMS = durationMS
	return e
}

// generateEventID generates a unique event ID.
func generateEventID() string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	return base64.RawURLEncoding.EncodeToString(bytes)
}

// sensitiveFragments mark configuration keys whose values are redacted.
var sensitiveFragments = []string{"password", "secret", "token", "credential", "key"}

// SanitizeConf redacts sensitive configuration values.
func SanitizeConf(conf map[string]string) map[string]string {
	if conf == nil {
		return nil
	}

	sanitized := make(map[string]string, len(conf))
	for k, v := range conf {
		sanitized[k] = v
		lower := strings.ToLower(k)
		for _, frag := range sensitiveFragments {
			if strings.Contains(lower, frag) {
				sanitized[k] = "[REDACTED]"
				break
			}
		}
	}
	return sanitized
}
